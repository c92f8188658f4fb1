package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"bita-miner/internal/account"
	"bita-miner/internal/identity"
	"bita-miner/internal/lease"
	"bita-miner/internal/models"
	"bita-miner/internal/session"
	"bita-miner/pkg/dto"
	"bita-miner/pkg/logger"
)

const friendsLimit = 100

type accountService interface {
	Login(ctx context.Context, id identity.Identity, inviter string) (*models.User, error)
	Friends(ctx context.Context, id string, limit int) ([]models.User, error)
	InviteLink(id string) string
}

type sessionManager interface {
	Open(ctx context.Context, userID string) (*session.Controller, error)
}

type Options struct {
	USDRate          float64
	CommunityURL     string
	BalancePrecision int32
	FriendBoost      float64
}

type Handler struct {
	accounts accountService
	sessions sessionManager
	opts     Options
	now      func() time.Time
}

func NewHandler(accounts accountService, sessions sessionManager, opts Options) *Handler {
	return &Handler{
		accounts: accounts,
		sessions: sessions,
		opts:     opts,
		now:      time.Now,
	}
}

// Session logs the user in, registering them on first launch, and returns
// their live session.
func (h *Handler) Session(w http.ResponseWriter, r *http.Request) {
	l, ok := launchFrom(r.Context())
	if !ok {
		writeError(w, r, identity.ErrUnavailable)
		return
	}

	if _, err := h.accounts.Login(r.Context(), l.identity, l.inviter); err != nil {
		writeError(w, r, err)
		return
	}

	ctrl, err := h.sessions.Open(r.Context(), l.identity.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	h.writeState(w, r, ctrl)
}

func (h *Handler) State(w http.ResponseWriter, r *http.Request) {
	ctrl, ok := h.open(w, r)
	if !ok {
		return
	}
	h.writeState(w, r, ctrl)
}

func (h *Handler) StartMining(w http.ResponseWriter, r *http.Request) {
	ctrl, ok := h.open(w, r)
	if !ok {
		return
	}
	if err := ctrl.Start(r.Context()); err != nil {
		writeError(w, r, err)
		return
	}
	h.writeState(w, r, ctrl)
}

func (h *Handler) StopMining(w http.ResponseWriter, r *http.Request) {
	var req dto.StopRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			logger.Log.Warn("error while decoding a stop request", logger.Error(err))
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
			return
		}
	}

	ctrl, ok := h.open(w, r)
	if !ok {
		return
	}
	if err := ctrl.Stop(req.Save()); err != nil {
		writeError(w, r, err)
		return
	}
	h.writeState(w, r, ctrl)
}

func (h *Handler) StartBoost(w http.ResponseWriter, r *http.Request) {
	ctrl, ok := h.open(w, r)
	if !ok {
		return
	}
	if err := ctrl.StartBoostTask(); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, dto.BoostTask{
		State:        ctrl.Snapshot().Boost.String(),
		CommunityURL: h.opts.CommunityURL,
	})
}

func (h *Handler) ClaimBoost(w http.ResponseWriter, r *http.Request) {
	ctrl, ok := h.open(w, r)
	if !ok {
		return
	}
	if err := ctrl.ClaimBoost(r.Context()); err != nil {
		writeError(w, r, err)
		return
	}
	h.writeState(w, r, ctrl)
}

func (h *Handler) Friends(w http.ResponseWriter, r *http.Request) {
	l, ok := launchFrom(r.Context())
	if !ok {
		writeError(w, r, identity.ErrUnavailable)
		return
	}

	friends, err := h.accounts.Friends(r.Context(), l.identity.ID, friendsLimit)
	if err != nil {
		writeError(w, r, err)
		return
	}

	now := h.now()
	dtos := make([]dto.Friend, len(friends))
	for i, f := range friends {
		dtos[i] = dto.Friend{
			ID:       f.ID,
			Name:     f.DisplayName(),
			Username: f.Username,
			PhotoURL: f.PhotoURL,
			JoinedAt: f.CreatedAt.UTC().Format(time.RFC3339),
			Mining:   f.MiningActive(now),
		}
		if dtos[i].Mining {
			dtos[i].BoostGiven = h.opts.FriendBoost
			dtos[i].BoostGivenText = "+" + session.FormatSpeed(h.opts.FriendBoost)
		}
	}
	writeJSON(w, r, dtos)
}

func (h *Handler) Invite(w http.ResponseWriter, r *http.Request) {
	ctrl, ok := h.open(w, r)
	if !ok {
		return
	}
	writeJSON(w, r, dto.Invite{
		Link:           h.accounts.InviteLink(ctrl.UserID()),
		TotalReferrals: ctrl.Snapshot().TotalReferrals,
	})
}

func Healthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *Handler) open(w http.ResponseWriter, r *http.Request) (*session.Controller, bool) {
	l, ok := launchFrom(r.Context())
	if !ok {
		writeError(w, r, identity.ErrUnavailable)
		return nil, false
	}
	ctrl, err := h.sessions.Open(r.Context(), l.identity.ID)
	if err != nil {
		writeError(w, r, err)
		return nil, false
	}
	return ctrl, true
}

func (h *Handler) writeState(w http.ResponseWriter, r *http.Request, ctrl *session.Controller) {
	writeJSON(w, r, stateDTO(ctrl.Snapshot(), h.opts))
}

func stateDTO(s session.Snapshot, opts Options) dto.State {
	out := dto.State{
		UserID:          s.UserID,
		State:           s.State.String(),
		Balance:         session.RoundBalance(s.Balance, opts.BalancePrecision),
		BalanceText:     session.FormatBalance(s.Balance),
		BalanceUSD:      session.FormatUSD(s.Balance, opts.USDRate),
		BaseSpeed:       s.BaseSpeed,
		BoostSpeed:      s.BoostSpeed,
		ReferralSpeed:   s.ReferralSpeed,
		TotalSpeed:      s.TotalSpeed,
		TotalSpeedText:  session.FormatSpeed(s.TotalSpeed),
		Countdown:       s.Countdown,
		BoostTask:       s.Boost.String(),
		TotalReferrals:  s.TotalReferrals,
		ActiveReferrals: s.ActiveReferrals,
	}
	if s.EndsAt != nil {
		end := s.EndsAt.UTC().Format(time.RFC3339)
		out.MiningEndTime = &end
	}
	return out
}

func writeJSON(w http.ResponseWriter, r *http.Request, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Log.Error("error while encoding response to JSON", logger.String("url", r.RequestURI), logger.Error(err))
	}
}

// writeError maps domain errors to statuses. Anything unrecognized is a
// store failure the user may retry.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, identity.ErrUnavailable):
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
	case errors.Is(err, lease.ErrHeld):
		http.Error(w, "session is active on another device", http.StatusConflict)
	case errors.Is(err, session.ErrAlreadyMining):
		http.Error(w, "mining already active", http.StatusConflict)
	case errors.Is(err, session.ErrNotMining):
		http.Error(w, "mining not active", http.StatusConflict)
	case errors.Is(err, session.ErrBoostAlreadyClaimed):
		http.Error(w, "boost already claimed", http.StatusConflict)
	case errors.Is(err, session.ErrBoostNotStarted):
		http.Error(w, "boost task not started", http.StatusConflict)
	case errors.Is(err, session.ErrRecordMissing), errors.Is(err, account.ErrRecordMissing):
		logger.Log.Error("user record missing", logger.String("url", r.RequestURI), logger.Error(err))
		http.Error(w, "user data not found", http.StatusInternalServerError)
	default:
		logger.Log.Error("storage error", logger.String("url", r.RequestURI), logger.Error(err))
		http.Error(w, "storage temporarily unavailable, please retry", http.StatusServiceUnavailable)
	}
}
