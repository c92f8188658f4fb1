package account

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"bita-miner/internal/events"
	"bita-miner/internal/identity"
	"bita-miner/internal/models"
	"bita-miner/internal/store"
	"bita-miner/pkg/logger"
)

// ErrRecordMissing means the record vanished between writing and reading it
// back. It is reported, never papered over by creating the record again.
var ErrRecordMissing = errors.New("user record not found")

const defaultFriendsLimit = 100

type Service struct {
	store       *store.Store
	baseSpeed   float64
	botUsername string
	webAppName  string
	now         func() time.Time
}

func NewService(st *store.Store, baseSpeed float64, botUsername, webAppName string) *Service {
	return &Service{
		store:       st,
		baseSpeed:   baseSpeed,
		botUsername: botUsername,
		webAppName:  webAppName,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Login refreshes the profile of a known user or registers a new one. The
// inviter is recorded only when the record is created, together with the
// user.created event that credits them.
func (s *Service) Login(ctx context.Context, id identity.Identity, inviter string) (*models.User, error) {
	now := s.now()

	err := s.store.Update(ctx, id.ID, profileFields(id, now))
	switch {
	case err == nil:
		logger.Log.Debug("user logged in", logger.String("user_id", id.ID))
	case errors.Is(err, store.ErrNotFound):
		if err := s.register(ctx, id, inviter, now); err != nil {
			return nil, err
		}
	default:
		return nil, err
	}

	user, err := s.store.Get(ctx, id.ID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrRecordMissing
		}
		return nil, err
	}
	user.ApplyDefaults(s.baseSpeed)
	return user, nil
}

func (s *Service) register(ctx context.Context, id identity.Identity, inviter string, now time.Time) error {
	if inviter == id.ID {
		inviter = ""
	}

	user := models.NewUser(id.ID, inviter, s.baseSpeed, now)
	user.FirstName = id.FirstName
	user.Username = id.Username
	user.PhotoURL = id.PhotoURL
	user.IsPremium = id.IsPremium
	if id.LanguageCode != "" {
		user.LanguageCode = id.LanguageCode
	}

	row, err := events.NewUserCreated(user).Outbox()
	if err != nil {
		return err
	}

	err = s.store.Create(ctx, user, row)
	if errors.Is(err, store.ErrAlreadyExists) {
		// A concurrent login registered the user first.
		return s.store.Update(ctx, id.ID, profileFields(id, now))
	}
	if err != nil {
		return err
	}

	logger.Log.Info("user registered", logger.String("user_id", id.ID), logger.String("referred_by", inviter))
	return nil
}

func profileFields(id identity.Identity, now time.Time) models.Fields {
	fields := models.Fields{
		models.ColFirstName: id.FirstName,
		models.ColUsername:  id.Username,
		models.ColPhotoURL:  id.PhotoURL,
		models.ColIsPremium: id.IsPremium,
		models.ColLastLogin: now,
	}
	if id.LanguageCode != "" {
		fields[models.ColLanguageCode] = id.LanguageCode
	}
	return fields
}

// Friends lists the users invited by id.
func (s *Service) Friends(ctx context.Context, id string, limit int) ([]models.User, error) {
	if limit <= 0 {
		limit = defaultFriendsLimit
	}
	friends, err := s.store.Referrals(ctx, id, limit)
	if err != nil {
		return nil, err
	}
	for i := range friends {
		friends[i].ApplyDefaults(s.baseSpeed)
	}
	return friends, nil
}

// InviteLink opens the Mini App with id as the launch parameter.
func (s *Service) InviteLink(id string) string {
	return fmt.Sprintf("https://t.me/%s/%s?startapp=%s", s.botUsername, s.webAppName, url.QueryEscape(id))
}

// Invite returns the invite link of id with the number of users it brought in.
func (s *Service) Invite(ctx context.Context, id string) (string, int64, error) {
	user, err := s.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", 0, ErrRecordMissing
		}
		return "", 0, err
	}
	return s.InviteLink(id), user.TotalReferrals, nil
}
