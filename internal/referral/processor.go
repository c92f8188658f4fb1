package referral

import (
	"context"
	"errors"
	"time"

	"bita-miner/internal/events"
	"bita-miner/internal/models"
	"bita-miner/internal/store"
	"bita-miner/pkg/logger"
)

var errReferrerMissing = errors.New("referrer not found")

// Processor credits the inviter of every newly created user.
type Processor struct {
	store *store.Store
	now   func() time.Time
}

func NewProcessor(st *store.Store) *Processor {
	return &Processor{store: st, now: time.Now}
}

// Handle increments the referrer's total_referrals once per event id.
// A missing referrer is an integrity problem, not a transient one, so it is
// logged and the event is consumed. Any other failure is returned and the
// bus delivers the event again.
func (p *Processor) Handle(ctx context.Context, ev events.UserCreated) error {
	if ev.ReferredBy == "" {
		logger.Log.Debug("user has no referrer", logger.String("user_id", ev.UserID))
		return nil
	}
	if ev.ReferredBy == ev.UserID {
		logger.Log.Info("ignoring self-referral", logger.String("user_id", ev.UserID))
		return nil
	}

	var duplicate bool
	err := p.store.RunTransaction(ctx, func(tx *store.Tx) error {
		first, err := tx.MarkProcessed(ev.ID, events.KindUserCreated, p.now())
		if err != nil {
			return err
		}
		if !first {
			duplicate = true
			return nil
		}

		if _, err := tx.Get(ev.ReferredBy); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return errReferrerMissing
			}
			return err
		}
		return tx.Increment(ev.ReferredBy, models.ColTotalReferrals, 1)
	})

	switch {
	case errors.Is(err, errReferrerMissing):
		logger.Log.Warn("referrer does not exist, referral not credited",
			logger.String("event_id", ev.ID), logger.String("user_id", ev.UserID), logger.String("referrer_id", ev.ReferredBy))
		return nil
	case err != nil:
		logger.Log.Error("error crediting referral",
			logger.String("event_id", ev.ID), logger.String("referrer_id", ev.ReferredBy), logger.Error(err))
		return err
	case duplicate:
		logger.Log.Info("referral event already processed", logger.String("event_id", ev.ID))
		return nil
	}

	logger.Log.Info("referral credited",
		logger.String("referrer_id", ev.ReferredBy), logger.String("user_id", ev.UserID))
	return nil
}
