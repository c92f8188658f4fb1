package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"bita-miner/internal/models"
	"bita-miner/pkg/logger"
)

const (
	expiredBatch = 100
	sweepTimeout = 30 * time.Second

	reminderText = "⏳ Your mining session ends soon. Open the app to start a new one."
	finishedText = "✅ Your mining session has finished. Open the app to start a new one."
)

type sessionStore interface {
	SessionsEndingBetween(ctx context.Context, from, to time.Time) ([]models.User, error)
	ExpiredSessions(ctx context.Context, now time.Time, limit int) ([]models.User, error)
	ClearExpiredSession(ctx context.Context, id string, now time.Time) (bool, error)
}

type liveSessions interface {
	IsLive(userID string) bool
}

type leaseHolders interface {
	Holder(ctx context.Context, id string) (string, error)
}

type notifier interface {
	Notify(ctx context.Context, userID, text string) error
}

// Sweeper reminds users of sessions about to end and closes sessions that
// ended while no instance was running them.
type Sweeper struct {
	store        sessionStore
	sessions     liveSessions
	leases       leaseHolders
	notifier     notifier
	redis        *redis.Client
	remindBefore time.Duration
	now          func() time.Time
}

func NewSweeper(st sessionStore, sessions liveSessions, leases leaseHolders, n notifier, rdb *redis.Client, remindBefore time.Duration) *Sweeper {
	return &Sweeper{
		store:        st,
		sessions:     sessions,
		leases:       leases,
		notifier:     n,
		redis:        rdb,
		remindBefore: remindBefore,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// Run is the cron entry point.
func (s *Sweeper) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
	defer cancel()

	if err := s.Sweep(ctx); err != nil {
		logger.Log.Error("session sweep failed", logger.Error(err))
	}
}

func (s *Sweeper) Sweep(ctx context.Context) error {
	now := s.now()
	if err := s.remind(ctx, now); err != nil {
		return err
	}
	return s.closeExpired(ctx, now)
}

func (s *Sweeper) remind(ctx context.Context, now time.Time) error {
	if s.remindBefore <= 0 {
		return nil
	}

	ending, err := s.store.SessionsEndingBetween(ctx, now, now.Add(s.remindBefore))
	if err != nil {
		return err
	}

	for _, user := range ending {
		key := fmt.Sprintf("reminded:%s:%d", user.ID, user.MiningEndTime.Unix())
		first, err := s.redis.SetNX(ctx, key, "1", s.remindBefore+time.Hour).Result()
		if err != nil {
			return fmt.Errorf("error marking reminder for %s: %w", user.ID, err)
		}
		if !first {
			continue
		}

		if err := s.notifier.Notify(ctx, user.ID, reminderText); err != nil {
			logger.Log.Warn("failed to send session reminder", logger.String("user_id", user.ID), logger.Error(err))
			s.redis.Del(ctx, key)
			continue
		}
		logger.Log.Info("session reminder sent", logger.String("user_id", user.ID))
	}
	return nil
}

func (s *Sweeper) closeExpired(ctx context.Context, now time.Time) error {
	expired, err := s.store.ExpiredSessions(ctx, now, expiredBatch)
	if err != nil {
		return err
	}

	closed := 0
	for _, user := range expired {
		if s.sessions.IsLive(user.ID) {
			continue
		}
		holder, err := s.leases.Holder(ctx, user.ID)
		if err != nil {
			logger.Log.Warn("error reading session lease", logger.String("user_id", user.ID), logger.Error(err))
			continue
		}
		if holder != "" {
			continue
		}

		cleared, err := s.store.ClearExpiredSession(ctx, user.ID, now)
		if err != nil {
			return err
		}
		if !cleared {
			continue
		}
		closed++

		if err := s.notifier.Notify(ctx, user.ID, finishedText); err != nil {
			logger.Log.Warn("failed to send session finished notice", logger.String("user_id", user.ID), logger.Error(err))
		}
	}

	if closed > 0 {
		logger.Log.Info("stale sessions closed", logger.Int("count", closed))
	}
	return nil
}
