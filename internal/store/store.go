package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"bita-miner/internal/models"
	"bita-miner/pkg/logger"
)

var (
	ErrNotFound            = errors.New("record not found")
	ErrAlreadyExists       = errors.New("record already exists")
	ErrBoostAlreadyClaimed = errors.New("boost task already claimed")
)

const txAttempts = 3

type Store struct {
	DB *gorm.DB
}

func New(db *gorm.DB) *Store {
	return &Store{DB: db}
}

func (s *Store) Get(ctx context.Context, id string) (*models.User, error) {
	return getUser(s.DB.WithContext(ctx), id)
}

// Create inserts a new record together with the events announcing it.
func (s *Store) Create(ctx context.Context, user *models.User, events ...models.OutboxEvent) error {
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&models.User{}).Where("id = ?", user.ID).Count(&count).Error; err != nil {
			return fmt.Errorf("error checking user: %w", err)
		}
		if count > 0 {
			return ErrAlreadyExists
		}

		if err := tx.Create(user).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return ErrAlreadyExists
			}
			return fmt.Errorf("error creating user: %w", err)
		}

		for i := range events {
			if err := tx.Create(&events[i]).Error; err != nil {
				return fmt.Errorf("error creating outbox event: %w", err)
			}
		}
		return nil
	})
	if errors.Is(err, ErrAlreadyExists) {
		logger.Log.Warn("user already exists", logger.String("user_id", user.ID))
	}
	return err
}

// Update merges fields into the record.
func (s *Store) Update(ctx context.Context, id string, fields models.Fields) error {
	if len(fields) == 0 {
		return nil
	}

	res := s.DB.WithContext(ctx).Model(&models.User{}).Where("id = ?", id).Updates(map[string]any(fields))
	if res.Error != nil {
		return fmt.Errorf("error updating user %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// EndSession merges fields and clears the end time of the session that ends
// at deadline. A record already holding a later deadline belongs to a newer
// session and keeps its end time.
func (s *Store) EndSession(ctx context.Context, id string, deadline time.Time, fields models.Fields) error {
	rest := make(map[string]any, len(fields))
	for k, v := range fields {
		if k != models.ColMiningEndTime {
			rest[k] = v
		}
	}

	return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if len(rest) > 0 {
			res := tx.Model(&models.User{}).Where("id = ?", id).Updates(rest)
			if res.Error != nil {
				return fmt.Errorf("error updating user %s: %w", id, res.Error)
			}
			if res.RowsAffected == 0 {
				return ErrNotFound
			}
		} else if _, err := getUser(tx, id); err != nil {
			return err
		}

		res := tx.Model(&models.User{}).
			Where("id = ? AND mining_end_time <= ?", id, deadline.UTC()).
			Update(models.ColMiningEndTime, nil)
		if res.Error != nil {
			return fmt.Errorf("error ending session for %s: %w", id, res.Error)
		}
		if res.RowsAffected == 0 {
			logger.Log.Debug("end time kept for newer session", logger.String("user_id", id))
		}
		return nil
	})
}

// ClaimBoost completes the one-shot boost task and returns the new boost
// speed. The completed flag guards the write, so a second claim changes nothing.
func (s *Store) ClaimBoost(ctx context.Context, id string, increment float64) (float64, error) {
	var boost float64
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.User{}).
			Where("id = ? AND boost_task_completed = ?", id, false).
			Updates(map[string]any{
				models.ColBoostSpeed:         gorm.Expr("boost_speed + ?", increment),
				models.ColBoostTaskCompleted: true,
			})
		if res.Error != nil {
			return fmt.Errorf("error claiming boost: %w", res.Error)
		}

		if res.RowsAffected == 0 {
			if _, err := getUser(tx, id); err != nil {
				return err
			}
			return ErrBoostAlreadyClaimed
		}

		u, err := getUser(tx, id)
		if err != nil {
			return err
		}
		boost = u.BoostSpeed
		return nil
	})
	if err != nil {
		return 0, err
	}
	return boost, nil
}

// RunTransaction runs fn atomically. Serialization failures and deadlocks
// are retried; fn must therefore be safe to run more than once.
func (s *Store) RunTransaction(ctx context.Context, fn func(tx *Tx) error) error {
	var err error
	for attempt := 1; attempt <= txAttempts; attempt++ {
		err = s.DB.WithContext(ctx).Transaction(func(db *gorm.DB) error {
			return fn(&Tx{db: db})
		})
		if err == nil || !retryable(err) {
			return err
		}
		logger.Log.Warn("transaction conflict, retrying", logger.Int("attempt", attempt), logger.Error(err))
	}
	return fmt.Errorf("transaction failed after %d attempts: %w", txAttempts, err)
}

// Referrals lists the users invited by referrerID, newest first.
func (s *Store) Referrals(ctx context.Context, referrerID string, limit int) ([]models.User, error) {
	var users []models.User
	err := s.DB.WithContext(ctx).
		Where("referred_by = ?", referrerID).
		Order("created_at DESC").
		Limit(limit).
		Find(&users).Error
	if err != nil {
		return nil, fmt.Errorf("error fetching referrals: %w", err)
	}
	return users, nil
}

func (s *Store) PendingEvents(ctx context.Context, limit int) ([]models.OutboxEvent, error) {
	var events []models.OutboxEvent
	err := s.DB.WithContext(ctx).
		Where("published_at IS NULL").
		Order("created_at ASC").
		Limit(limit).
		Find(&events).Error
	if err != nil {
		return nil, fmt.Errorf("error fetching pending events: %w", err)
	}
	return events, nil
}

func (s *Store) MarkEventPublished(ctx context.Context, id string, at time.Time) error {
	err := s.DB.WithContext(ctx).Model(&models.OutboxEvent{}).
		Where("id = ?", id).
		Update("published_at", at.UTC()).Error
	if err != nil {
		return fmt.Errorf("error marking event %s published: %w", id, err)
	}
	return nil
}

func (s *Store) MarkEventFailed(ctx context.Context, id string, cause error) error {
	msg := cause.Error()
	if len(msg) > 1024 {
		msg = msg[:1024]
	}
	err := s.DB.WithContext(ctx).Model(&models.OutboxEvent{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"attempts":   gorm.Expr("attempts + 1"),
			"last_error": msg,
		}).Error
	if err != nil {
		return fmt.Errorf("error marking event %s failed: %w", id, err)
	}
	return nil
}

// SessionsEndingBetween returns users whose session ends in (from, to].
func (s *Store) SessionsEndingBetween(ctx context.Context, from, to time.Time) ([]models.User, error) {
	var users []models.User
	err := s.DB.WithContext(ctx).
		Where("mining_end_time > ? AND mining_end_time <= ?", from.UTC(), to.UTC()).
		Find(&users).Error
	if err != nil {
		return nil, fmt.Errorf("error fetching ending sessions: %w", err)
	}
	return users, nil
}

func (s *Store) ExpiredSessions(ctx context.Context, now time.Time, limit int) ([]models.User, error) {
	var users []models.User
	err := s.DB.WithContext(ctx).
		Where("mining_end_time <= ?", now.UTC()).
		Order("mining_end_time ASC").
		Limit(limit).
		Find(&users).Error
	if err != nil {
		return nil, fmt.Errorf("error fetching expired sessions: %w", err)
	}
	return users, nil
}

// ClearExpiredSession clears the end time only if it is still in the past,
// so a session restarted meanwhile is left alone.
func (s *Store) ClearExpiredSession(ctx context.Context, id string, now time.Time) (bool, error) {
	res := s.DB.WithContext(ctx).Model(&models.User{}).
		Where("id = ? AND mining_end_time <= ?", id, now.UTC()).
		Update(models.ColMiningEndTime, nil)
	if res.Error != nil {
		return false, fmt.Errorf("error clearing session for %s: %w", id, res.Error)
	}
	return res.RowsAffected > 0, nil
}

// Tx is the view of the store inside RunTransaction.
type Tx struct {
	db *gorm.DB
}

func (tx *Tx) Get(id string) (*models.User, error) {
	return getUser(tx.db.Clauses(lockingFor(tx.db)...), id)
}

// Increment adds delta to an integer column of the record.
func (tx *Tx) Increment(id, column string, delta int64) error {
	res := tx.db.Model(&models.User{}).
		Where("id = ?", id).
		Update(column, gorm.Expr(column+" + ?", delta))
	if res.Error != nil {
		return fmt.Errorf("error incrementing %s for %s: %w", column, id, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkProcessed records eventID and reports whether it was seen for the
// first time.
func (tx *Tx) MarkProcessed(eventID, kind string, at time.Time) (bool, error) {
	res := tx.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&models.ProcessedEvent{
		EventID:     eventID,
		Kind:        kind,
		ProcessedAt: at.UTC(),
	})
	if res.Error != nil {
		return false, fmt.Errorf("error marking event %s processed: %w", eventID, res.Error)
	}
	return res.RowsAffected == 1, nil
}

func getUser(db *gorm.DB, id string) (*models.User, error) {
	var user models.User
	err := db.Where("id = ?", id).Take(&user).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("error fetching user %s: %w", id, err)
	}
	return &user, nil
}

// SQLite serializes writers on its own and has no row locks.
func lockingFor(db *gorm.DB) []clause.Expression {
	if db.Dialector.Name() == "postgres" {
		return []clause.Expression{clause.Locking{Strength: "UPDATE"}}
	}
	return nil
}

func retryable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	return false
}
