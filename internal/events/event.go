package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"bita-miner/internal/models"
)

const KindUserCreated = "user.created"

var ErrClosed = errors.New("event bus closed")

// UserCreated announces a newly registered user. ID identifies the event,
// not the user, and is the key consumers de-duplicate on.
type UserCreated struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id"`
	ReferredBy string    `json:"referred_by,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

func NewUserCreated(user *models.User) UserCreated {
	ev := UserCreated{
		ID:        uuid.NewString(),
		UserID:    user.ID,
		CreatedAt: user.CreatedAt.UTC(),
	}
	if user.ReferredBy != nil {
		ev.ReferredBy = *user.ReferredBy
	}
	return ev
}

// Outbox renders the event as a row for the event outbox.
func (e UserCreated) Outbox() (models.OutboxEvent, error) {
	payload, err := json.Marshal(e)
	if err != nil {
		return models.OutboxEvent{}, fmt.Errorf("error encoding event %s: %w", e.ID, err)
	}
	return models.OutboxEvent{
		ID:        e.ID,
		Kind:      KindUserCreated,
		Payload:   payload,
		CreatedAt: e.CreatedAt,
	}, nil
}

func decode(payload []byte) (UserCreated, error) {
	var ev UserCreated
	if err := json.Unmarshal(payload, &ev); err != nil {
		return UserCreated{}, fmt.Errorf("error decoding event: %w", err)
	}
	if ev.ID == "" || ev.UserID == "" {
		return UserCreated{}, errors.New("incomplete event payload")
	}
	return ev, nil
}

// Handler consumes one event. A non-nil error asks the bus to deliver the
// event again.
type Handler func(ctx context.Context, ev UserCreated) error

// Bus carries UserCreated events from the relay to their consumers.
type Bus interface {
	Publish(ctx context.Context, ev UserCreated) error
	// Subscribe blocks, feeding events to h until ctx is done or the bus is
	// closed.
	Subscribe(ctx context.Context, h Handler) error
	Close() error
}
