package events

import (
	"context"
	"fmt"
	"time"

	"bita-miner/internal/models"
	"bita-miner/pkg/logger"
)

const relayBatch = 100

type outboxRepository interface {
	PendingEvents(ctx context.Context, limit int) ([]models.OutboxEvent, error)
	MarkEventPublished(ctx context.Context, id string, at time.Time) error
	MarkEventFailed(ctx context.Context, id string, cause error) error
}

// Relay moves committed outbox rows onto the bus. A row stays pending until
// the bus accepts it, so every event is published at least once.
type Relay struct {
	repo     outboxRepository
	bus      Bus
	interval time.Duration
	now      func() time.Time
}

func NewRelay(repo outboxRepository, bus Bus, interval time.Duration) *Relay {
	return &Relay{
		repo:     repo,
		bus:      bus,
		interval: interval,
		now:      time.Now,
	}
}

func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	logger.Log.Info("event relay started", logger.Duration("interval", r.interval))
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := r.Flush(ctx); err != nil {
				logger.Log.Error("error while relaying events", logger.Error(err))
			}
		}
	}
}

// Flush publishes one batch of pending events and reports how many the bus
// accepted.
func (r *Relay) Flush(ctx context.Context) (int, error) {
	pending, err := r.repo.PendingEvents(ctx, relayBatch)
	if err != nil {
		return 0, err
	}

	published := 0
	for _, row := range pending {
		if err := r.publish(ctx, row); err != nil {
			logger.Log.Warn("error publishing event", logger.String("event_id", row.ID), logger.Error(err))
			if markErr := r.repo.MarkEventFailed(ctx, row.ID, err); markErr != nil {
				return published, markErr
			}
			continue
		}

		if err := r.repo.MarkEventPublished(ctx, row.ID, r.now()); err != nil {
			return published, err
		}
		published++
	}
	return published, nil
}

func (r *Relay) publish(ctx context.Context, row models.OutboxEvent) error {
	if row.Kind != KindUserCreated {
		return fmt.Errorf("unknown event kind %q", row.Kind)
	}
	ev, err := decode(row.Payload)
	if err != nil {
		return err
	}
	return r.bus.Publish(ctx, ev)
}
