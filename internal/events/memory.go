package events

import (
	"context"
	"sync"

	"bita-miner/pkg/logger"
)

const memoryMaxDeliveries = 3

type delivery struct {
	ev       UserCreated
	attempts int
}

// MemoryBus is an in-process bus for single-instance runs and tests.
// Failed events are redelivered up to three times.
type MemoryBus struct {
	ch        chan delivery
	done      chan struct{}
	closeOnce sync.Once
}

func NewMemoryBus(capacity int) *MemoryBus {
	if capacity <= 0 {
		capacity = 1
	}
	return &MemoryBus{
		ch:   make(chan delivery, capacity),
		done: make(chan struct{}),
	}
}

func (b *MemoryBus) Publish(ctx context.Context, ev UserCreated) error {
	select {
	case <-b.done:
		return ErrClosed
	default:
	}

	select {
	case b.ch <- delivery{ev: ev}:
		return nil
	case <-b.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *MemoryBus) Subscribe(ctx context.Context, h Handler) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-b.done:
			return nil
		case d := <-b.ch:
			b.deliver(ctx, h, d)
		}
	}
}

func (b *MemoryBus) deliver(ctx context.Context, h Handler, d delivery) {
	d.attempts++
	err := h(ctx, d.ev)
	if err == nil {
		return
	}

	if d.attempts >= memoryMaxDeliveries {
		logger.Log.Error("dropping event after repeated failures",
			logger.String("event_id", d.ev.ID), logger.Int("attempts", d.attempts), logger.Error(err))
		return
	}

	logger.Log.Warn("event handler failed, redelivering",
		logger.String("event_id", d.ev.ID), logger.Int("attempts", d.attempts), logger.Error(err))
	select {
	case b.ch <- d:
	default:
		logger.Log.Error("bus full, dropping event", logger.String("event_id", d.ev.ID))
	}
}

func (b *MemoryBus) Close() error {
	b.closeOnce.Do(func() { close(b.done) })
	return nil
}
