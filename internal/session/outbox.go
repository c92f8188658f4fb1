package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"bita-miner/internal/models"
	"bita-miner/internal/store"
	"bita-miner/pkg/logger"
)

// Write is one pending partial update of a user record.
type Write struct {
	UserID string
	Fields models.Fields
	Reason string
	// EndOf is set on writes that end a session: the stored end time is
	// cleared only while it is no later than this deadline.
	EndOf *time.Time
}

func (w Write) balanceOnly() bool {
	_, ok := w.Fields[models.ColBalance]
	return ok && len(w.Fields) == 1 && w.EndOf == nil
}

type updater interface {
	Update(ctx context.Context, id string, fields models.Fields) error
	EndSession(ctx context.Context, id string, deadline time.Time, fields models.Fields) error
}

type OutboxSettings struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Capacity    int
}

type pending struct {
	Write
	attempts int
	retryAt  time.Time
	inflight bool
}

// Outbox applies session writes in the order each user enqueued them. A
// failing write is retried with exponential backoff before any later write
// of the same user runs, so a periodic flush can never land after the stop
// that followed it. Other users' writes go on meanwhile.
type Outbox struct {
	records  updater
	settings OutboxSettings
	now      func() time.Time

	mu    sync.Mutex
	queue []*pending
	wake  chan struct{}

	// work serializes Run and Drain.
	work sync.Mutex
}

func NewOutbox(records updater, settings OutboxSettings) *Outbox {
	if settings.MaxAttempts < 1 {
		settings.MaxAttempts = 1
	}
	if settings.Capacity < 1 {
		settings.Capacity = 1
	}
	return &Outbox{
		records:  records,
		settings: settings,
		now:      time.Now,
		wake:     make(chan struct{}, 1),
	}
}

// Enqueue queues w. A balance write replaces the user's queued balance-only
// writes. Writes that end a session are accepted even past Capacity.
func (o *Outbox) Enqueue(w Write) {
	o.mu.Lock()
	if _, ok := w.Fields[models.ColBalance]; ok {
		o.supersedeLocked(w.UserID)
	}
	if len(o.queue) >= o.settings.Capacity && w.EndOf == nil {
		o.mu.Unlock()
		logger.Log.Error("session outbox full, dropping write",
			logger.String("user_id", w.UserID), logger.String("reason", w.Reason))
		return
	}
	o.queue = append(o.queue, &pending{Write: w})
	o.mu.Unlock()

	o.signal()
}

func (o *Outbox) Pending() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.queue)
}

// Run applies writes as they arrive until ctx is done. Whatever is still
// queued then is left for Drain.
func (o *Outbox) Run(ctx context.Context) error {
	logger.Log.Info("session outbox started")
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-o.wake:
			o.process(ctx)
		}
	}
}

// Drain applies every queued write, giving up when ctx is done.
func (o *Outbox) Drain(ctx context.Context) error {
	o.process(ctx)
	if n := o.Pending(); n > 0 {
		logger.Log.Error("session outbox not drained", logger.Int("pending", n))
		return ctx.Err()
	}
	return nil
}

func (o *Outbox) process(ctx context.Context) {
	o.work.Lock()
	defer o.work.Unlock()

	for ctx.Err() == nil {
		p, retryIn, ok := o.next()
		if !ok {
			return
		}
		if p == nil {
			o.sleep(ctx, retryIn)
			continue
		}
		o.settle(p, o.apply(ctx, p.Write))
	}
}

func (o *Outbox) apply(ctx context.Context, w Write) error {
	if w.EndOf != nil {
		return o.records.EndSession(ctx, w.UserID, *w.EndOf, w.Fields)
	}
	return o.records.Update(ctx, w.UserID, w.Fields)
}

// next picks the oldest write of any user whose earliest write is due. With
// nothing due it reports how long until the first retry.
func (o *Outbox) next() (*pending, time.Duration, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if len(o.queue) == 0 {
		return nil, 0, false
	}

	now := o.now()
	seen := make(map[string]struct{}, len(o.queue))
	var earliest time.Time
	for _, p := range o.queue {
		if _, ok := seen[p.UserID]; ok {
			continue
		}
		seen[p.UserID] = struct{}{}

		if p.retryAt.After(now) {
			if earliest.IsZero() || p.retryAt.Before(earliest) {
				earliest = p.retryAt
			}
			continue
		}
		p.inflight = true
		return p, 0, true
	}
	return nil, earliest.Sub(now), true
}

func (o *Outbox) settle(p *pending, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	p.inflight = false

	if err == nil {
		o.removeLocked(p)
		return
	}

	p.attempts++
	switch {
	case errors.Is(err, store.ErrNotFound):
		o.removeLocked(p)
		logger.Log.Error("dropping write for missing record",
			logger.String("user_id", p.UserID), logger.String("reason", p.Reason))
	case p.attempts >= o.settings.MaxAttempts:
		o.removeLocked(p)
		logger.Log.Error("dropping write after repeated failures",
			logger.String("user_id", p.UserID), logger.String("reason", p.Reason),
			logger.Int("attempts", p.attempts), logger.Error(err))
	default:
		delay := o.backoff(p.attempts)
		p.retryAt = o.now().Add(delay)
		logger.Log.Warn("session write failed, retrying",
			logger.String("user_id", p.UserID), logger.Int("attempt", p.attempts),
			logger.Duration("delay", delay), logger.Error(err))
	}
}

// supersedeLocked drops queued balance-only writes of userID that are not
// being applied right now.
func (o *Outbox) supersedeLocked(userID string) {
	kept := o.queue[:0]
	for _, p := range o.queue {
		if p.UserID == userID && !p.inflight && p.balanceOnly() {
			continue
		}
		kept = append(kept, p)
	}
	for i := len(kept); i < len(o.queue); i++ {
		o.queue[i] = nil
	}
	o.queue = kept
}

func (o *Outbox) removeLocked(p *pending) {
	for i, q := range o.queue {
		if q == p {
			copy(o.queue[i:], o.queue[i+1:])
			o.queue[len(o.queue)-1] = nil
			o.queue = o.queue[:len(o.queue)-1]
			return
		}
	}
}

func (o *Outbox) signal() {
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

// sleep waits out a retry delay, returning early when a new write arrives.
func (o *Outbox) sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	case <-o.wake:
	}
}

// backoff doubles BaseDelay per failed attempt, capped at MaxDelay.
func (o *Outbox) backoff(attempt int) time.Duration {
	delay := o.settings.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if o.settings.MaxDelay > 0 && delay >= o.settings.MaxDelay {
			return o.settings.MaxDelay
		}
	}
	if o.settings.MaxDelay > 0 && delay > o.settings.MaxDelay {
		return o.settings.MaxDelay
	}
	return delay
}
