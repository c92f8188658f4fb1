package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"bita-miner/internal/lease"
	"bita-miner/internal/models"
	"bita-miner/internal/store"
	"bita-miner/pkg/logger"
)

const idleEviction = 10 * time.Minute

type userStore interface {
	Records
	Get(ctx context.Context, id string) (*models.User, error)
}

type entry struct {
	ctrl     *Controller
	lastSeen time.Time
}

// Manager keeps at most one controller per user and holds the user's lease
// for as long as the controller lives.
type Manager struct {
	store     userStore
	outbox    *Outbox
	lease     lease.Lease
	settings  Settings
	baseSpeed float64
	leaseTTL  time.Duration
	clock     Clock
	tickers   TickerFactory

	group singleflight.Group

	mu       sync.Mutex
	sessions map[string]*entry
}

type ManagerOption func(*Manager)

func WithClock(clock Clock) ManagerOption {
	return func(m *Manager) { m.clock = clock }
}

func WithTickers(tickers TickerFactory) ManagerOption {
	return func(m *Manager) { m.tickers = tickers }
}

func NewManager(st userStore, outbox *Outbox, l lease.Lease, settings Settings, baseSpeed float64, leaseTTL time.Duration, opts ...ManagerOption) *Manager {
	m := &Manager{
		store:     st,
		outbox:    outbox,
		lease:     l,
		settings:  settings,
		baseSpeed: baseSpeed,
		leaseTTL:  leaseTTL,
		clock:     SystemClock,
		tickers:   SystemTickers,
		sessions:  make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Open returns the user's live controller, building it from the stored
// record on first use. A record that does not exist is ErrRecordMissing; a
// session owned by another instance is lease.ErrHeld.
func (m *Manager) Open(ctx context.Context, userID string) (*Controller, error) {
	if ctrl, ok := m.touch(userID); ok {
		user, err := m.load(ctx, userID)
		if err != nil {
			return nil, err
		}
		ctrl.Refresh(user)
		return ctrl, nil
	}

	v, err, _ := m.group.Do(userID, func() (any, error) {
		if ctrl, ok := m.touch(userID); ok {
			return ctrl, nil
		}

		user, err := m.load(ctx, userID)
		if err != nil {
			return nil, err
		}
		if err := m.lease.Acquire(ctx, userID); err != nil {
			return nil, err
		}

		ctrl := NewController(user, Deps{
			Records: m.store,
			Writes:  m.outbox,
			Clock:   m.clock,
			Tickers: m.tickers,
		}, m.settings)
		ctrl.Resume(user.MiningEndTime)

		m.mu.Lock()
		m.sessions[userID] = &entry{ctrl: ctrl, lastSeen: m.clock.Now()}
		m.mu.Unlock()

		logger.Log.Debug("session opened", logger.String("user_id", userID))
		return ctrl, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Controller), nil
}

func (m *Manager) Get(userID string) (*Controller, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[userID]
	if !ok {
		return nil, false
	}
	return e.ctrl, true
}

func (m *Manager) IsLive(userID string) bool {
	_, ok := m.Get(userID)
	return ok
}

// Run keeps the leases of live sessions alive and evicts sessions that
// lost their lease or sat idle.
func (m *Manager) Run(ctx context.Context) error {
	interval := m.leaseTTL / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.Maintain(ctx)
		}
	}
}

// Maintain runs one lease refresh and eviction pass.
func (m *Manager) Maintain(ctx context.Context) {
	now := m.clock.Now()

	m.mu.Lock()
	live := make(map[string]*entry, len(m.sessions))
	for id, e := range m.sessions {
		live[id] = e
	}
	m.mu.Unlock()

	for id, e := range live {
		err := m.lease.Refresh(ctx, id)
		switch {
		case errors.Is(err, lease.ErrNotHeld):
			logger.Log.Warn("session lease lost, evicting", logger.String("user_id", id))
			m.evict(ctx, id, e, false)
		case err != nil:
			logger.Log.Warn("error refreshing session lease", logger.String("user_id", id), logger.Error(err))
		case e.ctrl.Snapshot().State == Idle && now.Sub(m.seen(id)) >= idleEviction:
			m.evict(ctx, id, e, true)
		}
	}
}

// Shutdown suspends every session, flushes the pending writes and gives the
// leases up so another instance can resume the sessions.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	live := m.sessions
	m.sessions = make(map[string]*entry)
	m.mu.Unlock()

	for _, e := range live {
		e.ctrl.Suspend()
	}

	err := m.outbox.Drain(ctx)

	for id := range live {
		if relErr := m.lease.Release(ctx, id); relErr != nil {
			logger.Log.Warn("error releasing session lease", logger.String("user_id", id), logger.Error(relErr))
		}
	}

	logger.Log.Info("sessions suspended", logger.Int("count", len(live)))
	return err
}

func (m *Manager) load(ctx context.Context, userID string) (*models.User, error) {
	user, err := m.store.Get(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrRecordMissing
		}
		return nil, fmt.Errorf("error loading session for %s: %w", userID, err)
	}
	user.ApplyDefaults(m.baseSpeed)
	return user, nil
}

func (m *Manager) touch(userID string) (*Controller, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[userID]
	if !ok {
		return nil, false
	}
	e.lastSeen = m.clock.Now()
	return e.ctrl, true
}

func (m *Manager) seen(userID string) time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.sessions[userID]; ok {
		return e.lastSeen
	}
	return time.Time{}
}

func (m *Manager) evict(ctx context.Context, userID string, e *entry, release bool) {
	m.mu.Lock()
	if m.sessions[userID] != e {
		m.mu.Unlock()
		return
	}
	delete(m.sessions, userID)
	m.mu.Unlock()

	if !release {
		e.ctrl.Close()
		return
	}
	e.ctrl.Suspend()
	if err := m.lease.Release(ctx, userID); err != nil {
		logger.Log.Warn("error releasing session lease", logger.String("user_id", userID), logger.Error(err))
	}
}
