package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"bita-miner/internal/models"
	"bita-miner/internal/store"
	"bita-miner/pkg/logger"
)

var (
	ErrAlreadyMining       = errors.New("mining session already active")
	ErrNotMining           = errors.New("no active mining session")
	ErrBoostAlreadyClaimed = errors.New("boost task already claimed")
	ErrBoostNotStarted     = errors.New("boost task not started")
	ErrRecordMissing       = errors.New("user record not found")
)

// Records is the part of the store the controller writes through directly.
type Records interface {
	Update(ctx context.Context, id string, fields models.Fields) error
	ClaimBoost(ctx context.Context, id string, increment float64) (float64, error)
}

// Writer accepts writes that must not hold up the session.
type Writer interface {
	Enqueue(w Write)
}

type Settings struct {
	MiningDuration   time.Duration
	TickInterval     time.Duration
	FlushInterval    time.Duration
	BoostIncrement   float64
	BalancePrecision int32
}

func DefaultSettings() Settings {
	return Settings{
		MiningDuration:   24 * time.Hour,
		TickInterval:     time.Second,
		FlushInterval:    60 * time.Second,
		BoostIncrement:   0.005,
		BalancePrecision: 4,
	}
}

type Deps struct {
	Records Records
	Writes  Writer
	Clock   Clock
	Tickers TickerFactory
}

// Controller owns the mining session of one user. Every state change goes
// through its methods; none of them may be called with c.mu held.
type Controller struct {
	userID   string
	settings Settings
	records  Records
	writes   Writer
	clock    Clock
	tickers  TickerFactory

	// op serializes the transitions that write to the store synchronously.
	op sync.Mutex

	mu              sync.Mutex
	state           State
	balance         float64
	baseSpeed       float64
	boostSpeed      float64
	referralSpeed   float64
	totalReferrals  int64
	activeReferrals int64
	deadline        time.Time
	lastFlush       time.Time
	boost           BoostState
	stopLoop        func()
	generation      uint64
}

// NewController builds an idle controller from a loaded record. Call Resume
// to pick up a session that is still running.
func NewController(user *models.User, deps Deps, settings Settings) *Controller {
	if deps.Clock == nil {
		deps.Clock = SystemClock
	}
	if deps.Tickers == nil {
		deps.Tickers = SystemTickers
	}

	c := &Controller{
		userID:   user.ID,
		settings: settings,
		records:  deps.Records,
		writes:   deps.Writes,
		clock:    deps.Clock,
		tickers:  deps.Tickers,
		balance:  user.Balance,
		boost:    BoostNotStarted,
	}
	c.mergeRecord(user)
	return c
}

func (c *Controller) UserID() string {
	return c.userID
}

// Resume re-enters Mining when the stored session is still running. A
// session that ended while nobody watched is closed without a balance write.
func (c *Controller) Resume(end *time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if end == nil || c.state == Mining {
		return
	}

	now := c.clock.Now()
	if end.After(now) {
		c.state = Mining
		c.deadline = *end
		c.lastFlush = now
		c.startLoopLocked()
		logger.Log.Info("mining session resumed",
			logger.String("user_id", c.userID), logger.Time("ends_at", *end))
		return
	}

	ended := *end
	c.writes.Enqueue(Write{
		UserID: c.userID,
		Fields: models.Fields{models.ColMiningEndTime: nil},
		Reason: "expired session reconciled",
		EndOf:  &ended,
	})
	logger.Log.Info("expired mining session reconciled", logger.String("user_id", c.userID))
}

// Start persists the session end time and only then enters Mining.
func (c *Controller) Start(ctx context.Context) error {
	c.op.Lock()
	defer c.op.Unlock()

	c.mu.Lock()
	if c.state == Mining {
		c.mu.Unlock()
		return ErrAlreadyMining
	}
	now := c.clock.Now()
	deadline := now.Add(c.settings.MiningDuration)
	c.mu.Unlock()

	err := c.records.Update(ctx, c.userID, models.Fields{models.ColMiningEndTime: deadline.UTC()})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrRecordMissing
		}
		return fmt.Errorf("error starting mining session: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = Mining
	c.deadline = deadline
	c.lastFlush = now
	c.startLoopLocked()

	logger.Log.Info("mining session started",
		logger.String("user_id", c.userID), logger.Time("ends_at", deadline))
	return nil
}

// Tick advances the session by one tick interval. It is driven by the
// session ticker and does nothing while Idle.
func (c *Controller) Tick() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tickLocked()
}

func (c *Controller) tickLocked() {
	if c.state != Mining {
		return
	}

	now := c.clock.Now()
	if !now.Before(c.deadline) {
		c.stopLocked(true, "session expired")
		logger.Log.Info("mining session expired", logger.String("user_id", c.userID))
		return
	}

	c.balance += c.totalSpeedLocked() / 3600 * c.settings.TickInterval.Seconds()

	if now.Sub(c.lastFlush) >= c.settings.FlushInterval {
		c.lastFlush = now
		c.enqueueLocked(models.Fields{models.ColBalance: c.roundedLocked()}, "periodic flush")
	}
}

// Stop ends the session. With save the rounded balance is written together
// with the cleared end time; without it the stored balance is left as is.
func (c *Controller) Stop(save bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != Mining {
		return ErrNotMining
	}
	c.stopLocked(save, "stopped by user")
	logger.Log.Info("mining session stopped", logger.String("user_id", c.userID), logger.Bool("saved", save))
	return nil
}

// Suspend halts the loop for shutdown and flushes the balance, leaving the
// end time in place so the next owner resumes the session.
func (c *Controller) Suspend() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != Mining {
		return
	}
	c.haltLoopLocked()
	c.state = Idle
	c.enqueueLocked(models.Fields{models.ColBalance: c.roundedLocked()}, "suspended")
}

// Close halts the loop without writing anything. It is used once another
// instance has taken the session over.
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.haltLoopLocked()
	c.state = Idle
}

func (c *Controller) StartBoostTask() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.boost == BoostClaimed {
		return ErrBoostAlreadyClaimed
	}
	c.boost = BoostStarted
	return nil
}

// ClaimBoost completes the boost task with a single conditional write. The
// new rate applies from the next tick.
func (c *Controller) ClaimBoost(ctx context.Context) error {
	c.op.Lock()
	defer c.op.Unlock()

	c.mu.Lock()
	switch c.boost {
	case BoostClaimed:
		c.mu.Unlock()
		return ErrBoostAlreadyClaimed
	case BoostNotStarted:
		c.mu.Unlock()
		return ErrBoostNotStarted
	}
	c.mu.Unlock()

	boost, err := c.records.ClaimBoost(ctx, c.userID, c.settings.BoostIncrement)
	switch {
	case errors.Is(err, store.ErrBoostAlreadyClaimed):
		c.mu.Lock()
		c.boost = BoostClaimed
		c.mu.Unlock()
		return ErrBoostAlreadyClaimed
	case errors.Is(err, store.ErrNotFound):
		return ErrRecordMissing
	case err != nil:
		return fmt.Errorf("error claiming boost: %w", err)
	}

	c.mu.Lock()
	c.boost = BoostClaimed
	c.boostSpeed = boost
	c.mu.Unlock()

	logger.Log.Info("boost claimed", logger.String("user_id", c.userID), logger.Float64("boost_speed", boost))
	return nil
}

// Refresh takes over the fields other writers change: referral counters,
// speeds and the boost flag. Balance and session state stay local.
func (c *Controller) Refresh(user *models.User) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mergeRecord(user)
}

func (c *Controller) mergeRecord(user *models.User) {
	c.baseSpeed = user.BaseMiningSpeed
	c.boostSpeed = user.BoostSpeed
	c.referralSpeed = user.ReferralSpeed
	c.totalReferrals = user.TotalReferrals
	c.activeReferrals = user.ActiveReferrals
	if user.BoostTaskCompleted {
		c.boost = BoostClaimed
	}
}

type Snapshot struct {
	UserID          string
	State           State
	Balance         float64
	BaseSpeed       float64
	BoostSpeed      float64
	ReferralSpeed   float64
	TotalSpeed      float64
	EndsAt          *time.Time
	Remaining       time.Duration
	Countdown       string
	Boost           BoostState
	TotalReferrals  int64
	ActiveReferrals int64
}

func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Snapshot{
		UserID:          c.userID,
		State:           c.state,
		Balance:         c.balance,
		BaseSpeed:       c.baseSpeed,
		BoostSpeed:      c.boostSpeed,
		ReferralSpeed:   c.referralSpeed,
		TotalSpeed:      c.totalSpeedLocked(),
		Boost:           c.boost,
		TotalReferrals:  c.totalReferrals,
		ActiveReferrals: c.activeReferrals,
		Countdown:       FormatCountdown(0),
	}
	if c.state == Mining {
		end := c.deadline
		s.EndsAt = &end
		s.Remaining = max(end.Sub(c.clock.Now()), 0)
		s.Countdown = FormatCountdown(s.Remaining)
	}
	return s
}

func (c *Controller) totalSpeedLocked() float64 {
	return c.baseSpeed + c.boostSpeed + c.referralSpeed
}

func (c *Controller) roundedLocked() float64 {
	return RoundBalance(c.balance, c.settings.BalancePrecision)
}

func (c *Controller) stopLocked(save bool, reason string) {
	ended := c.deadline
	c.haltLoopLocked()
	c.state = Idle
	c.deadline = time.Time{}

	fields := models.Fields{models.ColMiningEndTime: nil}
	if save {
		fields[models.ColBalance] = c.roundedLocked()
	}
	c.writes.Enqueue(Write{UserID: c.userID, Fields: fields, Reason: reason, EndOf: &ended})
}

func (c *Controller) enqueueLocked(fields models.Fields, reason string) {
	c.writes.Enqueue(Write{UserID: c.userID, Fields: fields, Reason: reason})
}

// startLoopLocked starts the one ticker of the session. Ticks from a loop
// that has since been halted are ignored by generation.
func (c *Controller) startLoopLocked() {
	c.haltLoopLocked()

	ticks, stopTicker := c.tickers(c.settings.TickInterval)
	done := make(chan struct{})
	c.generation++
	generation := c.generation

	var once sync.Once
	c.stopLoop = func() {
		once.Do(func() {
			stopTicker()
			close(done)
		})
	}

	go func() {
		for {
			select {
			case <-done:
				return
			case <-ticks:
				c.mu.Lock()
				if c.generation == generation {
					c.tickLocked()
				}
				c.mu.Unlock()
			}
		}
	}()
}

func (c *Controller) haltLoopLocked() {
	if c.stopLoop != nil {
		c.stopLoop()
		c.stopLoop = nil
	}
}
