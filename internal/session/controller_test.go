package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bita-miner/internal/models"
	"bita-miner/internal/store"
	"bita-miner/internal/testutil"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeRecords struct {
	mu         sync.Mutex
	updates    []models.Fields
	claims     int
	updateErr  error
	claimErr   error
	boostSpeed float64
}

func (f *fakeRecords) Update(_ context.Context, _ string, fields models.Fields) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updateErr != nil {
		return f.updateErr
	}
	f.updates = append(f.updates, fields)
	return nil
}

func (f *fakeRecords) ClaimBoost(_ context.Context, _ string, increment float64) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.claims++
	if f.claimErr != nil {
		return 0, f.claimErr
	}
	f.boostSpeed += increment
	return f.boostSpeed, nil
}

type fakeWriter struct {
	mu     sync.Mutex
	writes []Write
}

func (f *fakeWriter) Enqueue(w Write) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, w)
}

func (f *fakeWriter) all() []Write {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Write(nil), f.writes...)
}

type harness struct {
	ctrl    *Controller
	records *fakeRecords
	writes  *fakeWriter
	clock   *testutil.Clock
	tickers *testutil.Tickers
}

func newHarness(t *testing.T, user *models.User) *harness {
	t.Helper()
	h := &harness{
		records: &fakeRecords{},
		writes:  &fakeWriter{},
		clock:   testutil.NewClock(t0),
		tickers: testutil.NewTickers(),
	}
	h.ctrl = NewController(user, Deps{
		Records: h.records,
		Writes:  h.writes,
		Clock:   h.clock,
		Tickers: h.tickers.New,
	}, DefaultSettings())
	t.Cleanup(h.ctrl.Close)
	return h
}

// step advances the clock by one second and ticks.
func (h *harness) step() {
	h.clock.Advance(time.Second)
	h.ctrl.Tick()
}

func newUser() *models.User {
	return models.NewUser("7", "", models.DefaultBaseMiningSpeed, t0)
}

func TestTick_AccruesTotalSpeedPerSecond(t *testing.T) {
	tests := []struct {
		name                  string
		base, boost, referral float64
	}{
		{name: "base only", base: 0.015},
		{name: "boosted", base: 0.015, boost: 0.005},
		{name: "all components", base: 0.015, boost: 0.005, referral: 0.25},
		{name: "zero", base: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			user := newUser()
			user.BaseMiningSpeed = tt.base
			user.BoostSpeed = tt.boost
			user.ReferralSpeed = tt.referral
			h := newHarness(t, user)

			total := tt.base + tt.boost + tt.referral
			assert.Equal(t, total, user.TotalSpeed())
			assert.Equal(t, total, h.ctrl.Snapshot().TotalSpeed)

			require.NoError(t, h.ctrl.Start(context.Background()))
			h.step()

			assert.Equal(t, total/3600, h.ctrl.Snapshot().Balance)
		})
	}
}

func TestStart_PersistsDeadlineFirst(t *testing.T) {
	h := newHarness(t, newUser())

	require.NoError(t, h.ctrl.Start(context.Background()))

	require.Len(t, h.records.updates, 1)
	assert.Equal(t, models.Fields{models.ColMiningEndTime: t0.Add(24 * time.Hour)}, h.records.updates[0])

	snap := h.ctrl.Snapshot()
	assert.Equal(t, Mining, snap.State)
	require.NotNil(t, snap.EndsAt)
	assert.Equal(t, t0.Add(86400000*time.Millisecond), *snap.EndsAt)
	assert.Equal(t, "24:00:00", snap.Countdown)
	assert.Equal(t, 1, h.tickers.Active())
}

func TestStart_TwiceIsNoOp(t *testing.T) {
	h := newHarness(t, newUser())

	require.NoError(t, h.ctrl.Start(context.Background()))
	require.ErrorIs(t, h.ctrl.Start(context.Background()), ErrAlreadyMining)

	assert.Len(t, h.records.updates, 1)
	assert.Equal(t, 1, h.tickers.Created())
	assert.Equal(t, 1, h.tickers.Active())
}

func TestStart_WriteFailureStaysIdle(t *testing.T) {
	h := newHarness(t, newUser())
	h.records.updateErr = errors.New("store unreachable")

	err := h.ctrl.Start(context.Background())
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrAlreadyMining)

	assert.Equal(t, Idle, h.ctrl.Snapshot().State)
	assert.Zero(t, h.tickers.Created())

	h.records.updateErr = nil
	require.NoError(t, h.ctrl.Start(context.Background()), "user may retry")
}

func TestStart_MissingRecord(t *testing.T) {
	h := newHarness(t, newUser())
	h.records.updateErr = store.ErrNotFound

	require.ErrorIs(t, h.ctrl.Start(context.Background()), ErrRecordMissing)
}

func TestStop_WithoutSaveLeavesBalanceUntouched(t *testing.T) {
	h := newHarness(t, newUser())
	require.NoError(t, h.ctrl.Start(context.Background()))
	h.step()

	require.NoError(t, h.ctrl.Stop(false))

	writes := h.writes.all()
	require.Len(t, writes, 1)
	assert.Equal(t, models.Fields{models.ColMiningEndTime: nil}, writes[0].Fields)
	assert.NotContains(t, writes[0].Fields, models.ColBalance)
	require.NotNil(t, writes[0].EndOf)
	assert.True(t, writes[0].EndOf.Equal(t0.Add(24*time.Hour)), "the write ends the session it stops")

	assert.Equal(t, Idle, h.ctrl.Snapshot().State)
	assert.Zero(t, h.tickers.Active())
}

func TestStop_WithSaveWritesRoundedBalance(t *testing.T) {
	user := newUser()
	user.Balance = 12.345678
	h := newHarness(t, user)
	require.NoError(t, h.ctrl.Start(context.Background()))

	require.NoError(t, h.ctrl.Stop(true))

	writes := h.writes.all()
	require.Len(t, writes, 1)
	assert.Equal(t, models.Fields{
		models.ColMiningEndTime: nil,
		models.ColBalance:       12.3457,
	}, writes[0].Fields)
}

func TestStop_WhenIdle(t *testing.T) {
	h := newHarness(t, newUser())
	require.ErrorIs(t, h.ctrl.Stop(true), ErrNotMining)
	assert.Empty(t, h.writes.all())
}

func TestResume_CountsDownToExpiry(t *testing.T) {
	user := newUser()
	end := t0.Add(10 * time.Second)
	user.MiningEndTime = &end
	h := newHarness(t, user)

	h.ctrl.Resume(user.MiningEndTime)

	snap := h.ctrl.Snapshot()
	assert.Equal(t, Mining, snap.State)
	assert.Equal(t, "00:00:10", snap.Countdown)
	assert.Empty(t, h.records.updates, "resume must not write the start")

	want := []string{"00:00:09", "00:00:08", "00:00:07", "00:00:06", "00:00:05",
		"00:00:04", "00:00:03", "00:00:02", "00:00:01"}
	for _, countdown := range want {
		h.step()
		assert.Equal(t, countdown, h.ctrl.Snapshot().Countdown)
		assert.Equal(t, Mining, h.ctrl.Snapshot().State)
	}

	h.step()
	snap = h.ctrl.Snapshot()
	assert.Equal(t, "00:00:00", snap.Countdown)
	assert.Equal(t, Idle, snap.State)
	assert.Zero(t, h.tickers.Active())

	writes := h.writes.all()
	require.Len(t, writes, 1)
	assert.Contains(t, writes[0].Fields, models.ColMiningEndTime)
	assert.Nil(t, writes[0].Fields[models.ColMiningEndTime])
	assert.Contains(t, writes[0].Fields, models.ColBalance)
}

func TestResume_ExpiredSessionReconcilesWithoutBalance(t *testing.T) {
	user := newUser()
	user.Balance = 3
	end := t0.Add(-time.Minute)
	user.MiningEndTime = &end
	h := newHarness(t, user)

	h.ctrl.Resume(user.MiningEndTime)

	assert.Equal(t, Idle, h.ctrl.Snapshot().State)
	assert.Zero(t, h.tickers.Created())
	writes := h.writes.all()
	require.Len(t, writes, 1)
	assert.Equal(t, models.Fields{models.ColMiningEndTime: nil}, writes[0].Fields)
	require.NotNil(t, writes[0].EndOf)
	assert.True(t, writes[0].EndOf.Equal(end))
}

func TestResume_NoSession(t *testing.T) {
	h := newHarness(t, newUser())
	h.ctrl.Resume(nil)

	assert.Equal(t, Idle, h.ctrl.Snapshot().State)
	assert.Empty(t, h.writes.all())
}

func TestTick_FlushesPeriodically(t *testing.T) {
	h := newHarness(t, newUser())
	require.NoError(t, h.ctrl.Start(context.Background()))

	for i := 0; i < 59; i++ {
		h.step()
	}
	assert.Empty(t, h.writes.all())

	h.step()
	var accrued float64
	for i := 0; i < 60; i++ {
		accrued += 0.015 / 3600 * 1.0
	}
	writes := h.writes.all()
	require.Len(t, writes, 1)
	assert.Equal(t, models.Fields{models.ColBalance: RoundBalance(accrued, 4)}, writes[0].Fields)

	for i := 0; i < 60; i++ {
		h.step()
	}
	assert.Len(t, h.writes.all(), 2)
}

func TestTick_IdleDoesNothing(t *testing.T) {
	h := newHarness(t, newUser())
	h.step()
	assert.Zero(t, h.ctrl.Snapshot().Balance)
}

func TestTick_DrivenByTicker(t *testing.T) {
	h := newHarness(t, newUser())
	require.NoError(t, h.ctrl.Start(context.Background()))

	h.clock.Advance(time.Second)
	require.True(t, h.tickers.Fire(h.clock.Now()))

	require.Eventually(t, func() bool {
		return h.ctrl.Snapshot().Balance > 0
	}, time.Second, 5*time.Millisecond)
}

func TestSuspend_KeepsSessionEndTime(t *testing.T) {
	h := newHarness(t, newUser())
	require.NoError(t, h.ctrl.Start(context.Background()))
	h.step()

	h.ctrl.Suspend()

	writes := h.writes.all()
	require.Len(t, writes, 1)
	assert.NotContains(t, writes[0].Fields, models.ColMiningEndTime)
	assert.Contains(t, writes[0].Fields, models.ColBalance)
	assert.Nil(t, writes[0].EndOf)
	assert.Zero(t, h.tickers.Active())
}

func TestBoost_ClaimOnce(t *testing.T) {
	h := newHarness(t, newUser())
	ctx := context.Background()

	require.ErrorIs(t, h.ctrl.ClaimBoost(ctx), ErrBoostNotStarted)
	assert.Zero(t, h.records.claims)

	require.NoError(t, h.ctrl.StartBoostTask())
	assert.Equal(t, BoostStarted, h.ctrl.Snapshot().Boost)

	require.NoError(t, h.ctrl.ClaimBoost(ctx))
	snap := h.ctrl.Snapshot()
	assert.Equal(t, BoostClaimed, snap.Boost)
	assert.InDelta(t, 0.005, snap.BoostSpeed, 1e-12)
	assert.InDelta(t, 0.020, snap.TotalSpeed, 1e-12)

	require.ErrorIs(t, h.ctrl.ClaimBoost(ctx), ErrBoostAlreadyClaimed)
	require.ErrorIs(t, h.ctrl.StartBoostTask(), ErrBoostAlreadyClaimed)
	assert.Equal(t, 1, h.records.claims)
}

func TestBoost_ClaimFailureStaysStarted(t *testing.T) {
	h := newHarness(t, newUser())
	h.records.claimErr = errors.New("store unreachable")
	require.NoError(t, h.ctrl.StartBoostTask())

	require.Error(t, h.ctrl.ClaimBoost(context.Background()))
	assert.Equal(t, BoostStarted, h.ctrl.Snapshot().Boost)
	assert.Zero(t, h.ctrl.Snapshot().BoostSpeed)
}

func TestBoost_ClaimedElsewhere(t *testing.T) {
	h := newHarness(t, newUser())
	h.records.claimErr = store.ErrBoostAlreadyClaimed
	require.NoError(t, h.ctrl.StartBoostTask())

	require.ErrorIs(t, h.ctrl.ClaimBoost(context.Background()), ErrBoostAlreadyClaimed)
	assert.Equal(t, BoostClaimed, h.ctrl.Snapshot().Boost)
}

func TestBoost_LoadedAsClaimed(t *testing.T) {
	user := newUser()
	user.BoostTaskCompleted = true
	user.BoostSpeed = 0.005
	h := newHarness(t, user)

	assert.Equal(t, BoostClaimed, h.ctrl.Snapshot().Boost)
	require.ErrorIs(t, h.ctrl.StartBoostTask(), ErrBoostAlreadyClaimed)
}

func TestRefresh_PicksUpRateOnNextTick(t *testing.T) {
	user := newUser()
	h := newHarness(t, user)
	require.NoError(t, h.ctrl.Start(context.Background()))
	h.step()
	before := h.ctrl.Snapshot().Balance

	updated := *user
	updated.ReferralSpeed = 0.36
	updated.TotalReferrals = 3
	updated.Balance = 999
	h.ctrl.Refresh(&updated)

	h.step()
	snap := h.ctrl.Snapshot()
	assert.Equal(t, int64(3), snap.TotalReferrals)
	assert.InDelta(t, before+(0.015+0.36)/3600, snap.Balance, 1e-15)
	assert.Equal(t, Mining, snap.State)
}
