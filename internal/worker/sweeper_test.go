package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bita-miner/internal/database"
	"bita-miner/internal/lease"
	"bita-miner/internal/models"
	"bita-miner/internal/store"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type sent struct {
	userID string
	text   string
}

type fakeNotifier struct {
	mu     sync.Mutex
	sent   []sent
	failOn map[string]bool
}

func (n *fakeNotifier) Notify(_ context.Context, userID, text string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.failOn[userID] {
		return errors.New("telegram unavailable")
	}
	n.sent = append(n.sent, sent{userID: userID, text: text})
	return nil
}

func (n *fakeNotifier) to(userID string) []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	var texts []string
	for _, s := range n.sent {
		if s.userID == userID {
			texts = append(texts, s.text)
		}
	}
	return texts
}

type liveSet map[string]bool

func (l liveSet) IsLive(userID string) bool { return l[userID] }

type sweeperHarness struct {
	sweeper  *Sweeper
	store    *store.Store
	rdb      *redis.Client
	notifier *fakeNotifier
	live     liveSet
}

func newSweeperHarness(t *testing.T) *sweeperHarness {
	t.Helper()
	db, err := database.ConnectSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close(db) })

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	h := &sweeperHarness{
		store:    store.New(db),
		rdb:      rdb,
		notifier: &fakeNotifier{failOn: map[string]bool{}},
		live:     liveSet{},
	}
	h.sweeper = NewSweeper(h.store, h.live, lease.NewRedis(rdb, "instance-b", time.Minute), h.notifier, rdb, time.Hour)
	h.sweeper.now = func() time.Time { return t0 }
	return h
}

func (h *sweeperHarness) seed(t *testing.T, id string, end time.Time, balance float64) {
	t.Helper()
	user := models.NewUser(id, "", models.DefaultBaseMiningSpeed, t0.Add(-48*time.Hour))
	user.MiningEndTime = &end
	user.Balance = balance
	require.NoError(t, h.store.Create(context.Background(), user))
}

func TestSweep_RemindsOncePerSession(t *testing.T) {
	h := newSweeperHarness(t)
	ctx := context.Background()
	h.seed(t, "7", t0.Add(30*time.Minute), 0)
	h.seed(t, "8", t0.Add(3*time.Hour), 0)

	require.NoError(t, h.sweeper.Sweep(ctx))
	require.NoError(t, h.sweeper.Sweep(ctx))

	assert.Equal(t, []string{reminderText}, h.notifier.to("7"))
	assert.Empty(t, h.notifier.to("8"))
}

func TestSweep_RetriesFailedReminder(t *testing.T) {
	h := newSweeperHarness(t)
	ctx := context.Background()
	h.seed(t, "7", t0.Add(30*time.Minute), 0)

	h.notifier.failOn["7"] = true
	require.NoError(t, h.sweeper.Sweep(ctx))
	assert.Empty(t, h.notifier.to("7"))

	h.notifier.failOn["7"] = false
	require.NoError(t, h.sweeper.Sweep(ctx))
	assert.Equal(t, []string{reminderText}, h.notifier.to("7"))
}

func TestSweep_ClosesUnownedExpiredSessions(t *testing.T) {
	h := newSweeperHarness(t)
	ctx := context.Background()
	h.seed(t, "7", t0.Add(-time.Minute), 1.5)
	h.seed(t, "8", t0.Add(-time.Minute), 0)
	h.seed(t, "9", t0.Add(-time.Minute), 0)

	h.live["8"] = true
	require.NoError(t, lease.NewRedis(h.rdb, "instance-a", time.Minute).Acquire(ctx, "9"))

	require.NoError(t, h.sweeper.Sweep(ctx))

	stale, err := h.store.Get(ctx, "7")
	require.NoError(t, err)
	assert.Nil(t, stale.MiningEndTime)
	assert.Equal(t, 1.5, stale.Balance, "closing a stale session must not touch the balance")
	assert.Equal(t, []string{finishedText}, h.notifier.to("7"))

	for _, id := range []string{"8", "9"} {
		owned, err := h.store.Get(ctx, id)
		require.NoError(t, err)
		assert.NotNil(t, owned.MiningEndTime, id)
		assert.Empty(t, h.notifier.to(id), id)
	}

	require.NoError(t, h.sweeper.Sweep(ctx))
	assert.Len(t, h.notifier.to("7"), 1)
}

func TestSweep_ReminderDisabled(t *testing.T) {
	h := newSweeperHarness(t)
	h.sweeper.remindBefore = 0
	h.seed(t, "7", t0.Add(30*time.Minute), 0)

	require.NoError(t, h.sweeper.Sweep(context.Background()))
	assert.Empty(t, h.notifier.to("7"))
}
