package events

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testStream = "users:created"
	testGroup  = "referral-processor"
)

func newTestRedisBus(t *testing.T, claimIdle time.Duration) (*RedisBus, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	bus, err := NewRedisBus(context.Background(), rdb, testStream, testGroup, "test-consumer", claimIdle)
	require.NoError(t, err)
	bus.block = 20 * time.Millisecond
	return bus, rdb
}

func pendingCount(rdb *redis.Client) int64 {
	p, err := rdb.XPending(context.Background(), testStream, testGroup).Result()
	if err != nil {
		return -1
	}
	return p.Count
}

func TestRedisBus_GroupCreationIsIdempotent(t *testing.T) {
	_, rdb := newTestRedisBus(t, time.Minute)

	_, err := NewRedisBus(context.Background(), rdb, testStream, testGroup, "other", time.Minute)
	require.NoError(t, err)
}

func TestRedisBus_DeliversAndAcks(t *testing.T) {
	bus, rdb := newTestRedisBus(t, time.Minute)
	rec := newRecorder()
	subscribe(t, bus, rec.handle)

	ev := UserCreated{ID: "e1", UserID: "7", ReferredBy: "42", CreatedAt: time.Now().UTC()}
	require.NoError(t, bus.Publish(context.Background(), ev))

	require.Eventually(t, func() bool { return len(rec.ids()) == 1 }, 2*time.Second, 10*time.Millisecond)
	rec.mu.Lock()
	assert.Equal(t, "42", rec.seen[0].ReferredBy)
	rec.mu.Unlock()

	require.Eventually(t, func() bool { return pendingCount(rdb) == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestRedisBus_ReclaimsFailedEntry(t *testing.T) {
	bus, rdb := newTestRedisBus(t, time.Millisecond)
	rec := newRecorder()
	rec.failOn["e1"] = 1
	subscribe(t, bus, rec.handle)

	require.NoError(t, bus.Publish(context.Background(), UserCreated{ID: "e1", UserID: "7"}))

	require.Eventually(t, func() bool { return len(rec.ids()) >= 2 }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return pendingCount(rdb) == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestRedisBus_ReclaimWalksPastStuckEntries(t *testing.T) {
	bus, rdb := newTestRedisBus(t, time.Millisecond)
	rec := newRecorder()

	var ids []string
	for i := 1; i <= streamBatch+4; i++ {
		id := fmt.Sprintf("e%02d", i)
		ids = append(ids, id)
		if i <= streamBatch {
			rec.failOn[id] = 1 << 30
		} else {
			rec.failOn[id] = 1
		}
	}
	for _, id := range ids {
		require.NoError(t, bus.Publish(context.Background(), UserCreated{ID: id, UserID: "7"}))
	}
	subscribe(t, bus, rec.handle)

	tail := ids[streamBatch:]
	require.Eventually(t, func() bool {
		seen := make(map[string]int)
		for _, id := range rec.ids() {
			seen[id]++
		}
		for _, id := range tail {
			if seen[id] < 2 {
				return false
			}
		}
		return true
	}, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return pendingCount(rdb) == int64(streamBatch) }, 2*time.Second, 10*time.Millisecond)
}

func TestRedisBus_AcksUndecodableEntry(t *testing.T) {
	bus, rdb := newTestRedisBus(t, time.Minute)
	rec := newRecorder()
	subscribe(t, bus, rec.handle)

	require.NoError(t, rdb.XAdd(context.Background(), &redis.XAddArgs{
		Stream: testStream,
		Values: map[string]any{"payload": "not json"},
	}).Err())

	require.Eventually(t, func() bool {
		n, err := rdb.XLen(context.Background(), testStream).Result()
		return err == nil && n == 1 && pendingCount(rdb) == 0
	}, 2*time.Second, 10*time.Millisecond)
	assert.Empty(t, rec.ids())
}
