package referral

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bita-miner/internal/database"
	"bita-miner/internal/events"
	"bita-miner/internal/models"
	"bita-miner/internal/store"
)

func newTestProcessor(t *testing.T) (*Processor, *store.Store) {
	t.Helper()
	db, err := database.ConnectSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close(db) })
	st := store.New(db)
	return NewProcessor(st), st
}

func seed(t *testing.T, st *store.Store, id, referredBy string) {
	t.Helper()
	require.NoError(t, st.Create(context.Background(), models.NewUser(id, referredBy, models.DefaultBaseMiningSpeed, time.Now())))
}

func totalReferrals(t *testing.T, st *store.Store, id string) int64 {
	t.Helper()
	u, err := st.Get(context.Background(), id)
	require.NoError(t, err)
	return u.TotalReferrals
}

func TestHandle_CreditsReferrer(t *testing.T) {
	p, st := newTestProcessor(t)
	seed(t, st, "42", "")
	seed(t, st, "7", "42")

	err := p.Handle(context.Background(), events.UserCreated{ID: "ev-1", UserID: "7", ReferredBy: "42"})
	require.NoError(t, err)

	assert.Equal(t, int64(1), totalReferrals(t, st, "42"))
}

func TestHandle_DuplicateDeliveryCountsOnce(t *testing.T) {
	p, st := newTestProcessor(t)
	seed(t, st, "42", "")
	ev := events.UserCreated{ID: "ev-1", UserID: "7", ReferredBy: "42"}

	require.NoError(t, p.Handle(context.Background(), ev))
	require.NoError(t, p.Handle(context.Background(), ev))

	assert.Equal(t, int64(1), totalReferrals(t, st, "42"))
}

func TestHandle_DistinctEventsEachCount(t *testing.T) {
	p, st := newTestProcessor(t)
	seed(t, st, "42", "")

	require.NoError(t, p.Handle(context.Background(), events.UserCreated{ID: "ev-1", UserID: "7", ReferredBy: "42"}))
	require.NoError(t, p.Handle(context.Background(), events.UserCreated{ID: "ev-2", UserID: "8", ReferredBy: "42"}))

	assert.Equal(t, int64(2), totalReferrals(t, st, "42"))
}

func TestHandle_NoOps(t *testing.T) {
	tests := []struct {
		name string
		ev   events.UserCreated
	}{
		{name: "no referrer", ev: events.UserCreated{ID: "ev-1", UserID: "7"}},
		{name: "self referral", ev: events.UserCreated{ID: "ev-2", UserID: "42", ReferredBy: "42"}},
		{name: "unknown referrer", ev: events.UserCreated{ID: "ev-3", UserID: "7", ReferredBy: "404"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, st := newTestProcessor(t)
			seed(t, st, "42", "")

			require.NoError(t, p.Handle(context.Background(), tt.ev))
			assert.Equal(t, int64(0), totalReferrals(t, st, "42"))
		})
	}
}

func TestHandle_UnknownReferrerIsNotMarkedProcessed(t *testing.T) {
	p, st := newTestProcessor(t)
	ev := events.UserCreated{ID: "ev-1", UserID: "7", ReferredBy: "42"}

	require.NoError(t, p.Handle(context.Background(), ev))

	var count int64
	require.NoError(t, st.DB.Model(&models.ProcessedEvent{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestHandle_StoreFailureIsReturned(t *testing.T) {
	p, st := newTestProcessor(t)
	seed(t, st, "42", "")
	require.NoError(t, database.Close(st.DB))

	err := p.Handle(context.Background(), events.UserCreated{ID: "ev-1", UserID: "7", ReferredBy: "42"})
	require.Error(t, err)
}
