package testutil

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClock_AdvanceAndSet(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := NewClock(start)
	assert.Equal(t, start, clock.Now())

	assert.Equal(t, start.Add(time.Second), clock.Advance(time.Second))
	assert.Equal(t, start.Add(time.Second), clock.Now())

	clock.Set(start)
	assert.Equal(t, start, clock.Now())
}

func TestClock_ConcurrentAdvance(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := NewClock(start)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			clock.Advance(time.Millisecond)
		}()
	}
	wg.Wait()

	require.Equal(t, start.Add(100*time.Millisecond), clock.Now())
}

func TestTickers_CountsAndStops(t *testing.T) {
	tickers := NewTickers()

	ch, stop := tickers.New(time.Second)
	assert.Equal(t, 1, tickers.Created())
	assert.Equal(t, 1, tickers.Active())

	require.True(t, tickers.Fire(time.Unix(1, 0)))
	assert.Equal(t, time.Unix(1, 0), <-ch)

	stop()
	stop()
	assert.Equal(t, 0, tickers.Active())
	assert.False(t, tickers.Fire(time.Unix(2, 0)))
	assert.Equal(t, 1, tickers.Created())
}
