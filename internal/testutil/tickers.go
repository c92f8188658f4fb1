package testutil

import (
	"sync"
	"time"
)

// Tickers hands out tickers that only fire when the test says so.
// Its New method matches the ticker factory signature used by the session
// controller.
type Tickers struct {
	mu      sync.Mutex
	created int
	active  map[int]chan time.Time
	last    int
}

func NewTickers() *Tickers {
	return &Tickers{active: make(map[int]chan time.Time)}
}

// New returns the tick channel and its stop function.
func (f *Tickers) New(time.Duration) (<-chan time.Time, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.created++
	id := f.created
	ch := make(chan time.Time, 1)
	f.active[id] = ch
	f.last = id

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			f.mu.Lock()
			defer f.mu.Unlock()
			delete(f.active, id)
		})
	}
}

// Created counts every ticker ever handed out.
func (f *Tickers) Created() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.created
}

// Active counts tickers that have not been stopped.
func (f *Tickers) Active() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.active)
}

// Fire delivers one tick on the most recent ticker if it is still running.
// It reports whether the tick was delivered.
func (f *Tickers) Fire(at time.Time) bool {
	f.mu.Lock()
	ch, ok := f.active[f.last]
	f.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case ch <- at:
		return true
	default:
		return false
	}
}
