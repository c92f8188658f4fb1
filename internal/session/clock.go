package session

import "time"

type Clock interface {
	Now() time.Time
}

// TickerFactory starts a ticker and returns its channel and stop function.
type TickerFactory func(d time.Duration) (<-chan time.Time, func())

type systemClock struct{}

func (systemClock) Now() time.Time {
	return time.Now().UTC()
}

var SystemClock Clock = systemClock{}

func SystemTickers(d time.Duration) (<-chan time.Time, func()) {
	t := time.NewTicker(d)
	return t.C, t.Stop
}
