package capture

import "time"

// Ticker is a cancellable source of periodic ticks.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// NewTickerFunc creates tickers. Tests replace it to drive the duration timer
// manually.
type NewTickerFunc func(d time.Duration) Ticker

type timeTicker struct {
	t *time.Ticker
}

func (tt timeTicker) C() <-chan time.Time { return tt.t.C }
func (tt timeTicker) Stop()               { tt.t.Stop() }

func newTimeTicker(d time.Duration) Ticker {
	return timeTicker{t: time.NewTicker(d)}
}
