// Package bar defines the OHLCV bar type and the external data-source
// interface the runner consumes. Historical data ingestion itself lives
// outside this module; OHLCVSource is implemented by the caller.
package bar

import (
	"context"
	"time"
)

// Bar is a single OHLCV interval for one symbol.
type Bar struct {
	Symbol    string
	Timestamp time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
}

// Timeframe is a bar interval such as "15m" or "1h".
type Timeframe string

// OHLCVSource delivers bars for a symbol in strictly increasing timestamp
// order. Caching, rate limiting, and synthesis of missing bars are the
// source's responsibility; the runner assumes every delivered bar is valid.
type OHLCVSource interface {
	IterBars(ctx context.Context, symbol string, start, end time.Time, tf Timeframe) (<-chan Bar, <-chan error)
}

// SliceSource is a deterministic, in-memory OHLCVSource backed by a
// pre-built slice of bars. It exists for tests and for offline replay of
// data already materialized by an external ingestion pipeline.
type SliceSource struct {
	bars map[string][]Bar
}

// NewSliceSource builds a SliceSource from bars keyed by symbol. Bars for
// each symbol must already be sorted by timestamp; NewSliceSource does not
// re-sort them, mirroring the contract placed on real sources.
func NewSliceSource(bars map[string][]Bar) *SliceSource {
	return &SliceSource{bars: bars}
}

func (s *SliceSource) IterBars(ctx context.Context, symbol string, start, end time.Time, tf Timeframe) (<-chan Bar, <-chan error) {
	out := make(chan Bar)
	errc := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errc)

		var prev time.Time
		for _, b := range s.bars[symbol] {
			if b.Timestamp.Before(start) || b.Timestamp.After(end) {
				continue
			}
			if !prev.IsZero() && !b.Timestamp.After(prev) {
				errc <- &OrderError{Symbol: symbol, Timestamp: b.Timestamp, Previous: prev}
				return
			}
			prev = b.Timestamp

			select {
			case out <- b:
			case <-ctx.Done():
				errc <- ctx.Err()
				return
			}
		}
	}()

	return out, errc
}

// OrderError signals a violation of event-time monotonicity (spec invariant:
// bar timestamps strictly increase per symbol).
type OrderError struct {
	Symbol    string
	Timestamp time.Time
	Previous  time.Time
}

func (e *OrderError) Error() string {
	return "bar: " + e.Symbol + " timestamp " + e.Timestamp.String() + " does not strictly increase after " + e.Previous.String()
}
