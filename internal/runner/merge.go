package runner

import (
	"context"
	"time"

	"github.com/sawpanic/backtestrun/internal/bar"
)

// mergeBars fans in one OHLCVSource.IterBars stream per symbol into a
// single channel in non-decreasing timestamp order, so the single-threaded
// bar loop (spec.md §5: "strictly single-threaded and event-time
// sequential") sees one canonical bar sequence even when the run spans
// multiple symbols. Grounded on the same fan-in-goroutine shape
// internal/storage's Query/GetAll channel iterators use, generalized from
// one source to N.
func mergeBars(ctx context.Context, source bar.OHLCVSource, symbols []string, start, end time.Time, tf bar.Timeframe) (<-chan bar.Bar, <-chan error) {
	out := make(chan bar.Bar)
	errc := make(chan error, 1)

	type stream struct {
		symbol string
		ch     <-chan bar.Bar
		errc   <-chan error
		next   *bar.Bar
		done   bool
	}

	go func() {
		defer close(out)
		defer close(errc)

		streams := make([]*stream, 0, len(symbols))
		for _, sym := range symbols {
			ch, ec := source.IterBars(ctx, sym, start, end, tf)
			streams = append(streams, &stream{symbol: sym, ch: ch, errc: ec})
		}

		refill := func(s *stream) bool {
			select {
			case b, ok := <-s.ch:
				if !ok {
					if err := <-s.errc; err != nil {
						errc <- err
						return false
					}
					s.done = true
					s.next = nil
					return true
				}
				s.next = &b
				return true
			case <-ctx.Done():
				errc <- ctx.Err()
				return false
			}
		}

		for _, s := range streams {
			if !refill(s) {
				return
			}
		}

		for {
			var earliest *stream
			for _, s := range streams {
				if s.done || s.next == nil {
					continue
				}
				if earliest == nil || s.next.Timestamp.Before(earliest.next.Timestamp) {
					earliest = s
				}
			}
			if earliest == nil {
				return
			}

			select {
			case out <- *earliest.next:
			case <-ctx.Done():
				errc <- ctx.Err()
				return
			}
			if !refill(earliest) {
				return
			}
		}
	}()

	return out, errc
}
