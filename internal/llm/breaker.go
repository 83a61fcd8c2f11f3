package llm

import (
	"time"

	cb "github.com/sony/gobreaker"
)

// BreakerConfig mirrors the teacher's CircuitConfig shape
// (internal/config/providers.go); the half-open probe count is not
// configurable here, since NewBreaker fixes MaxRequests to 1.
type BreakerConfig struct {
	FailureThreshold int           // consecutive failures to open
	OpenTimeout      time.Duration // how long the circuit stays open before probing
}

// Breaker wraps sony/gobreaker the way infra/breakers/breakers.go does,
// generalized from a single fixed threshold to a configured one and with
// MaxRequests pinned to 1 so half-open allows exactly one probe call.
type Breaker struct {
	cb *cb.CircuitBreaker
}

func NewBreaker(name string, cfg BreakerConfig) *Breaker {
	st := cb.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts cb.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(cfg.FailureThreshold)
		},
	}
	return &Breaker{cb: cb.NewCircuitBreaker(st)}
}

func (b *Breaker) Execute(fn func() (any, error)) (any, error) {
	return b.cb.Execute(fn)
}

// State returns the current circuit state as spec.md §4.3's
// decision-event string: "closed", "open", or "half-open".
func (b *Breaker) State() string {
	switch b.cb.State() {
	case cb.StateOpen:
		return "open"
	case cb.StateHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}
