package llm

import (
	"math"
	"math/rand"
	"time"
)

// BackoffConfig parameterizes exponential retry backoff, grounded on the
// teacher's internal/config/providers.go BackoffConfig{Base, Max, Jitter}
// shape (there: raw milliseconds and a bool; here: durations, since this
// harness always jitters).
type BackoffConfig struct {
	Initial    time.Duration
	Max        time.Duration
	MaxRetries int
}

func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{Initial: 500 * time.Millisecond, Max: 30 * time.Second, MaxRetries: 3}
}

// Delay returns the jittered backoff before retry attempt k (0-indexed,
// k=0 is the delay before the first retry), scaled as initial*2^k and
// capped at Max, then jittered into [0.75, 1.25] of that value.
func (c BackoffConfig) Delay(k int, rng *rand.Rand) time.Duration {
	scaled := float64(c.Initial) * math.Pow(2, float64(k))
	if capped := float64(c.Max); scaled > capped {
		scaled = capped
	}
	jitter := 0.75 + 0.5*rng.Float64()
	return time.Duration(scaled * jitter)
}

// Deadline is the overall per-call budget spec.md §4.3 names:
// initial_delay * (2^max_retries - 1) * 1.25 + per_attempt_timeout.
func (c BackoffConfig) Deadline(perAttemptTimeout time.Duration) time.Duration {
	total := float64(c.Initial) * (math.Pow(2, float64(c.MaxRetries)) - 1) * 1.25
	return time.Duration(total) + perAttemptTimeout
}
