package llm

import (
	"context"

	"golang.org/x/time/rate"
)

// RateLimiter is a single-provider token-bucket limiter. Unlike the
// teacher's per-host Manager (internal/net/ratelimit), this harness only
// ever talks to one configured backend per run, so a single limiter
// suffices; the token-bucket mechanics are lifted unchanged.
type RateLimiter struct {
	limiter *rate.Limiter
}

// NewRateLimiter builds a limiter from a calls-per-minute budget and burst
// size. callsPerMinute <= 0 disables limiting (unlimited Allow/Wait).
func NewRateLimiter(callsPerMinute float64, burst int) *RateLimiter {
	if callsPerMinute <= 0 {
		return &RateLimiter{limiter: rate.NewLimiter(rate.Inf, burst)}
	}
	return &RateLimiter{limiter: rate.NewLimiter(rate.Limit(callsPerMinute/60.0), burst)}
}

// Wait blocks until a token is available or ctx is cancelled.
func (r *RateLimiter) Wait(ctx context.Context) error {
	return r.limiter.Wait(ctx)
}
