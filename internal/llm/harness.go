package llm

import (
	"context"
	"errors"
	"math/rand"
	"time"

	cb "github.com/sony/gobreaker"
)

// Clock supplies wall-clock time to the harness, injectable so LatencyMS is
// deterministically testable (same shape as internal/runner's Clock/
// RealClock/SetClock: a plain Now() time.Time interface, no import needed
// the other direction for the two to interoperate).
type Clock interface {
	Now() time.Time
}

// RealClock implements Clock using the system clock.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

// Harness is the sole entry point the runner talks to: query(prompt) ->
// LLMResult, synchronous from the caller's perspective, internally
// rate-limited, retried, and circuit-broken (spec.md §4.3).
type Harness struct {
	backend           LLMBackend
	limiter           *RateLimiter
	breaker           *Breaker
	backoff           BackoffConfig
	perAttemptTimeout time.Duration
	fallback          Decision
	clock             Clock
}

func NewHarness(backend LLMBackend, limiter *RateLimiter, breaker *Breaker, backoff BackoffConfig, perAttemptTimeout time.Duration, fallback Decision) *Harness {
	return &Harness{
		backend:           backend,
		limiter:           limiter,
		breaker:           breaker,
		backoff:           backoff,
		perAttemptTimeout: perAttemptTimeout,
		fallback:          fallback,
		clock:             RealClock{},
	}
}

// SetClock overrides the harness's clock. The runner propagates its own
// injected Clock here (internal/runner.Runner.SetClock) so that a fixed
// test clock makes LatencyMS deterministic across reruns — otherwise
// wall-clock latency would break the §8 determinism property that
// decision_events.jsonl is byte-identical for identical config/bars/mock-LLM
// reruns. A real run keeps RealClock and gets real wall-clock latencies.
func (h *Harness) SetClock(clock Clock) {
	h.clock = clock
}

// Query issues a single logical decision request. It always returns a
// Result, never an error: on exhaustion or a tripped circuit, Result
// carries the configured fallback decision per spec.md §4.3.
func (h *Harness) Query(ctx context.Context, req Request) Result {
	start := h.clock.Now()
	deadline := start.Add(h.backoff.Deadline(h.perAttemptTimeout))
	rng := rand.New(rand.NewSource(start.UnixNano()))

	var lastErr error
	retries := 0

	for {
		if err := h.limiter.Wait(ctx); err != nil {
			return h.result(false, "", lastErr, start, retries, true)
		}

		callCtx, cancel := context.WithDeadline(ctx, deadline)
		v, err := h.breaker.Execute(func() (any, error) {
			resp, cerr := h.backend.Call(callCtx, req, deadline)
			if cerr != nil {
				return Response{}, cerr
			}
			return resp, nil
		})
		cancel()

		if err != nil {
			lastErr = err
			if errors.Is(err, cb.ErrOpenState) || errors.Is(err, cb.ErrTooManyRequests) {
				// Circuit is open or the single half-open probe slot is taken;
				// don't burn retries waiting on a backend we know is down.
				return h.result(false, "", err, start, retries, true)
			}
			if isPermanent(err) {
				// Permanent errors skip the retry/backoff ladder entirely;
				// the breaker's own consecutive-failure counting is what
				// actually trips it open on repeated permanent failures.
				return h.result(false, "", err, start, retries, true)
			}
			retries++
			if retries > h.backoff.MaxRetries || h.clock.Now().After(deadline) {
				return h.result(false, "", err, start, retries, true)
			}
			sleepOrDone(ctx, h.backoff.Delay(retries-1, rng))
			continue
		}

		resp := v.(Response)
		parsed, perr := ParseDecision(resp.Text)
		if perr != nil {
			lastErr = perr
			retries++
			if retries > h.backoff.MaxRetries || h.clock.Now().After(deadline) {
				return h.result(false, resp.Text, perr, start, retries, true)
			}
			sleepOrDone(ctx, h.backoff.Delay(retries-1, rng))
			continue
		}

		r := h.result(true, resp.Text, nil, start, retries, false)
		r.ParsedDecision = parsed.Decision
		r.SetupQuality = parsed.SetupQuality
		return r
	}
}

func (h *Harness) result(success bool, raw string, err error, start time.Time, retries int, fallback bool) Result {
	r := Result{
		Success:      success,
		RawResponse:  raw,
		Err:          err,
		LatencyMS:    h.clock.Now().Sub(start).Milliseconds(),
		Retries:      retries,
		FallbackUsed: fallback,
		CircuitState: h.breaker.State(),
	}
	if fallback {
		r.ParsedDecision = h.fallback
	}
	return r
}

func isPermanent(err error) bool {
	var be *BackendError
	if errors.As(err, &be) {
		return be.Kind == KindPermanent
	}
	return false
}

func sleepOrDone(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
