package llm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type scriptedBackend struct {
	calls     int
	responses []Response
	errs      []error
}

func (b *scriptedBackend) Call(ctx context.Context, req Request, deadline time.Time) (Response, error) {
	i := b.calls
	b.calls++
	if i < len(b.errs) && b.errs[i] != nil {
		return Response{}, b.errs[i]
	}
	if i < len(b.responses) {
		return b.responses[i], nil
	}
	return b.responses[len(b.responses)-1], nil
}

func newTestHarness(backend LLMBackend) *Harness {
	limiter := NewRateLimiter(0, 10) // unlimited
	breaker := NewBreaker("test", BreakerConfig{FailureThreshold: 5, OpenTimeout: time.Second})
	backoff := BackoffConfig{Initial: time.Millisecond, Max: 10 * time.Millisecond, MaxRetries: 3}
	return NewHarness(backend, limiter, breaker, backoff, 50*time.Millisecond, DecisionSkip)
}

func TestHarnessSuccessfulTake(t *testing.T) {
	backend := &scriptedBackend{responses: []Response{{Text: `{"decision":"take","reason":"clean setup"}`, LatencyMS: 5}}}
	h := newTestHarness(backend)

	result := h.Query(context.Background(), Request{UserPrompt: "x"})
	require.True(t, result.Success)
	require.Equal(t, DecisionTake, result.ParsedDecision)
	require.False(t, result.FallbackUsed)
	require.Equal(t, 0, result.Retries)
}

func TestHarnessRetriesOnTransientThenSucceeds(t *testing.T) {
	backend := &scriptedBackend{
		errs:      []error{&BackendError{Kind: KindTransient, Err: errors.New("timeout")}},
		responses: []Response{{}, {Text: `{"decision":"skip"}`}},
	}
	h := newTestHarness(backend)

	result := h.Query(context.Background(), Request{UserPrompt: "x"})
	require.True(t, result.Success)
	require.Equal(t, DecisionSkip, result.ParsedDecision)
	require.Equal(t, 1, result.Retries)
	require.False(t, result.FallbackUsed)
}

func TestHarnessFallsBackOnPermanentError(t *testing.T) {
	backend := &scriptedBackend{errs: []error{&BackendError{Kind: KindPermanent, Err: errors.New("invalid api key")}}}
	h := newTestHarness(backend)

	result := h.Query(context.Background(), Request{UserPrompt: "x"})
	require.False(t, result.Success)
	require.True(t, result.FallbackUsed)
	require.Equal(t, DecisionSkip, result.ParsedDecision)
}

func TestHarnessFallsBackOnRetryExhaustion(t *testing.T) {
	backend := &scriptedBackend{errs: []error{
		&BackendError{Kind: KindTransient, Err: errors.New("1")},
		&BackendError{Kind: KindTransient, Err: errors.New("2")},
		&BackendError{Kind: KindTransient, Err: errors.New("3")},
		&BackendError{Kind: KindTransient, Err: errors.New("4")},
	}}
	h := newTestHarness(backend)

	result := h.Query(context.Background(), Request{UserPrompt: "x"})
	require.True(t, result.FallbackUsed)
	require.Equal(t, DecisionSkip, result.ParsedDecision)
	require.GreaterOrEqual(t, result.Retries, 3)
}

func TestHarnessOpenCircuitShortCircuits(t *testing.T) {
	backend := &scriptedBackend{errs: []error{
		&BackendError{Kind: KindTransient, Err: errors.New("1")},
		&BackendError{Kind: KindTransient, Err: errors.New("2")},
		&BackendError{Kind: KindTransient, Err: errors.New("3")},
		&BackendError{Kind: KindTransient, Err: errors.New("4")},
		&BackendError{Kind: KindTransient, Err: errors.New("5")},
	}}
	limiter := NewRateLimiter(0, 10)
	breaker := NewBreaker("test", BreakerConfig{FailureThreshold: 1, OpenTimeout: time.Minute})
	backoffCfg := BackoffConfig{Initial: time.Millisecond, Max: 5 * time.Millisecond, MaxRetries: 0}
	h := NewHarness(backend, limiter, breaker, backoffCfg, 50*time.Millisecond, DecisionSkip)

	// First call trips the breaker (MaxRetries=0, single attempt, fails).
	first := h.Query(context.Background(), Request{UserPrompt: "x"})
	require.True(t, first.FallbackUsed)

	second := h.Query(context.Background(), Request{UserPrompt: "x"})
	require.True(t, second.FallbackUsed)
	require.Equal(t, "open", second.CircuitState)
	require.Equal(t, 1, backend.calls)
}
