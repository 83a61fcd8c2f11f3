// Package metrics exposes the run's mandatory heartbeat surface (spec.md
// §4.6: "emit a heartbeat per N bars — bars processed, candidates
// generated, LLM calls, successes, failures, circuit state. This is the
// only mandatory logging surface of the core.") as Prometheus counters
// and gauges, following the teacher's MetricsRegistry convention.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry holds every metric the runner updates over the life of a run.
type Registry struct {
	BarsProcessed      prometheus.Counter
	CandidatesGenerated *prometheus.CounterVec
	LLMCalls           prometheus.Counter
	LLMSuccesses       prometheus.Counter
	LLMFailures        prometheus.Counter
	LLMFallbacks       prometheus.Counter
	PositionsOpened    prometheus.Counter
	PositionsClosed    *prometheus.CounterVec
	CircuitState       *prometheus.GaugeVec
	OpenPositions      prometheus.Gauge
}

// NewRegistry builds a fresh set of metrics and registers them against reg.
// Pass prometheus.NewRegistry() in tests to avoid collisions with the
// default global registry across repeated runs in the same process.
func NewRegistry(reg prometheus.Registerer) *Registry {
	m := &Registry{
		BarsProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "backtestrun_bars_processed_total",
			Help: "Total number of bars processed by the runner loop.",
		}),
		CandidatesGenerated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "backtestrun_candidates_generated_total",
			Help: "Total candidates generated, by playbook.",
		}, []string{"playbook"}),
		LLMCalls: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "backtestrun_llm_calls_total",
			Help: "Total LLM harness calls issued.",
		}),
		LLMSuccesses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "backtestrun_llm_successes_total",
			Help: "Total LLM calls that returned a parsed decision.",
		}),
		LLMFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "backtestrun_llm_failures_total",
			Help: "Total LLM calls that exhausted retries or hit a permanent error.",
		}),
		LLMFallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "backtestrun_llm_fallbacks_total",
			Help: "Total LLM calls resolved via the configured fallback decision.",
		}),
		PositionsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "backtestrun_positions_opened_total",
			Help: "Total positions opened.",
		}),
		PositionsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "backtestrun_positions_closed_total",
			Help: "Total positions closed, by exit reason.",
		}, []string{"reason"}),
		CircuitState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "backtestrun_llm_circuit_state",
			Help: "LLM circuit breaker state (1 for the active state, 0 otherwise), by state name.",
		}, []string{"state"}),
		OpenPositions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "backtestrun_open_positions",
			Help: "Current number of open positions.",
		}),
	}

	reg.MustRegister(
		m.BarsProcessed,
		m.CandidatesGenerated,
		m.LLMCalls,
		m.LLMSuccesses,
		m.LLMFailures,
		m.LLMFallbacks,
		m.PositionsOpened,
		m.PositionsClosed,
		m.CircuitState,
		m.OpenPositions,
	)
	return m
}

// SetCircuitState zeroes every known state gauge and sets the active one
// to 1, so a Prometheus query for the current state is a simple
// max-by-label rather than needing to track transitions.
func (m *Registry) SetCircuitState(active string) {
	for _, s := range []string{"closed", "open", "half-open"} {
		v := 0.0
		if s == active {
			v = 1.0
		}
		m.CircuitState.WithLabelValues(s).Set(v)
	}
}

// Heartbeat is the point-in-time snapshot the runner logs every N bars,
// mirroring the fields this package's counters track so a log line and a
// /metrics scrape never disagree.
type Heartbeat struct {
	BarsProcessed      int
	CandidatesGenerated int
	LLMCalls           int
	LLMSuccesses       int
	LLMFailures        int
	CircuitState       string
}
