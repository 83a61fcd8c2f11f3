package runner

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sawpanic/backtestrun/internal/llm"
)

// DecisionEvent is one record in decision_events.jsonl: the outcome of
// running a single candidate through the LLM harness (spec.md §4.6 step 4,
// §6 artifact layout).
type DecisionEvent struct {
	SchemaVersion int       `json:"schema_version"`
	RunID         string    `json:"run_id"`
	CandidateID   string    `json:"candidate_id"`
	Symbol        string    `json:"symbol"`
	Timestamp     time.Time `json:"timestamp"`
	BarTimestamp  time.Time `json:"bar_timestamp"`
	LLMRawResponse string   `json:"llm_raw_response,omitempty"`
	Decision      string    `json:"parsed_decision"`
	SetupQuality  float64   `json:"setup_quality"`
	FallbackUsed  bool      `json:"fallback_used"`
	CircuitState  string    `json:"circuit_state"`
	Retries       int       `json:"retries"`
	LatencyMS     int64     `json:"latency_ms"`
}

func newDecisionEvent(schemaVersion int, runID, candidateID, symbol string, barTS time.Time, r llm.Result) DecisionEvent {
	return DecisionEvent{
		SchemaVersion:  schemaVersion,
		RunID:          runID,
		CandidateID:    candidateID,
		Symbol:         symbol,
		Timestamp:      barTS,
		BarTimestamp:   barTS,
		LLMRawResponse: r.RawResponse,
		Decision:       string(r.ParsedDecision),
		SetupQuality:   r.SetupQuality,
		FallbackUsed:   r.FallbackUsed,
		CircuitState:   r.CircuitState,
		Retries:        r.Retries,
		LatencyMS:      r.LatencyMS,
	}
}

// eventWriter appends DecisionEvents to decision_events.jsonl, one JSON
// object per line, matching the teacher's JSONL artifact convention
// (internal/backtest/smoke90/writer.go) but opened for incremental append
// across the whole run rather than written once at the end.
type eventWriter struct {
	f *os.File
}

func newEventWriter(dir string) (*eventWriter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("runner: create output directory: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(dir, "decision_events.jsonl"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("runner: open decision_events.jsonl: %w", err)
	}
	return &eventWriter{f: f}, nil
}

func (w *eventWriter) Write(ev DecisionEvent) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("runner: marshal decision event: %w", err)
	}
	b = append(b, '\n')
	_, err = w.f.Write(b)
	return err
}

func (w *eventWriter) Close() error {
	return w.f.Close()
}

// writeRunConfigSnapshot writes the config snapshot artifact spec.md §6
// names (run_config.json), once at the start of the run. Overwriting on
// every resume is harmless: the config that produced a usable checkpoint is
// by definition identical (manifest.Checkpoint.Resumable checks the hash).
func writeRunConfigSnapshot(dir string, cfg any) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("runner: create output directory: %w", err)
	}
	b, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("runner: marshal run config: %w", err)
	}
	return os.WriteFile(filepath.Join(dir, "run_config.json"), b, 0o644)
}
