// Package playbook implements deterministic, stateless opportunity
// detectors. A playbook answers "what is an opportunity", never "whether to
// take it" — that question belongs to the LLM harness.
package playbook

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/sawpanic/backtestrun/internal/bar"
	"github.com/sawpanic/backtestrun/internal/features"
)

// Direction is long or short.
type Direction string

const (
	Long  Direction = "long"
	Short Direction = "short"
)

// ExitSpec is the compound exit specification attached to a candidate.
type ExitSpec struct {
	StopLossPrice           float64
	TakeProfitPrice         float64
	TimeStopBars            int
	TrailingEnabled         bool
	TrailingActivationPrice float64
	TrailingDistanceATR     float64
}

// Validate enforces the invariants from spec.md §3: for longs,
// stop < entry < target; for shorts, reversed; trailing distance must be
// positive when trailing is enabled.
func (e ExitSpec) Validate(direction Direction, entryPrice float64) error {
	switch direction {
	case Long:
		if !(e.StopLossPrice < entryPrice && entryPrice < e.TakeProfitPrice) {
			return fmt.Errorf("exit spec invariant violated for long: stop=%.4f entry=%.4f target=%.4f",
				e.StopLossPrice, entryPrice, e.TakeProfitPrice)
		}
	case Short:
		if !(e.StopLossPrice > entryPrice && entryPrice > e.TakeProfitPrice) {
			return fmt.Errorf("exit spec invariant violated for short: stop=%.4f entry=%.4f target=%.4f",
				e.StopLossPrice, entryPrice, e.TakeProfitPrice)
		}
	default:
		return fmt.Errorf("unknown direction %q", direction)
	}
	if e.TrailingEnabled && e.TrailingDistanceATR <= 0 {
		return fmt.Errorf("trailing_distance_atr must be > 0 when trailing is enabled, got %.4f", e.TrailingDistanceATR)
	}
	return nil
}

// Candidate is a potential trade produced deterministically by a playbook on
// a bar, awaiting the LLM's take/skip decision. Immutable after creation
// except for Taken and PositionID, which are set once by the runner.
type Candidate struct {
	ID               string
	RunID            string
	Symbol           string
	BarTimestamp     time.Time
	Playbook         string
	Direction        Direction
	ProposedEntry    float64
	Exit             ExitSpec
	FeatureFingerprint string
	Taken            bool
	PositionID       string
}

// NewCandidate mints a new candidate with a fresh id.
func NewCandidate(runID, playbookName string, b bar.Bar, direction Direction, entry float64, exit ExitSpec, fingerprint string) Candidate {
	return Candidate{
		ID:                 uuid.NewString(),
		RunID:              runID,
		Symbol:             b.Symbol,
		BarTimestamp:       b.Timestamp,
		Playbook:           playbookName,
		Direction:          direction,
		ProposedEntry:      entry,
		Exit:               exit,
		FeatureFingerprint: fingerprint,
	}
}

// Playbook is a stateless opportunity detector.
type Playbook interface {
	Name() string
	Evaluate(snap *features.FeatureSnapshot, runID string) (*Candidate, error)
}
