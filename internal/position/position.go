// Package position implements the mutable position lifecycle: opening a
// candidate into a live position, advancing it one bar at a time through
// the exit engine, and computing realized PnL/R-multiple on closure.
package position

import (
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/sawpanic/backtestrun/internal/bar"
	"github.com/sawpanic/backtestrun/internal/exits"
	"github.com/sawpanic/backtestrun/internal/playbook"
)

// FeeModel is the maker/taker basis-point schedule and static-spread
// slippage model spec.md §4.4 names. Entry fills and stop-loss/trailing-
// stop/time-stop exits cross the book at the prevailing price (taker); a
// take-profit exit is modeled as a resting limit order the market trades
// into (maker) — the one fill kind in this engine's lifecycle that isn't a
// reaction to an adverse price move.
type FeeModel struct {
	MakerFeeBps    float64
	TakerFeeBps    float64
	SlippageBps    float64        // applied at half this rate against notional, worse for the trader
	RMultipleBasis RMultipleBasis // pre-fee (default) or post-fee; spec.md §9 open question
}

// RMultipleBasis selects whether realized R-multiple (spec.md §9's open
// question) is computed from raw price movement against the stop distance
// (PreFee — "the risk unit is defined by the stop distance, independent of
// execution costs", the spec's named reference answer) or from realized
// PnL after fees and slippage, normalized by the same stop distance in
// quote currency (PostFee). The zero value is PreFee, so configs that don't
// set this keep the reference behavior.
type RMultipleBasis int

const (
	PreFee RMultipleBasis = iota
	PostFee
)

// ApplyEntrySlippage worsens a long entry fill upward, a short entry fill
// downward (buying higher / selling lower than the quoted price).
func (f FeeModel) ApplyEntrySlippage(direction playbook.Direction, price float64) float64 {
	adj := price * (f.SlippageBps / 2 / 10000)
	if direction == playbook.Long {
		return price + adj
	}
	return price - adj
}

// ApplyExitSlippage worsens a long exit fill downward, a short exit fill
// upward.
func (f FeeModel) ApplyExitSlippage(direction playbook.Direction, price float64) float64 {
	adj := price * (f.SlippageBps / 2 / 10000)
	if direction == playbook.Long {
		return price - adj
	}
	return price + adj
}

// Fee returns the basis-point fee on a given notional: the maker rate for
// a resting fill (maker=true), the taker rate otherwise.
func (f FeeModel) Fee(notional float64, maker bool) float64 {
	bps := f.TakerFeeBps
	if maker {
		bps = f.MakerFeeBps
	}
	return notional * (bps / 10000)
}

// ExitState is the mutable per-bar trailing-stop bookkeeping the ledger
// persists as exit_state_delta (spec.md §4.4 / §4.5).
type ExitState = exits.TrailingState

// Position is the live, mutable record the Position/Exit Engine owns
// exclusively while open; closed positions become append-only ledger rows.
type Position struct {
	ID              string
	CandidateID     string
	RunID           string
	Symbol          string
	Direction       playbook.Direction
	EntryBarIndex   int
	EntryTimestamp  time.Time
	EntryPrice      float64 // after fees/slippage
	SizeUnits       float64
	SizeQuote       float64
	EntryFees       float64
	ATRAtEntry      float64
	ExitSpec        playbook.ExitSpec
	State           ExitState
	Open            bool

	ExitBarIndex int
	ExitPrice    float64
	ExitReason   exits.Reason
	ExitFees     float64
	RealizedPnL  float64
	RealizedR    float64
	ExitTimestamp time.Time
}

// ClosureEvent is returned from Manager.Update for each position that
// closed on this bar.
type ClosureEvent struct {
	Position Position
}

// Manager owns every open position for the duration of a run; it is the
// sole writer of position state (spec.md §4.6's single-writer-per-store
// rule extended to in-memory position state).
type Manager struct {
	fees FeeModel
	open map[string]*Position
}

func NewManager(fees FeeModel) *Manager {
	return &Manager{fees: fees, open: make(map[string]*Position)}
}

// Open initializes a position from an accepted candidate's exit spec,
// applying entry fees and slippage to the fill price.
func (m *Manager) Open(candidate playbook.Candidate, barIndex int, fillPrice, atrAtEntry, sizeUnits float64) *Position {
	entry := m.fees.ApplyEntrySlippage(candidate.Direction, fillPrice)
	notional := entry * sizeUnits
	pos := &Position{
		ID:             uuid.NewString(),
		CandidateID:    candidate.ID,
		RunID:          candidate.RunID,
		Symbol:         candidate.Symbol,
		Direction:      candidate.Direction,
		EntryBarIndex:  barIndex,
		EntryTimestamp: candidate.BarTimestamp,
		EntryPrice:     entry,
		SizeUnits:      sizeUnits,
		SizeQuote:      notional,
		EntryFees:      m.fees.Fee(notional, false), // entries are taker fills
		ATRAtEntry:     atrAtEntry,
		ExitSpec:       candidate.Exit,
		Open:           true,
	}
	m.open[pos.ID] = pos
	return pos
}

// Update advances every open position against one bar, returning a
// ClosureEvent for each position that exits on this bar. At most one exit
// fires per position per bar (spec.md §4.4).
func (m *Manager) Update(b bar.Bar, currentBarIndex int) []ClosureEvent {
	var closures []ClosureEvent
	for id, pos := range m.open {
		if pos.Symbol != b.Symbol {
			continue
		}
		snap := exits.Snapshot{
			Direction:           pos.Direction,
			EntryPrice:          pos.EntryPrice,
			OriginalStopLoss:    pos.ExitSpec.StopLossPrice,
			TakeProfitPrice:     pos.ExitSpec.TakeProfitPrice,
			TimeStopBars:        pos.ExitSpec.TimeStopBars,
			TrailingEnabled:     pos.ExitSpec.TrailingEnabled,
			TrailingActivation:  pos.ExitSpec.TrailingActivationPrice,
			TrailingDistanceATR: pos.ExitSpec.TrailingDistanceATR,
			ATRAtEntry:          pos.ATRAtEntry,
			EntryBarIndex:       pos.EntryBarIndex,
		}
		result := exits.Evaluate(snap, &pos.State, b, currentBarIndex)
		if !result.ShouldExit {
			continue
		}
		m.close(pos, b, currentBarIndex, result)
		closures = append(closures, ClosureEvent{Position: *pos})
		delete(m.open, id)
	}
	return closures
}

func (m *Manager) close(pos *Position, b bar.Bar, currentBarIndex int, result exits.Result) {
	exitPrice := m.fees.ApplyExitSlippage(pos.Direction, result.FillPrice)
	notional := exitPrice * pos.SizeUnits
	exitFees := m.fees.Fee(notional, result.Reason == exits.TakeProfit)

	sign := 1.0
	if pos.Direction == playbook.Short {
		sign = -1.0
	}

	pnl := (exitPrice-pos.EntryPrice)*pos.SizeUnits*sign - pos.EntryFees - exitFees
	riskPerUnit := pos.EntryPrice - pos.ExitSpec.StopLossPrice

	var rMultiple float64
	if m.fees.RMultipleBasis == PostFee {
		if riskQuote := riskPerUnit * sign * pos.SizeUnits; riskQuote != 0 {
			rMultiple = pnl / riskQuote
		}
	} else if riskPerUnit != 0 {
		rMultiple = (exitPrice - pos.EntryPrice) / riskPerUnit
	}

	pos.Open = false
	pos.ExitBarIndex = currentBarIndex
	pos.ExitPrice = exitPrice
	pos.ExitReason = result.Reason
	pos.ExitFees = exitFees
	pos.RealizedPnL = pnl
	pos.RealizedR = rMultiple
	pos.ExitTimestamp = b.Timestamp
}

// OpenPositions returns a snapshot of all currently open positions,
// sorted by ID for deterministic iteration by callers that need it.
func (m *Manager) OpenPositions() []*Position {
	out := make([]*Position, 0, len(m.open))
	for _, p := range m.open {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *Manager) Count() int { return len(m.open) }

// Restore reinserts a position loaded from the ledger as a live open
// position, used when resuming a run from a checkpoint (spec.md §4.6:
// "reload feature-pipeline state, open-position state"). Unlike Open, it
// applies no fees or slippage — the position was already fully filled in a
// prior process.
func (m *Manager) Restore(pos Position) {
	p := pos
	m.open[p.ID] = &p
}
