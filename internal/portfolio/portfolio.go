// Package portfolio evaluates whether an accepted candidate may actually
// open a position, subject to the admission constraints spec.md §4.6
// step 5 names: max open positions, max exposure fraction, and available
// capital given the configured size method.
package portfolio

import (
	"fmt"

	"github.com/sawpanic/backtestrun/internal/config"
)

// GateCheck is one named pass/fail result, in the same structured-reasoning
// shape the teacher's entry gates use, so failures are auditable rather than
// a single bool.
type GateCheck struct {
	Name   string
	Passed bool
	Reason string
}

// Decision is the outcome of evaluating one candidate for admission,
// including the size in units it would be opened with if admitted.
type Decision struct {
	Admitted  bool
	SizeUnits float64
	Checks    []GateCheck
}

// State is the portfolio's live bookkeeping the runner must keep current
// every time a position opens or closes.
type State struct {
	Equity       float64
	OpenPositions int
	ExposureQuote float64 // sum of open positions' notional
}

// Evaluator enforces the portfolio-level admission constraints. It is
// deliberately separate from per-candidate playbook logic (which answers
// "what is an opportunity") and from the LLM decision (which answers
// "take or skip") — this is the final, purely mechanical capital check.
type Evaluator struct {
	cfg config.PortfolioConfig
}

func NewEvaluator(cfg config.PortfolioConfig) *Evaluator {
	return &Evaluator{cfg: cfg}
}

// Evaluate checks the live State against the configured constraints and,
// if admitted, computes the position size per the configured size method.
func (e *Evaluator) Evaluate(state State, entryPrice, stopLossPrice, atr float64) Decision {
	checks := []GateCheck{e.checkMaxPositions(state)}

	sizeUnits := e.sizeFor(state, entryPrice, stopLossPrice, atr)
	notional := sizeUnits * entryPrice
	checks = append(checks, e.checkExposure(state, notional))
	checks = append(checks, e.checkCapital(state, notional))

	admitted := true
	for _, c := range checks {
		if !c.Passed {
			admitted = false
		}
	}
	return Decision{Admitted: admitted, SizeUnits: sizeUnits, Checks: checks}
}

func (e *Evaluator) checkMaxPositions(state State) GateCheck {
	if state.OpenPositions >= e.cfg.MaxPositions {
		return GateCheck{Name: "max_positions", Passed: false,
			Reason: fmt.Sprintf("%d open positions >= max %d", state.OpenPositions, e.cfg.MaxPositions)}
	}
	return GateCheck{Name: "max_positions", Passed: true,
		Reason: fmt.Sprintf("%d open positions < max %d", state.OpenPositions, e.cfg.MaxPositions)}
}

func (e *Evaluator) checkExposure(state State, additionalNotional float64) GateCheck {
	maxExposure := state.Equity * e.cfg.MaxExposureFraction
	projected := state.ExposureQuote + additionalNotional
	if projected > maxExposure {
		return GateCheck{Name: "max_exposure", Passed: false,
			Reason: fmt.Sprintf("projected exposure %.2f > max %.2f", projected, maxExposure)}
	}
	return GateCheck{Name: "max_exposure", Passed: true,
		Reason: fmt.Sprintf("projected exposure %.2f <= max %.2f", projected, maxExposure)}
}

func (e *Evaluator) checkCapital(state State, notional float64) GateCheck {
	available := state.Equity - state.ExposureQuote
	if notional > available {
		return GateCheck{Name: "available_capital", Passed: false,
			Reason: fmt.Sprintf("notional %.2f > available capital %.2f", notional, available)}
	}
	return GateCheck{Name: "available_capital", Passed: true,
		Reason: fmt.Sprintf("notional %.2f <= available capital %.2f", notional, available)}
}

// sizeFor derives size in units from the configured size method. Both
// methods spend a risk budget of a fixed fraction of current equity:
// fixed_fraction divides it by the stop distance, while risk_parity (when
// ATR is positive) divides it by ATR instead, so size does not depend on
// the stop distance.
func (e *Evaluator) sizeFor(state State, entryPrice, stopLossPrice, atr float64) float64 {
	riskBudget := state.Equity * e.cfg.RiskPerTrade
	riskPerUnit := entryPrice - stopLossPrice
	if riskPerUnit < 0 {
		riskPerUnit = -riskPerUnit
	}
	if riskPerUnit == 0 {
		return 0
	}
	units := riskBudget / riskPerUnit
	if e.cfg.SizeMethod == config.SizeRiskParity && atr > 0 {
		units = riskBudget / atr
	}
	return units
}
