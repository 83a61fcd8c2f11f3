// Package prompt assembles the system/user prompt pair the LLM harness
// sends for each candidate: global-regime context, asset state, setup
// details, and policy constraints (spec.md §4.6 step 4). The teacher has
// no LLM integration to ground this on directly; the structured-field
// composition below follows the same "named, auditable fields" convention
// internal/gates's GateCheck and internal/exits's ExitResult use.
package prompt

import (
	"fmt"
	"strings"

	"github.com/sawpanic/backtestrun/internal/features"
	"github.com/sawpanic/backtestrun/internal/llm"
	"github.com/sawpanic/backtestrun/internal/playbook"
	"github.com/sawpanic/backtestrun/internal/regime"
)

// PolicyConstraints are the fixed, run-level rules the prompt reminds the
// model of on every call, so the model's judgment operates inside known
// bounds rather than needing to infer them.
type PolicyConstraints struct {
	MinSetupQuality float64
	MaxRiskPerTrade float64
}

const systemPrompt = `You are a disciplined trading assistant evaluating a single proposed trade setup.
Respond with a JSON object of the form {"decision": "take"|"skip", "setup_quality": <0-1>, "reason": "<short text>"}.
Only recommend "take" when the setup is well-confirmed by the provided context; default to "skip" when uncertain.`

// Builder constructs the user prompt for one candidate evaluation.
type Builder struct {
	regimeConfig regime.Config
	policy       PolicyConstraints
}

func NewBuilder(regimeConfig regime.Config, policy PolicyConstraints) *Builder {
	return &Builder{regimeConfig: regimeConfig, policy: policy}
}

// Build assembles the llm.Request for one candidate, given the feature
// snapshot the candidate was generated from.
func (b *Builder) Build(snap *features.FeatureSnapshot, candidate playbook.Candidate, modelID string, temperature float64, maxTokens int) llm.Request {
	label := regime.Classify(b.regimeConfig, snap.Values["adx"], snap.Values["volume_zscore"])

	var sb strings.Builder
	fmt.Fprintf(&sb, "Market regime: %s\n\n", label)
	fmt.Fprintf(&sb, "Asset: %s at %s\n", candidate.Symbol, candidate.BarTimestamp.Format("2006-01-02T15:04:05Z"))
	fmt.Fprintf(&sb, "Close: %.4f  ATR: %.4f  ADX: %.1f  RSI: %.1f\n",
		snap.Bar.Close, snap.Values["atr"], snap.Values["adx"], snap.Values["rsi"])
	fmt.Fprintf(&sb, "\nSetup: %s playbook, direction %s\n", candidate.Playbook, candidate.Direction)
	fmt.Fprintf(&sb, "Proposed entry: %.4f\n", candidate.ProposedEntry)
	fmt.Fprintf(&sb, "Stop loss: %.4f  Take profit: %.4f  Time stop: %d bars\n",
		candidate.Exit.StopLossPrice, candidate.Exit.TakeProfitPrice, candidate.Exit.TimeStopBars)
	if candidate.Exit.TrailingEnabled {
		fmt.Fprintf(&sb, "Trailing stop activates at %.4f, trails %.2f ATR behind.\n",
			candidate.Exit.TrailingActivationPrice, candidate.Exit.TrailingDistanceATR)
	}
	fmt.Fprintf(&sb, "\nPolicy constraints: minimum setup_quality to take is %.2f, maximum risk per trade is %.2f%% of equity.\n",
		b.policy.MinSetupQuality, b.policy.MaxRiskPerTrade*100)

	return llm.Request{
		SystemPrompt: systemPrompt,
		UserPrompt:   sb.String(),
		ModelID:      modelID,
		Temperature:  temperature,
		MaxTokens:    maxTokens,
	}
}
