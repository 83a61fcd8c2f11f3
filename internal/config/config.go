// Package config loads and validates the versioned run-configuration
// record spec.md §6 names: market scope, fees, portfolio sizing, LLM
// settings, the enabled-playbooks array, and execution settings.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sawpanic/backtestrun/internal/llm"
	"github.com/sawpanic/backtestrun/internal/playbook"
	"github.com/sawpanic/backtestrun/internal/position"
)

const SchemaVersion = 1

// MarketScope names the venue, symbol universe, date range, timeframe, and
// warmup bar count a run operates over.
type MarketScope struct {
	Venue      string    `yaml:"venue" json:"venue"`
	Symbols    []string  `yaml:"symbols" json:"symbols"`
	Start      time.Time `yaml:"start" json:"start"`
	End        time.Time `yaml:"end" json:"end"`
	Timeframe  string    `yaml:"timeframe" json:"timeframe"`
	WarmupBars int       `yaml:"warmup_bars" json:"warmup_bars"`
}

// FeeConfig names the maker/taker basis-point schedule and slippage model.
// RMultiplePostFee toggles spec.md §9's open question explicitly: false (the
// default, and the spec's named reference answer) computes realized
// R-multiple from raw price movement against the stop distance; true
// computes it from realized PnL after fees and slippage.
type FeeConfig struct {
	MakerBps         float64 `yaml:"maker_bps" json:"maker_bps"`
	TakerBps         float64 `yaml:"taker_bps" json:"taker_bps"`
	SlippageBps      float64 `yaml:"slippage_bps" json:"slippage_bps"`
	RMultiplePostFee bool    `yaml:"r_multiple_post_fee" json:"r_multiple_post_fee"`
}

// PositionFeeModel builds the position.FeeModel this config describes.
func (c FeeConfig) PositionFeeModel() position.FeeModel {
	basis := position.PreFee
	if c.RMultiplePostFee {
		basis = position.PostFee
	}
	return position.FeeModel{
		MakerFeeBps:    c.MakerBps,
		TakerFeeBps:    c.TakerBps,
		SlippageBps:    c.SlippageBps,
		RMultipleBasis: basis,
	}
}

// SizeMethod is how position size is derived from risk-per-trade.
type SizeMethod string

const (
	SizeFixedFraction SizeMethod = "fixed_fraction"
	SizeRiskParity     SizeMethod = "risk_parity"
)

// PortfolioConfig parameterizes starting capital and the admission
// constraints internal/portfolio enforces.
type PortfolioConfig struct {
	StartingEquity     float64    `yaml:"starting_equity" json:"starting_equity"`
	MaxPositions       int        `yaml:"max_positions" json:"max_positions"`
	MaxExposureFraction float64   `yaml:"max_exposure_fraction" json:"max_exposure_fraction"`
	RiskPerTrade       float64    `yaml:"risk_per_trade" json:"risk_per_trade"`
	SizeMethod         SizeMethod `yaml:"size_method" json:"size_method"`
}

// LLMConfig names the provider, model, sampling, rate-limit, retry/circuit,
// and fallback-decision settings spec.md §6 groups together.
type LLMConfig struct {
	Provider          string        `yaml:"provider" json:"provider"`
	Endpoint          string        `yaml:"endpoint" json:"endpoint"`
	APIKeyEnv         string        `yaml:"api_key_env" json:"api_key_env"`
	ModelID           string        `yaml:"model_id" json:"model_id"`
	Temperature       float64       `yaml:"temperature" json:"temperature"`
	MaxTokens         int           `yaml:"max_tokens" json:"max_tokens"`
	CallsPerMinute    float64       `yaml:"calls_per_minute" json:"calls_per_minute"`
	Burst             int           `yaml:"burst" json:"burst"`
	FailureThreshold  int           `yaml:"failure_threshold" json:"failure_threshold"`
	OpenTimeoutMS     int           `yaml:"open_timeout_ms" json:"open_timeout_ms"`
	BackoffInitialMS  int           `yaml:"backoff_initial_ms" json:"backoff_initial_ms"`
	BackoffMaxMS      int           `yaml:"backoff_max_ms" json:"backoff_max_ms"`
	MaxRetries        int           `yaml:"max_retries" json:"max_retries"`
	PerAttemptTimeoutMS int         `yaml:"per_attempt_timeout_ms" json:"per_attempt_timeout_ms"`
	FallbackDecision  string        `yaml:"fallback_decision" json:"fallback_decision"`
	MinSetupQuality   float64       `yaml:"min_setup_quality" json:"min_setup_quality"`
}

func (c LLMConfig) RateLimiter() *llm.RateLimiter {
	return llm.NewRateLimiter(c.CallsPerMinute, c.Burst)
}

func (c LLMConfig) Breaker(name string) *llm.Breaker {
	return llm.NewBreaker(name, llm.BreakerConfig{
		FailureThreshold: c.FailureThreshold,
		OpenTimeout:      time.Duration(c.OpenTimeoutMS) * time.Millisecond,
	})
}

func (c LLMConfig) Backoff() llm.BackoffConfig {
	return llm.BackoffConfig{
		Initial:    time.Duration(c.BackoffInitialMS) * time.Millisecond,
		Max:        time.Duration(c.BackoffMaxMS) * time.Millisecond,
		MaxRetries: c.MaxRetries,
	}
}

func (c LLMConfig) Fallback() llm.Decision {
	if c.FallbackDecision == string(llm.DecisionTake) {
		return llm.DecisionTake
	}
	return llm.DecisionSkip
}

// PlaybookConfig is one entry in the enabled-playbooks array: a name plus
// free-form parameters decoded into the matching concrete config.
type PlaybookConfig struct {
	Name             string                  `yaml:"name" json:"name"`
	BreakoutParams   *playbook.BreakoutConfig `yaml:"breakout_params,omitempty" json:"breakout_params,omitempty"`
	PullbackParams   *playbook.PullbackConfig `yaml:"pullback_params,omitempty" json:"pullback_params,omitempty"`
}

// DecisionTiming and FillTiming name when decisions are made relative to
// bar close and when fills are assumed to happen.
type DecisionTiming string
type FillTiming string

const (
	DecisionOnClose DecisionTiming = "bar_close"
	FillNextOpen    FillTiming     = "next_open"
	FillSameClose   FillTiming     = "same_close"
)

// ExecutionConfig names decision/fill timing, the slippage model, and
// whether the feature pipeline runs in strict or lenient mode.
type ExecutionConfig struct {
	DecisionTiming DecisionTiming `yaml:"decision_timing" json:"decision_timing"`
	FillTiming     FillTiming     `yaml:"fill_timing" json:"fill_timing"`
	FeatureMode    string         `yaml:"feature_mode" json:"feature_mode"` // "strict" or "lenient"
	CheckpointInterval int        `yaml:"checkpoint_interval" json:"checkpoint_interval"`
	HeartbeatInterval  int        `yaml:"heartbeat_interval" json:"heartbeat_interval"`
}

// RunConfig is the top-level versioned run-configuration record.
type RunConfig struct {
	SchemaVersion int             `yaml:"schema_version" json:"schema_version"`
	RunID         string          `yaml:"run_id" json:"run_id"`
	Market        MarketScope     `yaml:"market" json:"market"`
	Fees          FeeConfig       `yaml:"fees" json:"fees"`
	Portfolio     PortfolioConfig `yaml:"portfolio" json:"portfolio"`
	LLM           LLMConfig       `yaml:"llm" json:"llm"`
	Playbooks     []PlaybookConfig `yaml:"playbooks" json:"playbooks"`
	Execution     ExecutionConfig `yaml:"execution" json:"execution"`
}

// Load reads and parses a YAML run configuration from disk.
func Load(path string) (*RunConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var cfg RunConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: invalid: %w", err)
	}
	return &cfg, nil
}

// Validate enforces the cross-field invariants spec.md §6 requires be
// checked pre-flight, fast, before any store is opened.
func (c *RunConfig) Validate() error {
	if c.SchemaVersion != SchemaVersion {
		return fmt.Errorf("unsupported schema_version %d (expected %d)", c.SchemaVersion, SchemaVersion)
	}
	if c.RunID == "" {
		return fmt.Errorf("run_id is required")
	}
	if len(c.Market.Symbols) == 0 {
		return fmt.Errorf("market.symbols must be non-empty")
	}
	if !c.Market.End.After(c.Market.Start) {
		return fmt.Errorf("market.end must be after market.start")
	}
	if c.Market.WarmupBars < 0 {
		return fmt.Errorf("market.warmup_bars must be >= 0")
	}
	if c.Fees.MakerBps < 0 || c.Fees.TakerBps < 0 || c.Fees.SlippageBps < 0 {
		return fmt.Errorf("fees must be non-negative")
	}
	if c.Portfolio.StartingEquity <= 0 {
		return fmt.Errorf("portfolio.starting_equity must be positive")
	}
	if c.Portfolio.MaxPositions <= 0 {
		return fmt.Errorf("portfolio.max_positions must be positive")
	}
	if c.Portfolio.MaxExposureFraction <= 0 || c.Portfolio.MaxExposureFraction > 1 {
		return fmt.Errorf("portfolio.max_exposure_fraction must be in (0, 1]")
	}
	if c.Portfolio.RiskPerTrade <= 0 || c.Portfolio.RiskPerTrade > 1 {
		return fmt.Errorf("portfolio.risk_per_trade must be in (0, 1]")
	}
	if c.LLM.Temperature < 0 || c.LLM.Temperature > 2 {
		return fmt.Errorf("llm.temperature must be in [0, 2]")
	}
	if c.LLM.MaxTokens <= 0 {
		return fmt.Errorf("llm.max_tokens must be positive")
	}
	if c.LLM.FailureThreshold <= 0 {
		return fmt.Errorf("llm.failure_threshold must be positive")
	}
	if c.LLM.MaxRetries < 0 {
		return fmt.Errorf("llm.max_retries must be >= 0")
	}
	if len(c.Playbooks) == 0 {
		return fmt.Errorf("at least one playbook must be enabled")
	}
	for _, pb := range c.Playbooks {
		if pb.Name == "" {
			return fmt.Errorf("playbook entry missing name")
		}
		if pb.BreakoutParams != nil {
			if err := validateBreakoutExitOrdering(*pb.BreakoutParams); err != nil {
				return fmt.Errorf("playbook %q: %w", pb.Name, err)
			}
		}
		if pb.PullbackParams != nil {
			if err := validatePullbackExitOrdering(*pb.PullbackParams); err != nil {
				return fmt.Errorf("playbook %q: %w", pb.Name, err)
			}
		}
	}
	if c.Execution.CheckpointInterval <= 0 {
		return fmt.Errorf("execution.checkpoint_interval must be positive")
	}
	if c.Execution.HeartbeatInterval <= 0 {
		return fmt.Errorf("execution.heartbeat_interval must be positive")
	}
	return nil
}

// validateBreakoutExitOrdering checks the TP-beyond-SL invariant spec.md
// §6 names explicitly, ahead of any candidate actually being generated.
func validateBreakoutExitOrdering(cfg playbook.BreakoutConfig) error {
	if cfg.StopLossATR <= 0 || cfg.TakeProfitATR <= 0 {
		return fmt.Errorf("stop_loss_atr and take_profit_atr must be positive")
	}
	if cfg.TrailingDistanceATR <= 0 {
		return fmt.Errorf("trailing_distance_atr must be positive when trailing is used")
	}
	return nil
}

func validatePullbackExitOrdering(cfg playbook.PullbackConfig) error {
	if cfg.StopLossATR <= 0 || cfg.TakeProfitATR <= 0 {
		return fmt.Errorf("stop_loss_atr and take_profit_atr must be positive")
	}
	if cfg.TrailingDistanceATR <= 0 {
		return fmt.Errorf("trailing_distance_atr must be positive when trailing is used")
	}
	return nil
}
