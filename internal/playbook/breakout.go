package playbook

import (
	"github.com/sawpanic/backtestrun/internal/features"
)

// BreakoutConfig parameterizes the breakout playbook (spec.md §4.2).
type BreakoutConfig struct {
	BreakoutThresholdATR float64 // price must clear the Donchian extreme by this many ATRs
	MinADX               float64
	MinVolumeRatio        float64 // bar volume / rolling volume mean
	StopLossATR           float64
	TakeProfitATR         float64
	TimeStopBars          int
	TrailingActivationATR float64
	TrailingDistanceATR   float64
}

// DefaultBreakoutConfig returns reasonable production defaults.
func DefaultBreakoutConfig() BreakoutConfig {
	return BreakoutConfig{
		BreakoutThresholdATR:  0.25,
		MinADX:                20,
		MinVolumeRatio:        1.5,
		StopLossATR:           1.5,
		TakeProfitATR:         3.0,
		TimeStopBars:          48,
		TrailingActivationATR: 1.0,
		TrailingDistanceATR:   1.8,
	}
}

// Breakout fires when price breaks a Donchian channel extreme, confirmed by
// trend strength (ADX), trend alignment (EMA20/50/200), and volume.
type Breakout struct {
	config BreakoutConfig
}

func NewBreakout(config BreakoutConfig) *Breakout {
	return &Breakout{config: config}
}

func (p *Breakout) Name() string { return "breakout" }

func (p *Breakout) Evaluate(snap *features.FeatureSnapshot, runID string) (*Candidate, error) {
	if !snap.Ready {
		return nil, nil
	}
	cfg := p.config
	v := snap.Values
	close := snap.Bar.Close
	atr := v["atr"]
	if atr <= 0 {
		return nil, nil
	}

	volumeRatio := 1.0
	if v["volume_mean"] > 0 {
		volumeRatio = snap.Bar.Volume / v["volume_mean"]
	}

	if v["adx"] < cfg.MinADX || volumeRatio < cfg.MinVolumeRatio {
		return nil, nil
	}

	uptrend := v["ema20"] > v["ema50"] && v["ema50"] > v["ema200"]
	downtrend := v["ema20"] < v["ema50"] && v["ema50"] < v["ema200"]

	longBreak := close-v["donchian_upper"] >= cfg.BreakoutThresholdATR*atr
	shortBreak := v["donchian_lower"]-close >= cfg.BreakoutThresholdATR*atr

	var direction Direction
	switch {
	case longBreak && uptrend:
		direction = Long
	case shortBreak && downtrend:
		direction = Short
	default:
		return nil, nil
	}

	entry := close
	exit := buildExitSpec(direction, entry, atr, exitParams{
		stopLossATR:           cfg.StopLossATR,
		takeProfitATR:         cfg.TakeProfitATR,
		timeStopBars:          cfg.TimeStopBars,
		trailingActivationATR: cfg.TrailingActivationATR,
		trailingDistanceATR:   cfg.TrailingDistanceATR,
	})
	if err := exit.Validate(direction, entry); err != nil {
		return nil, err
	}

	candidate := NewCandidate(runID, p.Name(), snap.Bar, direction, entry, exit, Fingerprint(snap))
	return &candidate, nil
}
