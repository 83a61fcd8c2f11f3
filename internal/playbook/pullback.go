package playbook

import "github.com/sawpanic/backtestrun/internal/features"

// PullbackConfig parameterizes the pullback playbook (spec.md §4.2).
type PullbackConfig struct {
	MinADX                float64
	ReclaimBufferATR       float64 // how close to EMA20 counts as a "tag"
	StopLossATR            float64
	TakeProfitATR          float64
	TimeStopBars           int
	TrailingActivationATR  float64
	TrailingDistanceATR    float64
}

func DefaultPullbackConfig() PullbackConfig {
	return PullbackConfig{
		MinADX:                20,
		ReclaimBufferATR:       0.3,
		StopLossATR:            1.2,
		TakeProfitATR:          2.4,
		TimeStopBars:           36,
		TrailingActivationATR:  0.8,
		TrailingDistanceATR:    1.5,
	}
}

// Pullback requires an established trend regime (EMA50 vs EMA200), price
// tagging EMA20 from the trend side and reclaiming it, with ADX confirming
// the trend hasn't broken down.
type Pullback struct {
	config PullbackConfig
}

func NewPullback(config PullbackConfig) *Pullback {
	return &Pullback{config: config}
}

func (p *Pullback) Name() string { return "pullback" }

func (p *Pullback) Evaluate(snap *features.FeatureSnapshot, runID string) (*Candidate, error) {
	if !snap.Ready {
		return nil, nil
	}
	cfg := p.config
	v := snap.Values
	b := snap.Bar
	atr := v["atr"]
	if atr <= 0 || v["adx"] < cfg.MinADX {
		return nil, nil
	}

	buffer := cfg.ReclaimBufferATR * atr
	ema20 := v["ema20"]

	var direction Direction
	switch {
	case v["ema50"] > v["ema200"] && b.Low <= ema20+buffer && b.Close > ema20:
		// uptrend: price tagged EMA20 from above and reclaimed it
		direction = Long
	case v["ema50"] < v["ema200"] && b.High >= ema20-buffer && b.Close < ema20:
		// downtrend: price tagged EMA20 from below and reclaimed it (rejected)
		direction = Short
	default:
		return nil, nil
	}

	entry := b.Close
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

	candidate := NewCandidate(runID, p.Name(), b, direction, entry, exit, Fingerprint(snap))
	return &candidate, nil
}
