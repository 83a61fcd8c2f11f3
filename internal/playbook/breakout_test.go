package playbook

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sawpanic/backtestrun/internal/bar"
	"github.com/sawpanic/backtestrun/internal/features"
)

func readySnapshot(overrides map[string]float64) *features.FeatureSnapshot {
	values := map[string]float64{
		"atr": 2.0, "adx": 30, "plus_di": 25, "minus_di": 10,
		"rsi": 60, "macd": 1, "macd_signal": 0.5, "macd_histogram": 0.5,
		"bb_mid": 100, "bb_upper": 104, "bb_lower": 96,
		"donchian_upper": 100, "donchian_lower": 90,
		"volume_mean": 1000, "volume_zscore": 1.0,
		"ema20": 101, "ema50": 99, "ema200": 95,
	}
	for k, v := range overrides {
		values[k] = v
	}
	return &features.FeatureSnapshot{
		Symbol: "BTC-USD",
		Ready:  true,
		Values: values,
		Bar: bar.Bar{
			Symbol:    "BTC-USD",
			Timestamp: time.Now(),
			Close:     101,
			Volume:    2000,
		},
		Buckets: map[string]string{"rsi": "strong"},
	}
}

// trendingBars builds a strictly monotone run of bars (price += step each
// bar, narrow high/low wicks) long enough to clear the feature pipeline's
// warmup and EMA200, with a volume spike on the final bar. Donchian.Update
// reports the channel over the *prior* window, so on a monotone run the
// current close always clears the lagged donchian_upper/lower by roughly
// the per-bar step — unlike the old hand-built snapshot, this is a
// FeatureSnapshot the real Pipeline can actually produce.
func trendingBars(n int, start, step float64) []bar.Bar {
	bars := make([]bar.Bar, 0, n)
	price := start
	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		price += step
		volume := 1000.0
		if i == n-1 {
			volume = 2200 // clears MinVolumeRatio against the ~1000 rolling mean
		}
		bars = append(bars, bar.Bar{
			Symbol:    "BTC-USD",
			Timestamp: ts.Add(time.Duration(i) * time.Hour),
			Open:      price - step,
			High:      price + 0.2,
			Low:       price - 0.2,
			Close:     price,
			Volume:    volume,
		})
	}
	return bars
}

func lastReadySnapshot(bars []bar.Bar) *features.FeatureSnapshot {
	pipeline := features.NewPipeline(features.DefaultConfig())
	var last *features.FeatureSnapshot
	for _, b := range bars {
		if snap := pipeline.OnBar(b); snap != nil && snap.Ready {
			last = snap
		}
	}
	return last
}

func TestBreakoutFiresOnCleanLongSetup(t *testing.T) {
	snap := lastReadySnapshot(trendingBars(260, 100, 3.0))
	require.NotNil(t, snap, "pipeline must be warmed up and ready well before bar 260 of a 260-bar uptrend")

	p := NewBreakout(DefaultBreakoutConfig())
	candidate, err := p.Evaluate(snap, "run-1")
	require.NoError(t, err)
	require.NotNil(t, candidate, "a real breakout bar against the live feature pipeline must produce a candidate")
	require.Equal(t, Long, candidate.Direction)
	require.Less(t, candidate.Exit.StopLossPrice, candidate.ProposedEntry)
	require.Greater(t, candidate.Exit.TakeProfitPrice, candidate.ProposedEntry)
}

func TestBreakoutFiresOnCleanShortSetup(t *testing.T) {
	snap := lastReadySnapshot(trendingBars(260, 400, -3.0))
	require.NotNil(t, snap, "pipeline must be warmed up and ready well before bar 260 of a 260-bar downtrend")

	p := NewBreakout(DefaultBreakoutConfig())
	candidate, err := p.Evaluate(snap, "run-1")
	require.NoError(t, err)
	require.NotNil(t, candidate, "a real breakdown bar against the live feature pipeline must produce a candidate")
	require.Equal(t, Short, candidate.Direction)
	require.Greater(t, candidate.Exit.StopLossPrice, candidate.ProposedEntry)
	require.Less(t, candidate.Exit.TakeProfitPrice, candidate.ProposedEntry)
}

func TestBreakoutSkipsWithoutVolumeConfirmation(t *testing.T) {
	p := NewBreakout(DefaultBreakoutConfig())
	snap := readySnapshot(map[string]float64{"volume_mean": 10000})
	snap.Bar.Volume = 2000 // ratio 0.2, below MinVolumeRatio

	candidate, err := p.Evaluate(snap, "run-1")
	require.NoError(t, err)
	require.Nil(t, candidate)
}

func TestBreakoutSkipsWhenNotReady(t *testing.T) {
	p := NewBreakout(DefaultBreakoutConfig())
	snap := readySnapshot(nil)
	snap.Ready = false

	candidate, err := p.Evaluate(snap, "run-1")
	require.NoError(t, err)
	require.Nil(t, candidate)
}

func TestPullbackFiresOnReclaim(t *testing.T) {
	p := NewPullback(DefaultPullbackConfig())
	snap := readySnapshot(map[string]float64{"ema20": 100, "ema50": 99, "ema200": 95})
	snap.Bar.Low = 99.9
	snap.Bar.Close = 100.5

	candidate, err := p.Evaluate(snap, "run-1")
	require.NoError(t, err)
	require.NotNil(t, candidate)
	require.Equal(t, Long, candidate.Direction)
}

func TestFingerprintStableAcrossIdenticalBuckets(t *testing.T) {
	a := readySnapshot(nil)
	b := readySnapshot(nil)
	require.Equal(t, Fingerprint(a), Fingerprint(b))
}
