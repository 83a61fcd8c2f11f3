package features

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestPipelineSnapshotRestoreRoundTrip confirms that feeding N bars, then
// snapshotting/restoring into a fresh pipeline and feeding the remaining
// bars, produces the same feature values as feeding everything through one
// uninterrupted pipeline. This is the property spec.md §8 demands:
// checkpoint-resume must be indistinguishable from a non-resumed run.
func TestPipelineSnapshotRestoreRoundTrip(t *testing.T) {
	bars := syntheticBars(260, 100, 0.25)
	splitAt := 150

	continuous := NewPipeline(DefaultConfig())
	var continuousLast *FeatureSnapshot
	for _, b := range bars {
		if snap := continuous.OnBar(b); snap != nil {
			continuousLast = snap
		}
	}
	require.NotNil(t, continuousLast)

	resumed := NewPipeline(DefaultConfig())
	for _, b := range bars[:splitAt] {
		resumed.OnBar(b)
	}

	raw, err := json.Marshal(resumed.Snapshot())
	require.NoError(t, err)

	rehydrated := NewPipeline(DefaultConfig())
	var state PipelineState
	require.NoError(t, json.Unmarshal(raw, &state))
	rehydrated.Restore(state)

	var resumedLast *FeatureSnapshot
	for _, b := range bars[splitAt:] {
		if snap := rehydrated.OnBar(b); snap != nil {
			resumedLast = snap
		}
	}
	require.NotNil(t, resumedLast)

	for key, want := range continuousLast.Values {
		got, ok := resumedLast.Values[key]
		require.True(t, ok, "missing key %s after resume", key)
		require.InDelta(t, want, got, 1e-9, "mismatch for key %s", key)
	}
}

func TestEMAStateRoundTrip(t *testing.T) {
	ema := NewEMA(20)
	ema.Update(100)
	ema.Update(105)

	raw, err := json.Marshal(ema.State())
	require.NoError(t, err)

	restored := NewEMA(20)
	var s EMAState
	require.NoError(t, json.Unmarshal(raw, &s))
	restored.Restore(s)

	require.Equal(t, ema.Ready(), restored.Ready())
	require.InDelta(t, ema.Update(110), restored.Update(110), 1e-9)
}
