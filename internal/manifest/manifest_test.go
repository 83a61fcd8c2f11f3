package manifest

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type sampleConfig struct {
	RunID   string
	Symbols []string
}

func TestConfigHashIsDeterministicAndSensitiveToChange(t *testing.T) {
	a := sampleConfig{RunID: "r1", Symbols: []string{"BTC-USD"}}
	b := sampleConfig{RunID: "r1", Symbols: []string{"BTC-USD"}}
	c := sampleConfig{RunID: "r2", Symbols: []string{"BTC-USD"}}

	hashA, err := ConfigHash(a)
	require.NoError(t, err)
	hashB, err := ConfigHash(b)
	require.NoError(t, err)
	hashC, err := ConfigHash(c)
	require.NoError(t, err)

	require.Equal(t, hashA, hashB)
	require.NotEqual(t, hashA, hashC)
}

func TestManifestWriteAndLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	m := New(1, "run-1", "deadbeef", now)
	m.Checkpoint(150, now.Add(time.Minute))

	require.NoError(t, m.WriteTo(dir))

	loaded, err := Load(dir)
	require.NoError(t, err)
	require.Equal(t, "run-1", loaded.RunID)
	require.Equal(t, StatusRunning, loaded.Status)
	require.Equal(t, 150, loaded.BarsProcessed)
}

func TestManifestFinishRecordsFailure(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	m := New(1, "run-1", "deadbeef", now)
	m.Finish(StatusFailed, errors.New("bar out of order at t=..."), now.Add(time.Hour))

	require.NoError(t, m.WriteTo(dir))
	loaded, err := Load(dir)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, loaded.Status)
	require.Contains(t, loaded.Error, "bar out of order")
	require.NotNil(t, loaded.FinishedAt)
}

func TestCheckpointRoundTripAndResumability(t *testing.T) {
	dir := t.TempDir()
	ts := time.Date(2024, 1, 2, 3, 0, 0, 0, time.UTC)
	ck := &Checkpoint{
		SchemaVersion:        1,
		ConfigHash:           "deadbeef",
		BarIndex:             199,
		BarTimestamp:         ts,
		FeaturePipelineState: json.RawMessage(`{"ema_20":101.5}`),
		OpenPositionIDs:      []string{"pos-1", "pos-2"},
	}
	require.NoError(t, ck.WriteTo(dir))

	loaded, err := LoadCheckpoint(dir)
	require.NoError(t, err)
	require.Equal(t, 199, loaded.BarIndex)
	require.True(t, loaded.Resumable("deadbeef"))
	require.False(t, loaded.Resumable("other-hash"))
}

func TestLoadCheckpointReturnsNilWhenAbsent(t *testing.T) {
	dir := t.TempDir()
	ck, err := LoadCheckpoint(dir)
	require.NoError(t, err)
	require.Nil(t, ck)
}

func TestWriteToCreatesParentDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "run-dir")
	m := New(1, "run-1", "hash", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, m.WriteTo(dir))
	_, statErr := os.Stat(filepath.Join(dir, "manifest.json"))
	require.NoError(t, statErr)
}
