// Package manifest tracks the run-level provenance record spec.md §4.6
// requires: config snapshot, schema versions, bar-count processed, final
// status, timestamps, and a content hash over the config, plus the
// sidecar checkpoint written every checkpoint_interval bars for crash
// recovery. Both are written with the teacher's JSONL/JSON sidecar-file
// pattern (internal/backtest/smoke90's Writer writes results.jsonl and a
// markdown report into a run-scoped directory in the same way).
package manifest

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Status is the run's terminal or in-progress state.
type Status string

const (
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Manifest is the provenance record written to manifest.json at run start,
// at each checkpoint, and on termination.
type Manifest struct {
	SchemaVersion int       `json:"schema_version"`
	RunID         string    `json:"run_id"`
	ConfigHash    string    `json:"config_hash"`
	Status        Status    `json:"status"`
	Error         string    `json:"error,omitempty"`
	BarsProcessed int       `json:"bars_processed"`
	StartedAt     time.Time `json:"started_at"`
	UpdatedAt     time.Time `json:"updated_at"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
}

// ConfigHash returns the content hash of a config snapshot: sha256 over
// the canonical JSON encoding, so any field change (including field
// reordering only if Go's deterministic map/struct marshal changes,
// which it doesn't for structs) produces a different hash.
func ConfigHash(cfg any) (string, error) {
	b, err := json.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("manifest: marshal config for hashing: %w", err)
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// New starts a fresh manifest in the running state.
func New(schemaVersion int, runID, configHash string, now time.Time) *Manifest {
	return &Manifest{
		SchemaVersion: schemaVersion,
		RunID:         runID,
		ConfigHash:    configHash,
		Status:        StatusRunning,
		StartedAt:     now,
		UpdatedAt:     now,
	}
}

// Checkpoint advances the bar counter and timestamp. Called after each
// checkpoint_interval bars processed, so the manifest's bars_processed
// always reflects the latest durable checkpoint rather than in-flight work.
func (m *Manifest) Checkpoint(barsProcessed int, now time.Time) {
	m.BarsProcessed = barsProcessed
	m.UpdatedAt = now
}

// Finish finalizes the manifest on success or failure. err may be nil.
func (m *Manifest) Finish(status Status, err error, now time.Time) {
	m.Status = status
	m.UpdatedAt = now
	m.FinishedAt = &now
	if err != nil {
		m.Error = err.Error()
	}
}

// WriteTo atomically writes the manifest as manifest.json under dir: the
// file is written to a temp path and renamed into place so a crash never
// leaves a half-written manifest behind.
func (m *Manifest) WriteTo(dir string) error {
	return writeJSONAtomic(filepath.Join(dir, "manifest.json"), m)
}

// Load reads a previously written manifest.json from dir.
func Load(dir string) (*Manifest, error) {
	b, err := os.ReadFile(filepath.Join(dir, "manifest.json"))
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("manifest: decode manifest.json: %w", err)
	}
	return &m, nil
}

// Checkpoint is the sidecar crash-recovery snapshot spec.md §4.6 step 6
// names: bar position, bar timestamp, feature-pipeline state (opaque to
// this package — the caller marshals whatever its pipeline needs), and the
// set of open position ids so the runner knows what to reconcile with the
// ledger on resume.
type Checkpoint struct {
	SchemaVersion       int             `json:"schema_version"`
	ConfigHash          string          `json:"config_hash"`
	BarIndex            int             `json:"bar_index"`
	BarTimestamp        time.Time       `json:"bar_timestamp"`
	FeaturePipelineState json.RawMessage `json:"feature_pipeline_state"`
	OpenPositionIDs     []string        `json:"open_position_ids"`
}

// WriteTo atomically writes the checkpoint as checkpoint.json under dir.
func (c *Checkpoint) WriteTo(dir string) error {
	return writeJSONAtomic(filepath.Join(dir, "checkpoint.json"), c)
}

// LoadCheckpoint reads checkpoint.json from dir. Returns (nil, nil) if no
// checkpoint file exists yet — a fresh run, not an error.
func LoadCheckpoint(dir string) (*Checkpoint, error) {
	b, err := os.ReadFile(filepath.Join(dir, "checkpoint.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var c Checkpoint
	if err := json.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("manifest: decode checkpoint.json: %w", err)
	}
	return &c, nil
}

// Resumable reports whether a loaded checkpoint may be used to resume:
// the run being started must share the same config hash, per spec.md's
// "if a checkpoint exists and the config hash matches" rule.
func (c *Checkpoint) Resumable(configHash string) bool {
	return c != nil && c.ConfigHash == configHash
}

func writeJSONAtomic(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("manifest: create directory: %w", err)
	}
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("manifest: marshal: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return fmt.Errorf("manifest: write temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("manifest: rename into place: %w", err)
	}
	return nil
}
