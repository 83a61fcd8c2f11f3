// Package storage implements the three durable, per-run stores spec.md
// §4.5 names: CandidateCache, PositionLedger, and OutcomeLabels. Since the
// retrieved pack carries no sqlite or embedded-file-database driver
// anywhere (DESIGN.md records this Open Question resolution), the "single
// relational store per table" the spec describes is realized as Postgres
// tables inside a schema unique to the run, rather than a single file.
package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// Store owns the per-run schema and the prepared connection every repo in
// this package reads and writes through. The runner opens exactly one
// Store per run and passes it by reference (spec.md §4.3's shared-resource
// policy: a single writer per store).
type Store struct {
	db     *sqlx.DB
	Schema string
}

// SchemaName derives a stable, SQL-identifier-safe schema name from a run
// id, so re-opening the same run (resume) addresses the same schema.
func SchemaName(runID string) string {
	sum := sha256.Sum256([]byte(runID))
	return "run_" + hex.EncodeToString(sum[:])[:16]
}

func NewStore(db *sqlx.DB, runID string) *Store {
	return &Store{db: db, Schema: SchemaName(runID)}
}

// qualify returns a schema-qualified table reference. lib/pq has no
// placeholder syntax for identifiers, so schema/table names are interpolated
// directly; both come from SchemaName/fixed constants, never user input.
func (s *Store) qualify(table string) string {
	return fmt.Sprintf("%s.%s", s.Schema, table)
}

// EnsureSchema creates the run's schema and its three tables if they do not
// already exist, idempotent across resume. Indexes follow spec.md §4.5.
func (s *Store) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s`, s.Schema),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			symbol TEXT NOT NULL,
			bar_timestamp TIMESTAMPTZ NOT NULL,
			playbook TEXT NOT NULL,
			direction TEXT NOT NULL,
			proposed_entry DOUBLE PRECISION NOT NULL,
			exit_spec JSONB NOT NULL,
			feature_fingerprint TEXT NOT NULL,
			taken BOOLEAN NOT NULL DEFAULT false,
			position_id TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, s.qualify("candidates")),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_candidates_run_symbol_bar
			ON %s (run_id, symbol, bar_timestamp)`, s.qualify("candidates")),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_candidates_run_taken
			ON %s (run_id, taken)`, s.qualify("candidates")),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			candidate_id TEXT NOT NULL,
			symbol TEXT NOT NULL,
			direction TEXT NOT NULL,
			entry_bar_index INTEGER NOT NULL,
			entry_timestamp TIMESTAMPTZ NOT NULL,
			entry_price DOUBLE PRECISION NOT NULL,
			size_units DOUBLE PRECISION NOT NULL,
			size_quote DOUBLE PRECISION NOT NULL,
			entry_fees DOUBLE PRECISION NOT NULL,
			atr_at_entry DOUBLE PRECISION NOT NULL,
			exit_spec JSONB NOT NULL,
			trailing_state JSONB NOT NULL,
			status TEXT NOT NULL DEFAULT 'open',
			exit_bar_index INTEGER,
			exit_timestamp TIMESTAMPTZ,
			exit_price DOUBLE PRECISION,
			exit_reason TEXT,
			exit_fees DOUBLE PRECISION,
			realized_pnl DOUBLE PRECISION,
			realized_r DOUBLE PRECISION,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, s.qualify("positions")),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_positions_run_symbol_status
			ON %s (run_id, symbol, status, entry_timestamp)`, s.qualify("positions")),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			candidate_id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			position_id TEXT,
			actual_r_multiple DOUBLE PRECISION,
			exit_reason TEXT,
			bars_held INTEGER,
			labeled_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, s.qualify("outcome_labels")),
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("storage: ensure schema: %w", err)
		}
	}
	return nil
}
