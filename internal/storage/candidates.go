package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/sawpanic/backtestrun/internal/playbook"
)

// CandidateFilter narrows Query results; zero values mean "don't filter on
// this field".
type CandidateFilter struct {
	Symbol string
	Taken  *bool
}

// CandidateCache is keyed by candidate id, append-only except for the
// taken/position_id back-references (spec.md §4.5).
type CandidateCache interface {
	Put(ctx context.Context, c playbook.Candidate) error
	Get(ctx context.Context, id string) (*playbook.Candidate, error)
	MarkTaken(ctx context.Context, id, positionID string) error
	Query(ctx context.Context, runID string, filter CandidateFilter) (<-chan playbook.Candidate, <-chan error)
}

type candidateRow struct {
	ID                 string `db:"id"`
	RunID              string `db:"run_id"`
	Symbol             string `db:"symbol"`
	BarTimestamp       sql.NullTime
	Playbook           string `db:"playbook"`
	Direction          string `db:"direction"`
	ProposedEntry      float64 `db:"proposed_entry"`
	ExitSpec           []byte  `db:"exit_spec"`
	FeatureFingerprint string  `db:"feature_fingerprint"`
	Taken              bool    `db:"taken"`
	PositionID         sql.NullString `db:"position_id"`
}

type postgresCandidateCache struct {
	store *Store
}

func NewCandidateCache(store *Store) CandidateCache {
	return &postgresCandidateCache{store: store}
}

func (c *postgresCandidateCache) Put(ctx context.Context, cand playbook.Candidate) error {
	exitJSON, err := json.Marshal(cand.Exit)
	if err != nil {
		return fmt.Errorf("storage: marshal exit spec: %w", err)
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (id, run_id, symbol, bar_timestamp, playbook, direction,
			proposed_entry, exit_spec, feature_fingerprint, taken, position_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`, c.store.qualify("candidates"))
	_, err = c.store.db.ExecContext(ctx, query,
		cand.ID, cand.RunID, cand.Symbol, cand.BarTimestamp, cand.Playbook, string(cand.Direction),
		cand.ProposedEntry, exitJSON, cand.FeatureFingerprint, cand.Taken, nullableString(cand.PositionID))
	if err != nil {
		return fmt.Errorf("storage: insert candidate: %w", err)
	}
	return nil
}

func (c *postgresCandidateCache) Get(ctx context.Context, id string) (*playbook.Candidate, error) {
	query := fmt.Sprintf(`
		SELECT id, run_id, symbol, bar_timestamp, playbook, direction, proposed_entry,
			exit_spec, feature_fingerprint, taken, position_id
		FROM %s WHERE id = $1`, c.store.qualify("candidates"))
	var row candidateRow
	if err := c.store.db.QueryRowxContext(ctx, query, id).Scan(
		&row.ID, &row.RunID, &row.Symbol, &row.BarTimestamp, &row.Playbook, &row.Direction,
		&row.ProposedEntry, &row.ExitSpec, &row.FeatureFingerprint, &row.Taken, &row.PositionID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("storage: get candidate: %w", err)
	}
	return rowToCandidate(row)
}

func (c *postgresCandidateCache) MarkTaken(ctx context.Context, id, positionID string) error {
	query := fmt.Sprintf(`UPDATE %s SET taken = true, position_id = $2
		WHERE id = $1 AND taken = false`, c.store.qualify("candidates"))
	res, err := c.store.db.ExecContext(ctx, query, id, positionID)
	if err != nil {
		return fmt.Errorf("storage: mark taken: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("storage: candidate %s not found or already marked taken", id)
	}
	return nil
}

func (c *postgresCandidateCache) Query(ctx context.Context, runID string, filter CandidateFilter) (<-chan playbook.Candidate, <-chan error) {
	out := make(chan playbook.Candidate)
	errc := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errc)

		query := fmt.Sprintf(`
			SELECT id, run_id, symbol, bar_timestamp, playbook, direction, proposed_entry,
				exit_spec, feature_fingerprint, taken, position_id
			FROM %s WHERE run_id = $1`, c.store.qualify("candidates"))
		args := []any{runID}
		if filter.Symbol != "" {
			args = append(args, filter.Symbol)
			query += fmt.Sprintf(" AND symbol = $%d", len(args))
		}
		if filter.Taken != nil {
			args = append(args, *filter.Taken)
			query += fmt.Sprintf(" AND taken = $%d", len(args))
		}
		query += " ORDER BY bar_timestamp ASC"

		rows, err := c.store.db.QueryxContext(ctx, query, args...)
		if err != nil {
			errc <- fmt.Errorf("storage: query candidates: %w", err)
			return
		}
		defer rows.Close()

		for rows.Next() {
			var row candidateRow
			if err := rows.Scan(&row.ID, &row.RunID, &row.Symbol, &row.BarTimestamp, &row.Playbook,
				&row.Direction, &row.ProposedEntry, &row.ExitSpec, &row.FeatureFingerprint,
				&row.Taken, &row.PositionID); err != nil {
				errc <- fmt.Errorf("storage: scan candidate: %w", err)
				return
			}
			cand, err := rowToCandidate(row)
			if err != nil {
				errc <- err
				return
			}
			select {
			case out <- *cand:
			case <-ctx.Done():
				errc <- ctx.Err()
				return
			}
		}
		if err := rows.Err(); err != nil {
			errc <- err
		}
	}()

	return out, errc
}

func rowToCandidate(row candidateRow) (*playbook.Candidate, error) {
	var exit playbook.ExitSpec
	if err := json.Unmarshal(row.ExitSpec, &exit); err != nil {
		return nil, fmt.Errorf("storage: unmarshal exit spec: %w", err)
	}
	return &playbook.Candidate{
		ID:                 row.ID,
		RunID:              row.RunID,
		Symbol:             row.Symbol,
		BarTimestamp:       row.BarTimestamp.Time,
		Playbook:           row.Playbook,
		Direction:          playbook.Direction(row.Direction),
		ProposedEntry:      row.ProposedEntry,
		Exit:               exit,
		FeatureFingerprint: row.FeatureFingerprint,
		Taken:              row.Taken,
		PositionID:         row.PositionID.String,
	}, nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
