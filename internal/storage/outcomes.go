package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// OutcomeLabel is populated after a position closes (or never, for skipped
// candidates, which may be labeled counterfactually later) — spec.md §4.5.
type OutcomeLabel struct {
	CandidateID     string
	RunID           string
	PositionID      string
	ActualRMultiple float64
	ExitReason      string
	BarsHeld        int
}

// OutcomeLabels is keyed by candidate id.
type OutcomeLabels interface {
	PutLabel(ctx context.Context, label OutcomeLabel) error
	GetLabel(ctx context.Context, candidateID string) (*OutcomeLabel, error)
	BulkLabel(ctx context.Context, runID string, labels []OutcomeLabel) error
}

type postgresOutcomeLabels struct {
	store *Store
}

func NewOutcomeLabels(store *Store) OutcomeLabels {
	return &postgresOutcomeLabels{store: store}
}

func (o *postgresOutcomeLabels) PutLabel(ctx context.Context, label OutcomeLabel) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (candidate_id, run_id, position_id, actual_r_multiple, exit_reason, bars_held)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (candidate_id) DO UPDATE SET
			position_id = EXCLUDED.position_id,
			actual_r_multiple = EXCLUDED.actual_r_multiple,
			exit_reason = EXCLUDED.exit_reason,
			bars_held = EXCLUDED.bars_held,
			labeled_at = now()`, o.store.qualify("outcome_labels"))
	_, err := o.store.db.ExecContext(ctx, query,
		label.CandidateID, label.RunID, nullableString(label.PositionID),
		label.ActualRMultiple, label.ExitReason, label.BarsHeld)
	if err != nil {
		return fmt.Errorf("storage: put outcome label: %w", err)
	}
	return nil
}

func (o *postgresOutcomeLabels) GetLabel(ctx context.Context, candidateID string) (*OutcomeLabel, error) {
	query := fmt.Sprintf(`
		SELECT candidate_id, run_id, position_id, actual_r_multiple, exit_reason, bars_held
		FROM %s WHERE candidate_id = $1`, o.store.qualify("outcome_labels"))
	var label OutcomeLabel
	var positionID sql.NullString
	if err := o.store.db.QueryRowxContext(ctx, query, candidateID).Scan(
		&label.CandidateID, &label.RunID, &positionID, &label.ActualRMultiple,
		&label.ExitReason, &label.BarsHeld); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("storage: get outcome label: %w", err)
	}
	label.PositionID = positionID.String
	return &label, nil
}

func (o *postgresOutcomeLabels) BulkLabel(ctx context.Context, runID string, labels []OutcomeLabel) error {
	if len(labels) == 0 {
		return nil
	}
	tx, err := o.store.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: bulk label begin tx: %w", err)
	}
	defer tx.Rollback()

	query := fmt.Sprintf(`
		INSERT INTO %s (candidate_id, run_id, position_id, actual_r_multiple, exit_reason, bars_held)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (candidate_id) DO UPDATE SET
			position_id = EXCLUDED.position_id,
			actual_r_multiple = EXCLUDED.actual_r_multiple,
			exit_reason = EXCLUDED.exit_reason,
			bars_held = EXCLUDED.bars_held,
			labeled_at = now()`, o.store.qualify("outcome_labels"))
	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return fmt.Errorf("storage: bulk label prepare: %w", err)
	}
	defer stmt.Close()

	for _, label := range labels {
		if _, err := stmt.ExecContext(ctx, label.CandidateID, runID,
			nullableString(label.PositionID), label.ActualRMultiple, label.ExitReason, label.BarsHeld); err != nil {
			return fmt.Errorf("storage: bulk label insert: %w", err)
		}
	}
	return tx.Commit()
}
