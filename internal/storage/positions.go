package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/sawpanic/backtestrun/internal/exits"
	"github.com/sawpanic/backtestrun/internal/playbook"
	"github.com/sawpanic/backtestrun/internal/position"
)

// ErrAlreadyClosed is returned by ClosePosition on a position that has
// already been closed; closure must be idempotent-safe, not silently
// repeatable (spec.md §4.5).
var ErrAlreadyClosed = errors.New("storage: position already closed")

// PositionLedger is keyed by position id and is the sole source of truth
// for PnL (spec.md §4.5); no component may compute cumulative equity from
// an alternative source.
type PositionLedger interface {
	OpenPosition(ctx context.Context, pos position.Position) error
	UpdatePosition(ctx context.Context, id string, state exits.TrailingState) error
	ClosePosition(ctx context.Context, pos position.Position) error
	GetOpenPositions(ctx context.Context, runID string) ([]position.Position, error)
	GetAll(ctx context.Context, runID string) (<-chan position.Position, <-chan error)
}

type postgresPositionLedger struct {
	store *Store
}

func NewPositionLedger(store *Store) PositionLedger {
	return &postgresPositionLedger{store: store}
}

func (l *postgresPositionLedger) OpenPosition(ctx context.Context, pos position.Position) error {
	exitJSON, err := json.Marshal(pos.ExitSpec)
	if err != nil {
		return fmt.Errorf("storage: marshal exit spec: %w", err)
	}
	stateJSON, err := json.Marshal(pos.State)
	if err != nil {
		return fmt.Errorf("storage: marshal trailing state: %w", err)
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (id, run_id, candidate_id, symbol, direction, entry_bar_index,
			entry_timestamp, entry_price, size_units, size_quote, entry_fees, atr_at_entry,
			exit_spec, trailing_state, status)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,'open')`, l.store.qualify("positions"))
	_, err = l.store.db.ExecContext(ctx, query,
		pos.ID, pos.RunID, pos.CandidateID, pos.Symbol, string(pos.Direction), pos.EntryBarIndex,
		pos.EntryTimestamp, pos.EntryPrice, pos.SizeUnits, pos.SizeQuote, pos.EntryFees, pos.ATRAtEntry,
		exitJSON, stateJSON)
	if err != nil {
		return fmt.Errorf("storage: open position: %w", err)
	}
	return nil
}

func (l *postgresPositionLedger) UpdatePosition(ctx context.Context, id string, state exits.TrailingState) error {
	stateJSON, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("storage: marshal trailing state: %w", err)
	}
	query := fmt.Sprintf(`UPDATE %s SET trailing_state = $2 WHERE id = $1 AND status = 'open'`,
		l.store.qualify("positions"))
	res, err := l.store.db.ExecContext(ctx, query, id, stateJSON)
	if err != nil {
		return fmt.Errorf("storage: update position: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("storage: position %s not open", id)
	}
	return nil
}

func (l *postgresPositionLedger) ClosePosition(ctx context.Context, pos position.Position) error {
	query := fmt.Sprintf(`UPDATE %s SET status = 'closed', exit_bar_index = $2,
		exit_timestamp = $3, exit_price = $4, exit_reason = $5, exit_fees = $6,
		realized_pnl = $7, realized_r = $8
		WHERE id = $1 AND status = 'open'`, l.store.qualify("positions"))
	res, err := l.store.db.ExecContext(ctx, query,
		pos.ID, pos.ExitBarIndex, pos.ExitTimestamp, pos.ExitPrice, pos.ExitReason.String(),
		pos.ExitFees, pos.RealizedPnL, pos.RealizedR)
	if err != nil {
		return fmt.Errorf("storage: close position: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrAlreadyClosed
	}
	return nil
}

func (l *postgresPositionLedger) GetOpenPositions(ctx context.Context, runID string) ([]position.Position, error) {
	query := fmt.Sprintf(`
		SELECT id, run_id, candidate_id, symbol, direction, entry_bar_index, entry_timestamp,
			entry_price, size_units, size_quote, entry_fees, atr_at_entry, exit_spec, trailing_state
		FROM %s WHERE run_id = $1 AND status = 'open' ORDER BY entry_timestamp ASC`,
		l.store.qualify("positions"))
	rows, err := l.store.db.QueryxContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("storage: get open positions: %w", err)
	}
	defer rows.Close()

	var out []position.Position
	for rows.Next() {
		pos, err := scanOpenPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, pos)
	}
	return out, rows.Err()
}

func (l *postgresPositionLedger) GetAll(ctx context.Context, runID string) (<-chan position.Position, <-chan error) {
	out := make(chan position.Position)
	errc := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errc)

		query := fmt.Sprintf(`
			SELECT id, run_id, candidate_id, symbol, direction, entry_bar_index, entry_timestamp,
				entry_price, size_units, size_quote, entry_fees, atr_at_entry, exit_spec, trailing_state,
				status, exit_bar_index, exit_timestamp, exit_price, exit_reason, exit_fees,
				realized_pnl, realized_r
			FROM %s WHERE run_id = $1 ORDER BY entry_timestamp ASC`, l.store.qualify("positions"))
		rows, err := l.store.db.QueryxContext(ctx, query, runID)
		if err != nil {
			errc <- fmt.Errorf("storage: get all positions: %w", err)
			return
		}
		defer rows.Close()

		for rows.Next() {
			pos, err := scanFullPosition(rows)
			if err != nil {
				errc <- err
				return
			}
			select {
			case out <- pos:
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

func scanOpenPosition(rows sqlRows) (position.Position, error) {
	var pos position.Position
	var direction string
	var exitJSON, stateJSON []byte
	if err := rows.Scan(&pos.ID, &pos.RunID, &pos.CandidateID, &pos.Symbol, &direction,
		&pos.EntryBarIndex, &pos.EntryTimestamp, &pos.EntryPrice, &pos.SizeUnits, &pos.SizeQuote,
		&pos.EntryFees, &pos.ATRAtEntry, &exitJSON, &stateJSON); err != nil {
		return pos, fmt.Errorf("storage: scan position: %w", err)
	}
	pos.Direction = playbook.Direction(direction)
	pos.Open = true
	if err := json.Unmarshal(exitJSON, &pos.ExitSpec); err != nil {
		return pos, fmt.Errorf("storage: unmarshal exit spec: %w", err)
	}
	if err := json.Unmarshal(stateJSON, &pos.State); err != nil {
		return pos, fmt.Errorf("storage: unmarshal trailing state: %w", err)
	}
	return pos, nil
}

func scanFullPosition(rows sqlRows) (position.Position, error) {
	var pos position.Position
	var direction, status string
	var exitJSON, stateJSON []byte
	var exitBarIndex sql.NullInt64
	var exitTimestamp sql.NullTime
	var exitPrice, exitFees, realizedPnL, realizedR sql.NullFloat64
	var exitReason sql.NullString

	if err := rows.Scan(&pos.ID, &pos.RunID, &pos.CandidateID, &pos.Symbol, &direction,
		&pos.EntryBarIndex, &pos.EntryTimestamp, &pos.EntryPrice, &pos.SizeUnits, &pos.SizeQuote,
		&pos.EntryFees, &pos.ATRAtEntry, &exitJSON, &stateJSON, &status,
		&exitBarIndex, &exitTimestamp, &exitPrice, &exitReason, &exitFees,
		&realizedPnL, &realizedR); err != nil {
		return pos, fmt.Errorf("storage: scan position: %w", err)
	}

	pos.Direction = playbook.Direction(direction)
	pos.Open = status == "open"
	if err := json.Unmarshal(exitJSON, &pos.ExitSpec); err != nil {
		return pos, fmt.Errorf("storage: unmarshal exit spec: %w", err)
	}
	if err := json.Unmarshal(stateJSON, &pos.State); err != nil {
		return pos, fmt.Errorf("storage: unmarshal trailing state: %w", err)
	}
	if !pos.Open {
		pos.ExitBarIndex = int(exitBarIndex.Int64)
		pos.ExitTimestamp = exitTimestamp.Time
		pos.ExitPrice = exitPrice.Float64
		pos.ExitFees = exitFees.Float64
		pos.RealizedPnL = realizedPnL.Float64
		pos.RealizedR = realizedR.Float64
		pos.ExitReason = reasonFromString(exitReason.String)
	}
	return pos, nil
}

func reasonFromString(s string) exits.Reason {
	switch s {
	case "stop_loss":
		return exits.StopLoss
	case "trailing_stop":
		return exits.TrailingStop
	case "take_profit":
		return exits.TakeProfit
	case "time_stop":
		return exits.TimeStop
	default:
		return exits.NoExit
	}
}

// sqlRows abstracts over *sqlx.Rows so the two scan helpers above work for
// both QueryxContext call sites without depending on the concrete type.
type sqlRows interface {
	Scan(dest ...any) error
}
