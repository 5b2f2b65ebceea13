package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

const positionColumns = `id, account_id, symbol, position_side, quantity, entry_price,
	avg_entry_price, leverage, notional_value, margin, open_time, close_time,
	stop_loss_price, take_profit_price, entry_signal_type, entry_reason, entry_score,
	signal_components, max_hold_minutes, timeout_at, status, realized_pnl, notes, updated_at`

func scanPosition(row pgx.Row) (*FuturesPosition, error) {
	p := &FuturesPosition{}
	var components []byte
	err := row.Scan(
		&p.ID, &p.AccountID, &p.Symbol, &p.PositionSide, &p.Quantity, &p.EntryPrice,
		&p.AvgEntryPrice, &p.Leverage, &p.NotionalValue, &p.Margin, &p.OpenTime, &p.CloseTime,
		&p.StopLossPrice, &p.TakeProfitPrice, &p.EntrySignalType, &p.EntryReason, &p.EntryScore,
		&components, &p.MaxHoldMinutes, &p.TimeoutAt, &p.Status, &p.RealizedPnL, &p.Notes, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(components) > 0 {
		if err := json.Unmarshal(components, &p.SignalComponents); err != nil {
			return nil, fmt.Errorf("failed to decode signal components: %w", err)
		}
	}
	return p, nil
}

// GetPositionByID retrieves one position.
func (db *DB) GetPositionByID(ctx context.Context, id int64) (*FuturesPosition, error) {
	query := `SELECT ` + positionColumns + ` FROM futures_positions WHERE id = $1`
	p, err := scanPosition(db.Pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get position %d: %w", id, err)
	}
	return p, nil
}

// GetActivePositions retrieves all building and open positions for an account.
func (db *DB) GetActivePositions(ctx context.Context, accountID int64) ([]*FuturesPosition, error) {
	query := `SELECT ` + positionColumns + ` FROM futures_positions
		WHERE account_id = $1 AND status IN ('building', 'open')
		ORDER BY open_time`
	rows, err := db.Pool.Query(ctx, query, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to query active positions: %w", err)
	}
	defer rows.Close()

	var positions []*FuturesPosition
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan position: %w", err)
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// GetActivePosition retrieves the single active position for (symbol, side),
// or nil when none exists.
func (db *DB) GetActivePosition(ctx context.Context, accountID int64, symbol, side string) (*FuturesPosition, error) {
	query := `SELECT ` + positionColumns + ` FROM futures_positions
		WHERE account_id = $1 AND symbol = $2 AND position_side = $3
		  AND status IN ('building', 'open')
		LIMIT 1`
	p, err := scanPosition(db.Pool.QueryRow(ctx, query, accountID, symbol, side))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get active position %s %s: %w", symbol, side, err)
	}
	return p, nil
}

// GetClosedPositionsSince retrieves positions closed at or after the cutoff,
// oldest first. The optimizer mines these for realized outcomes.
func (db *DB) GetClosedPositionsSince(ctx context.Context, accountID int64, since time.Time) ([]*FuturesPosition, error) {
	query := `SELECT ` + positionColumns + ` FROM futures_positions
		WHERE account_id = $1 AND status = 'closed' AND close_time >= $2
		ORDER BY close_time`
	rows, err := db.Pool.Query(ctx, query, accountID, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query closed positions: %w", err)
	}
	defer rows.Close()

	var positions []*FuturesPosition
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan position: %w", err)
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// HasBuildingPositions reports whether any batched entry is still in flight.
// Mode switches are forbidden while one exists.
func (db *DB) HasBuildingPositions(ctx context.Context, accountID int64) (bool, error) {
	var count int
	err := db.Pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM futures_positions WHERE account_id = $1 AND status = 'building'`,
		accountID,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to count building positions: %w", err)
	}
	return count > 0, nil
}

// GetLastCloseTime returns the latest close time for (symbol, side), used for
// the post-close re-entry cooldown. Zero time when the pair never closed.
func (db *DB) GetLastCloseTime(ctx context.Context, accountID int64, symbol, side string) (time.Time, error) {
	var closeTime *time.Time
	err := db.Pool.QueryRow(ctx,
		`SELECT MAX(close_time) FROM futures_positions
		 WHERE account_id = $1 AND symbol = $2 AND position_side = $3 AND status = 'closed'`,
		accountID, symbol, side,
	).Scan(&closeTime)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to get last close time: %w", err)
	}
	if closeTime == nil {
		return time.Time{}, nil
	}
	return *closeTime, nil
}

// UpdateStopLoss persists a new stop-loss price (trailing ratchet) and appends
// an audit note.
func (db *DB) UpdateStopLoss(ctx context.Context, positionID int64, stopLoss float64, note string) error {
	_, err := db.Pool.Exec(ctx,
		`UPDATE futures_positions
		 SET stop_loss_price = $2,
		     notes = notes || $3,
		     updated_at = NOW()
		 WHERE id = $1 AND status IN ('building', 'open')`,
		positionID, stopLoss, noteLine(note),
	)
	if err != nil {
		return fmt.Errorf("failed to update stop loss for position %d: %w", positionID, err)
	}
	return nil
}

// AppendPositionNote appends one line to the position audit trail.
func (db *DB) AppendPositionNote(ctx context.Context, positionID int64, note string) error {
	_, err := db.Pool.Exec(ctx,
		`UPDATE futures_positions SET notes = notes || $2, updated_at = NOW() WHERE id = $1`,
		positionID, noteLine(note),
	)
	if err != nil {
		return fmt.Errorf("failed to append note to position %d: %w", positionID, err)
	}
	return nil
}

// AbandonEmptyPosition closes a building position that never received a
// fill. No money moved, so no order or trade row is written.
func (db *DB) AbandonEmptyPosition(ctx context.Context, positionID int64, reason string) error {
	_, err := db.Pool.Exec(ctx,
		`UPDATE futures_positions
		 SET status = 'closed', close_time = NOW(), notes = notes || $2, updated_at = NOW()
		 WHERE id = $1 AND status = 'building' AND quantity = 0`,
		positionID, noteLine(reason),
	)
	if err != nil {
		return fmt.Errorf("failed to abandon position %d: %w", positionID, err)
	}
	return nil
}

// noteLine timestamps one audit-trail line. Notes are append-only.
func noteLine(note string) string {
	return fmt.Sprintf("[%s] %s\n", time.Now().UTC().Format("2006-01-02 15:04:05"), note)
}
