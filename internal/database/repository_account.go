package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// GetAccount retrieves the futures account snapshot.
func (db *DB) GetAccount(ctx context.Context, accountID int64) (*FuturesAccount, error) {
	a := &FuturesAccount{}
	err := db.Pool.QueryRow(ctx,
		`SELECT id, current_balance, frozen_balance, realized_pnl,
		        total_trades, winning_trades, losing_trades, win_rate, updated_at
		 FROM futures_trading_accounts WHERE id = $1`,
		accountID,
	).Scan(&a.ID, &a.CurrentBalance, &a.FrozenBalance, &a.RealizedPnL,
		&a.TotalTrades, &a.WinningTrades, &a.LosingTrades, &a.WinRate, &a.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get account %d: %w", accountID, err)
	}
	return a, nil
}

// EnsureAccount creates the account row with an initial balance if it does not
// exist yet. Idempotent; called once at startup.
func (db *DB) EnsureAccount(ctx context.Context, accountID int64, initialBalance float64) error {
	_, err := db.Pool.Exec(ctx,
		`INSERT INTO futures_trading_accounts (id, current_balance, frozen_balance, realized_pnl)
		 VALUES ($1, $2, 0, 0)
		 ON CONFLICT (id) DO NOTHING`,
		accountID, initialBalance,
	)
	if err != nil {
		return fmt.Errorf("failed to ensure account %d: %w", accountID, err)
	}
	return nil
}

// GetRealizedPnLSince sums realized P&L over closed positions in the window.
// The aggregate-loss circuit breaker polls this.
func (db *DB) GetRealizedPnLSince(ctx context.Context, accountID int64, since time.Time) (float64, error) {
	var total float64
	err := db.Pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(realized_pnl), 0) FROM futures_positions
		 WHERE account_id = $1 AND status = 'closed' AND close_time >= $2`,
		accountID, since,
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to sum realized pnl: %w", err)
	}
	return total, nil
}
