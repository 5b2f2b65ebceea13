package database

import (
	"context"
	"fmt"
	"time"
)

const orderColumns = `order_id, account_id, position_id, symbol, side, order_type, leverage,
	price, quantity, executed_quantity, total_value, executed_value, fee, fee_rate,
	status, avg_fill_price, fill_time, realized_pnl, pnl_pct, order_source, notes`

// GetRecentCloseOrders returns the most recent close-side orders for an
// account, newest first. The consecutive-stop-loss breaker inspects these.
func (db *DB) GetRecentCloseOrders(ctx context.Context, accountID int64, limit int) ([]*FuturesOrder, error) {
	query := `SELECT ` + orderColumns + ` FROM futures_orders
		WHERE account_id = $1 AND side IN ('CLOSE_LONG', 'CLOSE_SHORT')
		ORDER BY fill_time DESC
		LIMIT $2`
	rows, err := db.Pool.Query(ctx, query, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent close orders: %w", err)
	}
	defer rows.Close()

	var orders []*FuturesOrder
	for rows.Next() {
		o := &FuturesOrder{}
		err := rows.Scan(
			&o.OrderID, &o.AccountID, &o.PositionID, &o.Symbol, &o.Side, &o.OrderType, &o.Leverage,
			&o.Price, &o.Quantity, &o.ExecutedQuantity, &o.TotalValue, &o.ExecutedValue, &o.Fee, &o.FeeRate,
			&o.Status, &o.AvgFillPrice, &o.FillTime, &o.RealizedPnL, &o.PnLPct, &o.OrderSource, &o.Notes,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// GetOrdersForPosition returns all fill records for one position, oldest first.
func (db *DB) GetOrdersForPosition(ctx context.Context, positionID int64) ([]*FuturesOrder, error) {
	query := `SELECT ` + orderColumns + ` FROM futures_orders
		WHERE position_id = $1 ORDER BY fill_time`
	rows, err := db.Pool.Query(ctx, query, positionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query orders for position %d: %w", positionID, err)
	}
	defer rows.Close()

	var orders []*FuturesOrder
	for rows.Next() {
		o := &FuturesOrder{}
		err := rows.Scan(
			&o.OrderID, &o.AccountID, &o.PositionID, &o.Symbol, &o.Side, &o.OrderType, &o.Leverage,
			&o.Price, &o.Quantity, &o.ExecutedQuantity, &o.TotalValue, &o.ExecutedValue, &o.Fee, &o.FeeRate,
			&o.Status, &o.AvgFillPrice, &o.FillTime, &o.RealizedPnL, &o.PnLPct, &o.OrderSource, &o.Notes,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// GetTradesSince returns trades executed at or after the cutoff, oldest first.
// The adaptive optimizer mines these once per day.
func (db *DB) GetTradesSince(ctx context.Context, accountID int64, since time.Time) ([]*FuturesTrade, error) {
	query := `SELECT trade_id, position_id, account_id, symbol, side, price, quantity,
			notional_value, leverage, margin, fee, realized_pnl, pnl_pct, roi,
			entry_price, close_price, order_id, trade_time, created_at
		FROM futures_trades
		WHERE account_id = $1 AND trade_time >= $2
		ORDER BY trade_time`
	rows, err := db.Pool.Query(ctx, query, accountID, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query trades: %w", err)
	}
	defer rows.Close()

	var trades []*FuturesTrade
	for rows.Next() {
		t := &FuturesTrade{}
		err := rows.Scan(
			&t.TradeID, &t.PositionID, &t.AccountID, &t.Symbol, &t.Side, &t.Price, &t.Quantity,
			&t.NotionalValue, &t.Leverage, &t.Margin, &t.Fee, &t.RealizedPnL, &t.PnLPct, &t.ROI,
			&t.EntryPrice, &t.ClosePrice, &t.OrderID, &t.TradeTime, &t.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan trade: %w", err)
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// GetTradeForOrder fetches the trade row mirroring one order.
func (db *DB) GetTradeForOrder(ctx context.Context, orderID string) (*FuturesTrade, error) {
	query := `SELECT trade_id, position_id, account_id, symbol, side, price, quantity,
			notional_value, leverage, margin, fee, realized_pnl, pnl_pct, roi,
			entry_price, close_price, order_id, trade_time, created_at
		FROM futures_trades WHERE order_id = $1`
	t := &FuturesTrade{}
	err := db.Pool.QueryRow(ctx, query, orderID).Scan(
		&t.TradeID, &t.PositionID, &t.AccountID, &t.Symbol, &t.Side, &t.Price, &t.Quantity,
		&t.NotionalValue, &t.Leverage, &t.Margin, &t.Fee, &t.RealizedPnL, &t.PnLPct, &t.ROI,
		&t.EntryPrice, &t.ClosePrice, &t.OrderID, &t.TradeTime, &t.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get trade for order %s: %w", orderID, err)
	}
	return t, nil
}
