package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

// Every operation in this file is one business transaction: the money
// mutation and the rows that justify it commit or roll back together.
// Balance arithmetic runs through decimal so repeated partial closes cannot
// drift the available/frozen split.

// OpenParams describes a new position plus its first fill.
type OpenParams struct {
	AccountID        int64
	Symbol           string
	PositionSide     string // LONG or SHORT
	Quantity         float64
	Price            float64
	Leverage         int
	Margin           float64
	StopLossPrice    *float64
	TakeProfitPrice  *float64
	EntrySignalType  string
	EntryReason      string
	EntryScore       float64
	SignalComponents []string
	MaxHoldMinutes   int
	TimeoutAt        *time.Time
	Building         bool // batched entry creates the row in building status
	Fee              float64
	FeeRate          float64
	OrderSource      string
	Note             string
}

// OpenPositionTx inserts a position with its entry order and trade, and moves
// margin from available to frozen, in one transaction. The uniqueness
// invariant (one active position per account/symbol/side) is enforced inside
// the same transaction as the insert.
func (db *DB) OpenPositionTx(ctx context.Context, p OpenParams) (*FuturesPosition, error) {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin open transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	// Lock the account row for the balance mutation.
	var available, frozen decimal.Decimal
	err = tx.QueryRow(ctx,
		`SELECT current_balance, frozen_balance FROM futures_trading_accounts WHERE id = $1 FOR UPDATE`,
		p.AccountID,
	).Scan(&available, &frozen)
	if err != nil {
		return nil, fmt.Errorf("failed to lock account %d: %w", p.AccountID, err)
	}

	margin := decimal.NewFromFloat(p.Margin)
	fee := decimal.NewFromFloat(p.Fee)
	debit := margin.Add(fee)
	if available.LessThan(debit) {
		return nil, ErrInsufficientBalance
	}

	// Uniqueness check inside the transaction.
	var existing int
	err = tx.QueryRow(ctx,
		`SELECT COUNT(*) FROM futures_positions
		 WHERE account_id = $1 AND symbol = $2 AND position_side = $3
		   AND status IN ('building', 'open') FOR UPDATE`,
		p.AccountID, p.Symbol, p.PositionSide,
	).Scan(&existing)
	if err != nil {
		return nil, fmt.Errorf("failed to check active positions: %w", err)
	}
	if existing > 0 {
		return nil, ErrDuplicatePosition
	}

	now := time.Now().UTC()
	status := PositionStatusOpen
	if p.Building {
		status = PositionStatusBuilding
	}
	notional := decimal.NewFromFloat(p.Quantity).Mul(decimal.NewFromFloat(p.Price))
	components, err := json.Marshal(p.SignalComponents)
	if err != nil {
		return nil, fmt.Errorf("failed to encode signal components: %w", err)
	}

	pos := &FuturesPosition{
		AccountID:        p.AccountID,
		Symbol:           p.Symbol,
		PositionSide:     p.PositionSide,
		Quantity:         p.Quantity,
		EntryPrice:       p.Price,
		AvgEntryPrice:    p.Price,
		Leverage:         p.Leverage,
		NotionalValue:    notional.InexactFloat64(),
		Margin:           p.Margin,
		OpenTime:         now,
		StopLossPrice:    p.StopLossPrice,
		TakeProfitPrice:  p.TakeProfitPrice,
		EntrySignalType:  p.EntrySignalType,
		EntryReason:      p.EntryReason,
		EntryScore:       p.EntryScore,
		SignalComponents: p.SignalComponents,
		MaxHoldMinutes:   p.MaxHoldMinutes,
		TimeoutAt:        p.TimeoutAt,
		Status:           status,
		UpdatedAt:        now,
	}

	err = tx.QueryRow(ctx,
		`INSERT INTO futures_positions (
			account_id, symbol, position_side, quantity, entry_price, avg_entry_price,
			leverage, notional_value, margin, open_time, stop_loss_price, take_profit_price,
			entry_signal_type, entry_reason, entry_score, signal_components,
			max_hold_minutes, timeout_at, status, realized_pnl, notes, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,0,$20,$21)
		RETURNING id`,
		p.AccountID, p.Symbol, p.PositionSide, p.Quantity, p.Price, p.Price,
		p.Leverage, pos.NotionalValue, p.Margin, now, p.StopLossPrice, p.TakeProfitPrice,
		p.EntrySignalType, p.EntryReason, p.EntryScore, components,
		p.MaxHoldMinutes, p.TimeoutAt, status, noteLine(p.Note), now,
	).Scan(&pos.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to insert position: %w", err)
	}

	// A batched entry may create the row empty; its first slice arrives as
	// a separate fill and carries the first debit.
	if p.Quantity > 0 {
		if err := insertFill(ctx, tx, pos, fillParams{
			side:        p.PositionSide,
			price:       p.Price,
			quantity:    p.Quantity,
			fee:         p.Fee,
			feeRate:     p.FeeRate,
			orderSource: p.OrderSource,
			note:        p.Note,
			fillTime:    now,
		}); err != nil {
			return nil, err
		}

		_, err = tx.Exec(ctx,
			`UPDATE futures_trading_accounts
			 SET current_balance = $2, frozen_balance = $3, updated_at = NOW()
			 WHERE id = $1`,
			p.AccountID, available.Sub(debit), frozen.Add(margin),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to debit account: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit open transaction: %w", err)
	}
	return pos, nil
}

// FillParams describes one batched-entry slice appended to a building position.
type FillParams struct {
	PositionID  int64
	Price       float64
	Quantity    float64
	Margin      float64
	Fee         float64
	FeeRate     float64
	OrderSource string
	Note        string
	// Promote moves the position from building to open. The first slice of
	// a batched entry always promotes.
	Promote bool
}

// AppendFillTx adds one slice to a building (or open) position: raises
// quantity, recomputes the volume-weighted average entry, moves slice margin
// from available to frozen, and records the fill.
func (db *DB) AppendFillTx(ctx context.Context, p FillParams) (*FuturesPosition, error) {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin fill transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	pos, err := lockPosition(ctx, tx, p.PositionID)
	if err != nil {
		return nil, err
	}
	if pos.Status == PositionStatusClosed {
		return nil, ErrPositionClosed
	}

	var available, frozen decimal.Decimal
	err = tx.QueryRow(ctx,
		`SELECT current_balance, frozen_balance FROM futures_trading_accounts WHERE id = $1 FOR UPDATE`,
		pos.AccountID,
	).Scan(&available, &frozen)
	if err != nil {
		return nil, fmt.Errorf("failed to lock account %d: %w", pos.AccountID, err)
	}

	sliceMargin := decimal.NewFromFloat(p.Margin)
	fee := decimal.NewFromFloat(p.Fee)
	debit := sliceMargin.Add(fee)
	if available.LessThan(debit) {
		return nil, ErrInsufficientBalance
	}

	oldQty := decimal.NewFromFloat(pos.Quantity)
	addQty := decimal.NewFromFloat(p.Quantity)
	newQty := oldQty.Add(addQty)
	// Volume-weighted average entry across slices.
	oldCost := oldQty.Mul(decimal.NewFromFloat(pos.AvgEntryPrice))
	addCost := addQty.Mul(decimal.NewFromFloat(p.Price))
	newAvg := oldCost.Add(addCost).Div(newQty)
	newMargin := decimal.NewFromFloat(pos.Margin).Add(sliceMargin)
	newNotional := newQty.Mul(newAvg)

	status := pos.Status
	if p.Promote && status == PositionStatusBuilding {
		status = PositionStatusOpen
	}

	now := time.Now().UTC()
	_, err = tx.Exec(ctx,
		`UPDATE futures_positions
		 SET quantity = $2, avg_entry_price = $3, margin = $4, notional_value = $5,
		     status = $6, notes = notes || $7, updated_at = $8
		 WHERE id = $1`,
		pos.ID, newQty, newAvg, newMargin, newNotional, status, noteLine(p.Note), now,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update position for fill: %w", err)
	}

	if err := insertFill(ctx, tx, pos, fillParams{
		side:        pos.PositionSide,
		price:       p.Price,
		quantity:    p.Quantity,
		fee:         p.Fee,
		feeRate:     p.FeeRate,
		orderSource: p.OrderSource,
		note:        p.Note,
		fillTime:    now,
	}); err != nil {
		return nil, err
	}

	_, err = tx.Exec(ctx,
		`UPDATE futures_trading_accounts
		 SET current_balance = $2, frozen_balance = $3, updated_at = NOW()
		 WHERE id = $1`,
		pos.AccountID, available.Sub(debit), frozen.Add(sliceMargin),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to debit account for fill: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit fill transaction: %w", err)
	}

	pos.Quantity = newQty.InexactFloat64()
	pos.AvgEntryPrice = newAvg.InexactFloat64()
	pos.Margin = newMargin.InexactFloat64()
	pos.NotionalValue = newNotional.InexactFloat64()
	pos.Status = status
	pos.UpdatedAt = now
	return pos, nil
}

// CloseParams describes a (partial or full) close request.
type CloseParams struct {
	PositionID int64
	Price      float64
	// Fraction in (0, 1]; 1 closes the whole position.
	Fraction float64
	Reason   string
	FeeRate  float64
	// MinMarginFloor upgrades a partial close to a full close when the
	// residual margin would drop below it.
	MinMarginFloor float64
	OrderSource    string
}

// CloseResult reports what the close transaction actually did.
type CloseResult struct {
	// NoOp is true when the position was already closed by another writer.
	NoOp           bool
	FullClose      bool
	ClosedQuantity float64
	MarginReleased float64
	RealizedPnL    float64
	PnLPct         float64
	Fee            float64
	OrderID        string
	Position       *FuturesPosition
}

// ClosePositionTx executes a partial or full close: updates the position row,
// inserts exactly one close order and one trade, credits margin plus realized
// P&L back to available, and on full close bumps the account win/loss
// counters. Racing against an already-closed position yields a no-op result.
func (db *DB) ClosePositionTx(ctx context.Context, p CloseParams) (*CloseResult, error) {
	if p.Fraction <= 0 || p.Fraction > 1 {
		return nil, fmt.Errorf("close fraction %.4f out of range (0, 1]", p.Fraction)
	}

	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin close transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	pos, err := lockPosition(ctx, tx, p.PositionID)
	if err != nil {
		return nil, err
	}
	if pos.Status == PositionStatusClosed {
		// The first writer won; this close becomes a no-op.
		return &CloseResult{NoOp: true, Position: pos}, nil
	}

	var available, frozen decimal.Decimal
	var realizedAcc decimal.Decimal
	var totalTrades, winningTrades, losingTrades int
	err = tx.QueryRow(ctx,
		`SELECT current_balance, frozen_balance, realized_pnl, total_trades, winning_trades, losing_trades
		 FROM futures_trading_accounts WHERE id = $1 FOR UPDATE`,
		pos.AccountID,
	).Scan(&available, &frozen, &realizedAcc, &totalTrades, &winningTrades, &losingTrades)
	if err != nil {
		return nil, fmt.Errorf("failed to lock account %d: %w", pos.AccountID, err)
	}

	qty := decimal.NewFromFloat(pos.Quantity)
	margin := decimal.NewFromFloat(pos.Margin)
	fraction := decimal.NewFromFloat(p.Fraction)

	closedQty := qty.Mul(fraction)
	releasedMargin := margin.Mul(fraction)
	fullClose := p.Fraction == 1

	// Upgrade to full when the residue would be dust.
	if !fullClose {
		residual := margin.Sub(releasedMargin)
		if residual.LessThan(decimal.NewFromFloat(p.MinMarginFloor)) {
			fullClose = true
			closedQty = qty
			releasedMargin = margin
		}
	}

	price := decimal.NewFromFloat(p.Price)
	avgEntry := decimal.NewFromFloat(pos.AvgEntryPrice)
	var pnl decimal.Decimal
	if pos.PositionSide == SideLong {
		pnl = price.Sub(avgEntry).Mul(closedQty)
	} else {
		pnl = avgEntry.Sub(price).Mul(closedQty)
	}
	notional := closedQty.Mul(price)
	fee := notional.Mul(decimal.NewFromFloat(p.FeeRate))
	pnlPct := decimal.Zero
	if !releasedMargin.IsZero() {
		pnlPct = pnl.Div(releasedMargin).Mul(decimal.NewFromInt(100))
	}

	now := time.Now().UTC()
	closeSide := SideCloseLong
	if pos.PositionSide == SideShort {
		closeSide = SideCloseShort
	}

	newQty := qty.Sub(closedQty)
	newMargin := margin.Sub(releasedMargin)
	newRealized := decimal.NewFromFloat(pos.RealizedPnL).Add(pnl)
	status := pos.Status
	var closeTime *time.Time
	if fullClose {
		status = PositionStatusClosed
		newQty = decimal.Zero
		newMargin = decimal.Zero
		closeTime = &now
	}

	note := fmt.Sprintf("close %.0f%% @ %.8f: %s (pnl=%s)", p.Fraction*100, p.Price, p.Reason, pnl.StringFixed(4))
	_, err = tx.Exec(ctx,
		`UPDATE futures_positions
		 SET quantity = $2, margin = $3, status = $4, close_time = $5,
		     realized_pnl = $6, notes = notes || $7, updated_at = $8
		 WHERE id = $1`,
		pos.ID, newQty, newMargin, status, closeTime, newRealized, noteLine(note), now,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update position on close: %w", err)
	}

	pnlF := pnl.InexactFloat64()
	pnlPctF := pnlPct.InexactFloat64()
	orderID := uuid.NewString()
	tradeID := uuid.NewString()
	_, err = tx.Exec(ctx,
		`INSERT INTO futures_orders (
			order_id, account_id, position_id, symbol, side, order_type, leverage,
			price, quantity, executed_quantity, total_value, executed_value,
			fee, fee_rate, status, avg_fill_price, fill_time, realized_pnl, pnl_pct,
			order_source, notes
		) VALUES ($1,$2,$3,$4,$5,'MARKET',$6,$7,$8,$8,$9,$9,$10,$11,'FILLED',$7,$12,$13,$14,$15,$16)`,
		orderID, pos.AccountID, pos.ID, pos.Symbol, closeSide, pos.Leverage,
		p.Price, closedQty, notional, fee, p.FeeRate, now, pnlF, pnlPctF,
		p.OrderSource, p.Reason,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert close order: %w", err)
	}

	roi := pnlPctF
	_, err = tx.Exec(ctx,
		`INSERT INTO futures_trades (
			trade_id, position_id, account_id, symbol, side, price, quantity,
			notional_value, leverage, margin, fee, realized_pnl, pnl_pct, roi,
			entry_price, close_price, order_id, trade_time, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$18)`,
		tradeID, pos.ID, pos.AccountID, pos.Symbol, closeSide, p.Price, closedQty,
		notional, pos.Leverage, releasedMargin, fee, pnlF, pnlPctF, roi,
		pos.AvgEntryPrice, p.Price, orderID, now,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert close trade: %w", err)
	}

	// Margin comes back to available along with the realized P&L, minus fee.
	credit := releasedMargin.Add(pnl).Sub(fee)
	newAvailable := available.Add(credit)
	newFrozen := frozen.Sub(releasedMargin)

	if fullClose {
		totalTrades++
		if newRealized.GreaterThan(decimal.Zero) {
			winningTrades++
		} else {
			losingTrades++
		}
	}
	winRate := 0.0
	if totalTrades > 0 {
		winRate = float64(winningTrades) / float64(totalTrades) * 100
	}

	_, err = tx.Exec(ctx,
		`UPDATE futures_trading_accounts
		 SET current_balance = $2, frozen_balance = $3, realized_pnl = $4,
		     total_trades = $5, winning_trades = $6, losing_trades = $7,
		     win_rate = $8, updated_at = NOW()
		 WHERE id = $1`,
		pos.AccountID, newAvailable, newFrozen, realizedAcc.Add(pnl).Sub(fee),
		totalTrades, winningTrades, losingTrades, winRate,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to credit account on close: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit close transaction: %w", err)
	}

	pos.Quantity = newQty.InexactFloat64()
	pos.Margin = newMargin.InexactFloat64()
	pos.Status = status
	pos.CloseTime = closeTime
	pos.RealizedPnL = newRealized.InexactFloat64()
	pos.UpdatedAt = now

	return &CloseResult{
		FullClose:      fullClose,
		ClosedQuantity: closedQty.InexactFloat64(),
		MarginReleased: releasedMargin.InexactFloat64(),
		RealizedPnL:    pnlF,
		PnLPct:         pnlPctF,
		Fee:            fee.InexactFloat64(),
		OrderID:        orderID,
		Position:       pos,
	}, nil
}

// lockPosition reads a position FOR UPDATE inside an open transaction.
func lockPosition(ctx context.Context, tx pgx.Tx, id int64) (*FuturesPosition, error) {
	query := `SELECT ` + positionColumns + ` FROM futures_positions WHERE id = $1 FOR UPDATE`
	pos, err := scanPosition(tx.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to lock position %d: %w", id, err)
	}
	return pos, nil
}

type fillParams struct {
	side        string
	price       float64
	quantity    float64
	fee         float64
	feeRate     float64
	orderSource string
	note        string
	fillTime    time.Time
}

// insertFill records one open-side order and its mirror trade.
func insertFill(ctx context.Context, tx pgx.Tx, pos *FuturesPosition, f fillParams) error {
	notional := decimal.NewFromFloat(f.quantity).Mul(decimal.NewFromFloat(f.price))
	orderID := uuid.NewString()
	_, err := tx.Exec(ctx,
		`INSERT INTO futures_orders (
			order_id, account_id, position_id, symbol, side, order_type, leverage,
			price, quantity, executed_quantity, total_value, executed_value,
			fee, fee_rate, status, avg_fill_price, fill_time, order_source, notes
		) VALUES ($1,$2,$3,$4,$5,'MARKET',$6,$7,$8,$8,$9,$9,$10,$11,'FILLED',$7,$12,$13,$14)`,
		orderID, pos.AccountID, pos.ID, pos.Symbol, f.side, pos.Leverage,
		f.price, f.quantity, notional, f.fee, f.feeRate, f.fillTime, f.orderSource, f.note,
	)
	if err != nil {
		return fmt.Errorf("failed to insert entry order: %w", err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO futures_trades (
			trade_id, position_id, account_id, symbol, side, price, quantity,
			notional_value, leverage, margin, fee, entry_price, order_id, trade_time, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$6,$12,$13,$13)`,
		uuid.NewString(), pos.ID, pos.AccountID, pos.Symbol, f.side, f.price, f.quantity,
		notional, pos.Leverage, notional.Div(decimal.NewFromInt(int64(pos.Leverage))), f.fee,
		orderID, f.fillTime,
	)
	if err != nil {
		return fmt.Errorf("failed to insert entry trade: %w", err)
	}
	return nil
}
