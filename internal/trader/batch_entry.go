package trader

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"futures-trading-engine/internal/brain"
	"futures-trading-engine/internal/database"
	"futures-trading-engine/internal/events"
	"futures-trading-engine/internal/regime"
)

// batchBuild is one in-flight sliced entry.
type batchBuild struct {
	positionID int64
	symbol     string
	side       string
	canceled   atomic.Bool
}

// Cancel stops the build before its next slice.
func (b *batchBuild) Cancel() {
	b.canceled.Store(true)
}

// executeBatched creates the position in building status and releases the
// margin in slices over the horizon. The first slice promotes the position to
// open; a mid-build gate failure cancels the remaining slices.
func (e *EntryExecutor) executeBatched(ctx context.Context, cand *brain.Candidate, big4 *regime.Result, mode string) error {
	quote, err := e.gateway.Price(ctx, cand.Symbol)
	if err != nil {
		return fmt.Errorf("batch entry price for %s: %w", cand.Symbol, err)
	}

	total := e.size(cand, big4, quote.Price)
	stopLoss, takeProfit := e.protection(ctx, cand, quote.Price)
	timeoutAt := e.entryTimeout(cand.Score, mode, time.Now().UTC())

	pos, err := e.store.OpenPositionTx(ctx, database.OpenParams{
		AccountID:        e.cfg.AccountID,
		Symbol:           cand.Symbol,
		PositionSide:     cand.Side,
		Price:            quote.Price,
		Leverage:         e.cfg.Leverage,
		StopLossPrice:    &stopLoss,
		TakeProfitPrice:  &takeProfit,
		EntrySignalType:  cand.Fingerprint,
		EntryReason:      "分批建仓: " + cand.Fingerprint,
		EntryScore:       cand.Score,
		SignalComponents: cand.Components,
		MaxHoldMinutes:   int(timeoutAt.Sub(time.Now().UTC()).Minutes()),
		TimeoutAt:        &timeoutAt,
		Building:         true,
		OrderSource:      "batch:" + cand.Fingerprint,
		Note: fmt.Sprintf("分批建仓启动: 目标保证金%.2f, %d片",
			total.margin, e.cfg.BatchSlices),
	})
	if err != nil {
		return fmt.Errorf("failed to create building position %s %s: %w", cand.Symbol, cand.Side, err)
	}

	build := &batchBuild{positionID: pos.ID, symbol: pos.Symbol, side: pos.PositionSide}
	if e.monitors != nil {
		e.monitors.trackBuild(build)
	}

	go e.runBuild(build, total.margin, quote.Price)

	e.log.Info("batched entry started",
		"position_id", pos.ID, "symbol", pos.Symbol, "side", pos.PositionSide,
		"slices", e.cfg.BatchSlices, "target_margin", total.margin)
	if e.bus != nil {
		e.bus.Publish(events.Event{
			Type: events.EventPositionBuilding,
			Data: map[string]interface{}{
				"position_id": pos.ID,
				"symbol":      pos.Symbol,
				"side":        pos.PositionSide,
				"slices":      e.cfg.BatchSlices,
			},
		})
	}
	return nil
}

// runBuild fills slices until done or canceled. The first slice fills
// immediately; the rest are spaced evenly across the horizon.
func (e *EntryExecutor) runBuild(build *batchBuild, totalMargin, refPrice float64) {
	slices := e.cfg.BatchSlices
	sliceMargin := totalMargin / float64(slices)
	interval := e.cfg.BatchHorizon / time.Duration(slices)

	filled := 0
	for i := 0; i < slices; i++ {
		if i > 0 {
			time.Sleep(interval)
		}
		if build.canceled.Load() {
			break
		}

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		ok := e.fillSlice(ctx, build, sliceMargin, i+1, slices, filled == 0)
		cancel()
		if !ok {
			break
		}
		filled++
	}

	if filled == 0 {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := e.store.AbandonEmptyPosition(ctx, build.positionID, "分批建仓失败: 无任何成交"); err != nil {
			e.log.Warn("failed to abandon empty build", "position_id", build.positionID, "error", err.Error())
		}
		e.log.Warn("batched entry abandoned", "position_id", build.positionID)
	} else {
		e.log.Info("batched entry finished",
			"position_id", build.positionID, "filled_slices", filled, "of", slices)
	}
	if e.monitors != nil {
		e.monitors.untrackBuild(build.positionID)
	}
}

// fillSlice re-validates the gates and appends one fill. Returns false to
// cancel the remaining slices.
func (e *EntryExecutor) fillSlice(ctx context.Context, build *batchBuild, sliceMargin float64, n, of int, first bool) bool {
	// Gate re-validation: the symbol must still be tradable and unblocked.
	snap := e.snapshot.Current()
	if snap.Forbidden(build.symbol) {
		e.log.Info("build canceled: symbol rating dropped", "position_id", build.positionID)
		return false
	}
	if e.blocker != nil {
		if blocked, reason := e.blocker.IsEntryBlocked(build.side); blocked {
			e.log.Info("build canceled by entry block", "position_id", build.positionID, "reason", reason)
			return false
		}
	}

	quote, err := e.gateway.Price(ctx, build.symbol)
	if err != nil {
		e.log.Warn("build slice price failed", "position_id", build.positionID, "error", err.Error())
		return false
	}

	quantity := sliceMargin * float64(e.cfg.Leverage) / quote.Price
	_, err = e.store.AppendFillTx(ctx, database.FillParams{
		PositionID:  build.positionID,
		Price:       quote.Price,
		Quantity:    quantity,
		Margin:      sliceMargin,
		Fee:         sliceMargin * float64(e.cfg.Leverage) * takerFeeRate,
		FeeRate:     takerFeeRate,
		OrderSource: "batch_slice",
		Note:        fmt.Sprintf("分批建仓 %d/%d @ %.8f", n, of, quote.Price),
		Promote:     first,
	})
	if err != nil {
		e.log.Warn("build slice failed", "position_id", build.positionID, "error", err.Error())
		return false
	}

	if first {
		ctx2, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		pos, err := e.store.GetPositionByID(ctx2, build.positionID)
		cancel()
		if err == nil && e.monitors != nil {
			e.monitors.Watch(pos)
		}
	}
	return true
}
