package trader

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"futures-trading-engine/internal/database"
	"futures-trading-engine/internal/events"
)

// fullClose funnels a complete close through the close transaction. Returns
// true when the position ended up closed, including the race where another
// writer closed it first.
func (m *MonitorManager) fullClose(ctx context.Context, pos *database.FuturesPosition,
	price float64, reason string, log zerolog.Logger) bool {

	m.cancelBuild(pos.ID)

	res, err := m.store.ClosePositionTx(ctx, database.CloseParams{
		PositionID:  pos.ID,
		Price:       price,
		Fraction:    1,
		Reason:      reason,
		FeeRate:     m.cfg.FeeRate,
		OrderSource: "exit_optimizer",
	})
	if err != nil {
		log.Error().Err(err).Str("reason", reason).Msg("full close failed")
		return false
	}
	if res.NoOp {
		log.Debug().Msg("close raced, position already closed")
		return true
	}

	log.Info().Str("reason", reason).Float64("price", price).
		Float64("pnl", res.RealizedPnL).Float64("pnl_pct", res.PnLPct).
		Msg("position closed")

	m.recordQuality(ctx, pos, res, log)
	m.publishClose(events.EventPositionClosed, pos, res, reason)
	return true
}

// partialClose takes one ladder rung off the table. The transaction upgrades
// to a full close when the residual margin would fall under the floor; the
// return value reports whether the position is now fully closed.
func (m *MonitorManager) partialClose(ctx context.Context, pos *database.FuturesPosition,
	price, fraction float64, rung int, log zerolog.Logger) bool {

	reason := ladderMarks[rung]
	res, err := m.store.ClosePositionTx(ctx, database.CloseParams{
		PositionID:     pos.ID,
		Price:          price,
		Fraction:       fraction,
		Reason:         reason,
		FeeRate:        m.cfg.FeeRate,
		MinMarginFloor: m.cfg.MarginFloor,
		OrderSource:    "exit_optimizer",
	})
	if err != nil {
		log.Error().Err(err).Str("reason", reason).Msg("partial close failed")
		return false
	}
	if res.NoOp {
		return true
	}

	if res.FullClose {
		log.Info().Str("reason", reason).Float64("pnl", res.RealizedPnL).
			Msg("partial close upgraded to full close at margin floor")
		m.recordQuality(ctx, pos, res, log)
		m.publishClose(events.EventPositionClosed, pos, res, reason)
		return true
	}

	log.Info().Str("reason", reason).Float64("fraction", fraction).
		Float64("pnl", res.RealizedPnL).Msg("partial close executed")
	m.publishClose(events.EventPartialClose, pos, res, reason)
	return false
}

// recordQuality folds one realized outcome into the quality statistics for
// the position's signal fingerprint and side. Runs only on full close.
func (m *MonitorManager) recordQuality(ctx context.Context, pos *database.FuturesPosition,
	res *database.CloseResult, log zerolog.Logger) {

	if pos.EntrySignalType == "" {
		return
	}
	stat, err := m.store.GetSignalQualityStat(ctx, pos.EntrySignalType, pos.PositionSide)
	if err != nil {
		log.Warn().Err(err).Msg("quality stat load failed")
		return
	}
	if stat == nil {
		stat = &database.SignalQualityStat{
			SignalType:   pos.EntrySignalType,
			PositionSide: pos.PositionSide,
		}
	}

	n := float64(stat.SampleCount)
	wins := stat.WinRate * n
	if res.RealizedPnL > 0 {
		wins++
	}
	stat.SampleCount++
	stat.WinRate = wins / float64(stat.SampleCount)
	stat.AvgPnL = (stat.AvgPnL*n + res.RealizedPnL) / float64(stat.SampleCount)
	stat.UpdatedAt = time.Now().UTC()

	if err := m.store.UpsertSignalQualityStat(ctx, stat); err != nil {
		log.Warn().Err(err).Msg("quality stat update failed")
	}
}

func (m *MonitorManager) publishClose(t events.EventType, pos *database.FuturesPosition,
	res *database.CloseResult, reason string) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(events.Event{
		Type: t,
		Data: map[string]interface{}{
			"position_id": pos.ID,
			"symbol":      pos.Symbol,
			"side":        pos.PositionSide,
			"reason":      reason,
			"pnl":         res.RealizedPnL,
			"pnl_pct":     res.PnLPct,
			"quantity":    res.ClosedQuantity,
		},
	})
}
