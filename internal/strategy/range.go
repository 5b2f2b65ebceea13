package strategy

import (
	"context"
	"time"

	"futures-trading-engine/internal/brain"
	"futures-trading-engine/internal/database"
	"futures-trading-engine/internal/indicators"
	"futures-trading-engine/internal/logging"
	"futures-trading-engine/internal/market"
)

// Mean-reversion thresholds.
const (
	rsiOversold     = 25.0
	rsiOverbought   = 75.0
	bandTouchMargin = 0.2 // % distance from the band that still counts as a touch
	reversionScore  = 40.0
)

// MeanReversion fades moves back toward the Bollinger middle in range
// markets. The current core keeps it disabled: range mode pauses new entries,
// so the generator exists, is tested, and is switched off at the scan loop.
type MeanReversion struct {
	klines  market.KlineSource
	log     *logging.Logger
	Enabled bool
}

// NewMeanReversion builds the generator in its disabled default state.
func NewMeanReversion(klines market.KlineSource, log *logging.Logger) *MeanReversion {
	return &MeanReversion{klines: klines, log: log.WithComponent("range-strategy")}
}

func (m *MeanReversion) Name() string { return "mean_reversion" }

// Generate emits a reversal candidate on a band touch confirmed by RSI and
// KDJ extremes. Reversal candidates never use batched entry.
func (m *MeanReversion) Generate(ctx context.Context, symbol string, price float64) (*brain.Candidate, error) {
	if !m.Enabled {
		return nil, nil
	}

	candles, err := m.klines.GetKlines(ctx, symbol, market.Interval15m, 48)
	if err != nil {
		return nil, err
	}
	if len(candles) < 21 {
		return nil, nil
	}
	if price == 0 {
		price = candles[len(candles)-1].Close
	}

	bb := indicators.Bollinger(candles, 20, 2)
	rsi := indicators.RSI(candles, 14)
	kdj := indicators.KDJ(candles, 9, 3, 3)

	var side, component string
	switch {
	case price <= bb.Lower*(1+bandTouchMargin/100) && rsi < rsiOversold && kdj.J < 10:
		side, component = database.SideLong, "range_reversal_low"
	case price >= bb.Upper*(1-bandTouchMargin/100) && rsi > rsiOverbought && kdj.J > 90:
		side, component = database.SideShort, "range_reversal_high"
	default:
		return nil, nil
	}

	cand := &brain.Candidate{
		Symbol:       symbol,
		Side:         side,
		Score:        reversionScore,
		Price:        price,
		Components:   []string{component},
		Fingerprint:  component,
		AllowBatched: false,
		GeneratedAt:  time.Now().UTC(),
	}
	m.log.Info("reversion candidate", "symbol", symbol, "side", side, "rsi", rsi)
	return cand, nil
}
