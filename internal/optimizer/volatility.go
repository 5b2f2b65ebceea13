package optimizer

import (
	"context"
	"math"
	"time"

	"futures-trading-engine/internal/database"
)

// Volatility profiling over one day of 15m candles.
const (
	profileCandles   = 96 // 24h of 15m
	minProfileMoves  = 10
	tpExpansion      = 4.0 // average 15m body to multi-hour target
	fixedTPFloorPct  = 1.5
	fixedTPCeilPct   = 6.0
)

// refreshVolatilityProfiles recomputes per-symbol fixed take-profit
// percentages from 15m candle statistics, separately for long (up candles)
// and short (down candles) targets. Runs regardless of auto-apply: profiles
// describe the market, not the strategy.
func (o *Optimizer) refreshVolatilityProfiles(ctx context.Context, positions []*database.FuturesPosition) int {
	symbols := map[string]bool{}
	for _, p := range positions {
		symbols[p.Symbol] = true
	}

	refreshed := 0
	for symbol := range symbols {
		klines, err := o.store.GetKlines(ctx, symbol, "15m", profileCandles)
		if err != nil {
			o.log.Warn("volatility profile skipped", "symbol", symbol, "error", err.Error())
			continue
		}

		var upSum, downSum float64
		var upCount, downCount int
		for _, k := range klines {
			if k.Open == 0 {
				continue
			}
			bodyPct := math.Abs(k.Close-k.Open) / k.Open * 100
			if k.Close > k.Open {
				upSum += bodyPct
				upCount++
			} else if k.Close < k.Open {
				downSum += bodyPct
				downCount++
			}
		}
		if upCount < minProfileMoves || downCount < minProfileMoves {
			continue
		}

		profile := &database.VolatilityProfile{
			Symbol:          symbol,
			LongFixedTPPct:  clamp(upSum/float64(upCount)*tpExpansion, fixedTPFloorPct, fixedTPCeilPct),
			ShortFixedTPPct: clamp(downSum/float64(downCount)*tpExpansion, fixedTPFloorPct, fixedTPCeilPct),
			SampleCount:     upCount + downCount,
			UpdatedAt:       time.Now().UTC(),
		}
		if err := o.store.UpsertVolatilityProfile(ctx, profile); err != nil {
			o.log.Warn("volatility profile write failed", "symbol", symbol, "error", err.Error())
			continue
		}
		refreshed++
	}
	return refreshed
}
