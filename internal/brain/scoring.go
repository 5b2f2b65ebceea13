package brain

import (
	"futures-trading-engine/internal/database"
	"futures-trading-engine/internal/indicators"
	"futures-trading-engine/internal/market"
)

// Signal component names. The suffix carries the semantic used by the
// contradiction filter: *_bull/_up/_low components are bullish evidence,
// *_bear/_down/_high are bearish.
const (
	ComponentBreakoutStrong  = "breakout_strong"
	ComponentRangeLow72h     = "range_low_72h"
	ComponentRangeHigh72h    = "range_high_72h"
	ComponentMomentumUp      = "momentum_24h_up"
	ComponentMomentumDown    = "momentum_24h_down"
	ComponentTrend1hBull     = "trend_1h_bull"
	ComponentTrend1hBear     = "trend_1h_bear"
	ComponentVolatilityHigh  = "volatility_high"
	ComponentConsecutiveBull = "consecutive_bull_10h"
	ComponentConsecutiveBear = "consecutive_bear_10h"
	ComponentVolumePowerBull = "volume_power_bull"
	ComponentVolumePowerBear = "volume_power_bear"
	ComponentBreakoutHigh    = "breakout_high"
	ComponentBreakdownLow    = "breakdown_low"
)

// Raw component contributions before per-side weighting.
const (
	scoreBreakoutStrong = 50.0 // exclusive, skips everything else
	scoreRangeEdge      = 10.0
	scoreMomentum       = 8.0
	scoreTrend1h        = 8.0
	scoreVolatility     = 5.0
	scoreConsecutive    = 7.0
	scoreVolumePower    = 8.0
	scoreBreakout       = 12.0
)

// Scoring thresholds.
const (
	breakoutStrongMarginPct = 0.5 // % past the 24h extreme
	breakoutStrongMovePct   = 0.5 // % move of the triggering 15m candle
	breakoutStrongVolRatio  = 2.0
	rangeLowPct             = 30.0
	rangeHighPct            = 70.0
	momentumPct             = 3.0
	trendMajority           = 30 // of last 48 1h candles
	volatilityPct           = 5.0
	consecutiveNeeded       = 7 // of last 10 1h candles
	strongVolumeRatio       = 1.2
	volumePowerNetCount     = 3
	breakoutVolRatio        = 1.5
)

// BreakoutInfo carries the extras of a strong-breakout signal.
type BreakoutInfo struct {
	// Level is the broken 24h extreme; the stop-loss anchors here.
	Level float64
	// CloseOpposite asks the executor to flatten the opposite side first.
	CloseOpposite bool
}

// SideScore is one side's accumulated evidence.
type SideScore struct {
	Side       string
	Total      float64
	Components []string
}

// ScoreInput is the candle material one evaluation works on.
type ScoreInput struct {
	Symbol     string
	Candles1d  []market.Candle // >= 30
	Candles1h  []market.Candle // >= 72
	Candles15m []market.Candle // >= 48
	Price      float64
}

// ScoreResult is the outcome of scoring one symbol.
type ScoreResult struct {
	Long     SideScore
	Short    SideScore
	Breakout *BreakoutInfo // non-nil only for breakout_strong
}

// score evaluates both side scores. A strong breakout short-circuits all
// other components and yields a fixed-score single-component result.
func score(in ScoreInput, snap *Snapshot) ScoreResult {
	long := SideScore{Side: database.SideLong}
	short := SideScore{Side: database.SideShort}

	if side, info := detectStrongBreakout(in); info != nil {
		s := SideScore{
			Side:       side,
			Total:      scoreBreakoutStrong * snap.Weight(ComponentBreakoutStrong, side),
			Components: []string{ComponentBreakoutStrong},
		}
		r := ScoreResult{Breakout: info}
		if side == database.SideLong {
			r.Long = s
			r.Short = short
		} else {
			r.Long = long
			r.Short = s
		}
		return r
	}

	add := func(s *SideScore, component string, raw float64) {
		s.Total += raw * snap.Weight(component, s.Side)
		s.Components = append(s.Components, component)
	}

	// Position within the 72h range.
	pos72h := indicators.RangePosition(tail(in.Candles1h, 72))
	switch {
	case pos72h < rangeLowPct:
		add(&long, ComponentRangeLow72h, scoreRangeEdge)
	case pos72h > rangeHighPct:
		add(&short, ComponentRangeHigh72h, scoreRangeEdge)
	}

	// 24h momentum.
	if change := changePct(tail(in.Candles1h, 24)); change > momentumPct {
		add(&long, ComponentMomentumUp, scoreMomentum)
	} else if change < -momentumPct {
		add(&short, ComponentMomentumDown, scoreMomentum)
	}

	// 1h trend over the last 48 candles.
	bull1h, bear1h := candleCounts(tail(in.Candles1h, 48))
	if bull1h >= trendMajority {
		add(&long, ComponentTrend1hBull, scoreTrend1h)
	} else if bear1h >= trendMajority {
		add(&short, ComponentTrend1hBear, scoreTrend1h)
	}

	// 24h volatility feeds both sides equally.
	if vol := volatility24h(tail(in.Candles1h, 24), in.Price); vol > volatilityPct {
		add(&long, ComponentVolatilityHigh, scoreVolatility)
		add(&short, ComponentVolatilityHigh, scoreVolatility)
	}

	// Consecutive 10h directional bias with a moderate cumulative move.
	last10 := tail(in.Candles1h, 10)
	bull10, bear10 := candleCounts(last10)
	cum := changePct(last10)
	if bull10 >= consecutiveNeeded && cum > 0.5 && cum < 8 && pos72h < 85 {
		add(&long, ComponentConsecutiveBull, scoreConsecutive)
	} else if bear10 >= consecutiveNeeded && cum < -0.5 && cum > -8 && pos72h > 15 {
		add(&short, ComponentConsecutiveBear, scoreConsecutive)
	}

	// Volume-weighted power on 1h and 15m; agreement on both windows earns
	// the premium, a single window earns half.
	net1h := strongNet(tail(in.Candles1h, 24))
	net15m := strongNet(tail(in.Candles15m, 24))
	switch {
	case net1h >= volumePowerNetCount && net15m >= volumePowerNetCount:
		add(&long, ComponentVolumePowerBull, scoreVolumePower)
	case net1h <= -volumePowerNetCount && net15m <= -volumePowerNetCount:
		add(&short, ComponentVolumePowerBear, scoreVolumePower)
	case net1h >= volumePowerNetCount || net15m >= volumePowerNetCount:
		add(&long, ComponentVolumePowerBull, scoreVolumePower/2)
	case net1h <= -volumePowerNetCount || net15m <= -volumePowerNetCount:
		add(&short, ComponentVolumePowerBear, scoreVolumePower/2)
	}

	// Plain breakout through the 24h extreme with volume confirmation.
	high24, low24 := extremes(tail(in.Candles1h, 24))
	volRatio := indicators.VolumeRatio(in.Candles15m, 20)
	if in.Price > high24 && volRatio > breakoutVolRatio {
		add(&long, ComponentBreakoutHigh, scoreBreakout)
	} else if in.Price < low24 && volRatio > breakoutVolRatio {
		add(&short, ComponentBreakdownLow, scoreBreakout)
	}

	return ScoreResult{Long: long, Short: short}
}

// detectStrongBreakout checks the exclusive highest-priority component: the
// last 15m candle breaking the prior 24h extreme on an outsized volume.
func detectStrongBreakout(in ScoreInput) (string, *BreakoutInfo) {
	if len(in.Candles15m) < 2 || len(in.Candles1h) < 24 {
		return "", nil
	}
	last := in.Candles15m[len(in.Candles15m)-1]
	movePct := last.ChangePct()
	volRatio := indicators.VolumeRatio(in.Candles15m, 20)
	if volRatio <= breakoutStrongVolRatio {
		return "", nil
	}

	// Prior 24h extremes, excluding the candle that may be breaking them.
	high24, low24 := extremes(tail(in.Candles1h[:len(in.Candles1h)-1], 24))

	if high24 > 0 && last.Close >= high24*(1+breakoutStrongMarginPct/100) && movePct >= breakoutStrongMovePct {
		return database.SideLong, &BreakoutInfo{Level: high24, CloseOpposite: true}
	}
	if low24 > 0 && last.Close <= low24*(1-breakoutStrongMarginPct/100) && movePct <= -breakoutStrongMovePct {
		return database.SideShort, &BreakoutInfo{Level: low24, CloseOpposite: true}
	}
	return "", nil
}

func tail(candles []market.Candle, n int) []market.Candle {
	if len(candles) <= n {
		return candles
	}
	return candles[len(candles)-n:]
}

func changePct(candles []market.Candle) float64 {
	if len(candles) == 0 || candles[0].Open == 0 {
		return 0
	}
	return (candles[len(candles)-1].Close - candles[0].Open) / candles[0].Open * 100
}

func candleCounts(candles []market.Candle) (bullish, bearish int) {
	for _, c := range candles {
		switch {
		case c.Close > c.Open:
			bullish++
		case c.Close < c.Open:
			bearish++
		}
	}
	return bullish, bearish
}

func volatility24h(candles []market.Candle, price float64) float64 {
	if len(candles) == 0 || price == 0 {
		return 0
	}
	high, low := extremes(candles)
	return (high - low) / price * 100
}

func extremes(candles []market.Candle) (high, low float64) {
	if len(candles) == 0 {
		return 0, 0
	}
	high, low = candles[0].High, candles[0].Low
	for _, c := range candles[1:] {
		if c.High > high {
			high = c.High
		}
		if c.Low < low {
			low = c.Low
		}
	}
	return high, low
}

// strongNet counts volume-confirmed bullish candles minus bearish ones.
func strongNet(candles []market.Candle) int {
	if len(candles) == 0 {
		return 0
	}
	avgVol := 0.0
	for _, c := range candles {
		avgVol += c.Volume
	}
	avgVol /= float64(len(candles))
	if avgVol == 0 {
		return 0
	}

	net := 0
	for _, c := range candles {
		if c.Volume <= avgVol*strongVolumeRatio {
			continue
		}
		switch {
		case c.Close > c.Open:
			net++
		case c.Close < c.Open:
			net--
		}
	}
	return net
}
