package brain

import (
	"fmt"
	"sort"
	"strings"

	"futures-trading-engine/internal/database"
	"futures-trading-engine/internal/market"
)

// Component semantics for the contradiction filter.
var bullishComponents = map[string]bool{
	ComponentRangeLow72h:     true,
	ComponentMomentumUp:      true,
	ComponentTrend1hBull:     true,
	ComponentConsecutiveBull: true,
	ComponentVolumePowerBull: true,
	ComponentBreakoutHigh:    true,
}

var bearishComponents = map[string]bool{
	ComponentRangeHigh72h:    true,
	ComponentMomentumDown:    true,
	ComponentTrend1hBear:     true,
	ComponentConsecutiveBear: true,
	ComponentVolumePowerBear: true,
	ComponentBreakdownLow:    true,
}

// Fingerprint derives the signal identity: the sorted component list joined
// by "+". Quality statistics, blacklisting and the optimizer all key on it.
func Fingerprint(components []string) string {
	sorted := make([]string, len(components))
	copy(sorted, components)
	sort.Strings(sorted)
	return strings.Join(sorted, "+")
}

// stripContradictions removes components whose semantic opposes the chosen
// side. The breakout_strong fingerprint is exempt; it is already exclusive.
func stripContradictions(components []string, side string) []string {
	opposite := bearishComponents
	if side == database.SideShort {
		opposite = bullishComponents
	}
	kept := components[:0:0]
	for _, c := range components {
		if opposite[c] {
			continue
		}
		kept = append(kept, c)
	}
	return kept
}

// trendState classifies a candle window as bull, bear or neutral by simple
// candle-count majority.
func trendState(candles []market.Candle, majority int) string {
	bull, bear := candleCounts(candles)
	switch {
	case bull >= majority:
		return "bull"
	case bear >= majority:
		return "bear"
	}
	return "neutral"
}

// checkTimeframeConsistency rejects a side that fights the 1h or 1d trend.
// A neutral higher timeframe is always acceptable.
func checkTimeframeConsistency(side, trend1h, trend1d string) (string, bool) {
	if side == database.SideLong {
		if trend1h == "bear" {
			return "1小时趋势向下, 拒绝做多", false
		}
		if trend1d == "bear" {
			return "日线趋势向下, 拒绝做多", false
		}
	} else {
		if trend1h == "bull" {
			return "1小时趋势向上, 拒绝做空", false
		}
		if trend1d == "bull" {
			return "日线趋势向上, 拒绝做空", false
		}
	}
	return "", true
}

// Corroboration window for the position-extreme validation.
const validationWindow = 12

// validatePositionExtreme guards against shorting into strength (and the
// long mirror, buying into weakness). Shorting near the 72h high requires
// fading evidence: declining volume or frequent upper shadows. LONG near the
// low requires declining volume or frequent lower shadows.
func validatePositionExtreme(side string, pos72h float64, candles15m []market.Candle) (string, bool) {
	if side == database.SideShort && pos72h <= rangeHighPct {
		return "", true
	}
	if side == database.SideLong && pos72h >= rangeLowPct {
		return "", true
	}
	window := tail(candles15m, validationWindow)
	if len(window) < validationWindow {
		return "", true
	}

	if volumeDeclining(window) {
		return "", true
	}
	upper := side == database.SideShort
	if shadowFrequency(window, upper) >= 1.0/3.0 {
		return "", true
	}

	if side == database.SideShort {
		return "高位做空验证失败: 量能未衰减且缺乏上影线", false
	}
	return "低位做多验证失败: 量能未衰减且缺乏下影线", false
}

// volumeDeclining compares the second half of the window against the first.
func volumeDeclining(candles []market.Candle) bool {
	half := len(candles) / 2
	first, second := 0.0, 0.0
	for i, c := range candles {
		if i < half {
			first += c.Volume
		} else {
			second += c.Volume
		}
	}
	return first > 0 && second < first
}

// shadowFrequency is the share of candles carrying a meaningful upper (or
// lower) shadow relative to their body.
func shadowFrequency(candles []market.Candle, upper bool) float64 {
	count := 0
	for _, c := range candles {
		body := c.Close - c.Open
		if body < 0 {
			body = -body
		}
		var shadow float64
		if upper {
			top := c.Close
			if c.Open > top {
				top = c.Open
			}
			shadow = c.High - top
		} else {
			bottom := c.Close
			if c.Open < bottom {
				bottom = c.Open
			}
			shadow = bottom - c.Low
		}
		if shadow > body {
			count++
		}
	}
	return float64(count) / float64(len(candles))
}

// Anti-FOMO bounds on the 24h range position.
const (
	fomoLongLimit  = 80.0
	fomoShortLimit = 20.0
)

// checkAntiFOMO optionally rejects chasing an extended move. Disabled by
// default; the contract stays in place behind the flag.
func checkAntiFOMO(enabled bool, side string, pos24h float64) (string, bool) {
	if !enabled {
		return "", true
	}
	if side == database.SideLong && pos24h > fomoLongLimit {
		return fmt.Sprintf("追高保护: 24小时区间位置%.0f%%", pos24h), false
	}
	if side == database.SideShort && pos24h < fomoShortLimit {
		return fmt.Sprintf("杀跌保护: 24小时区间位置%.0f%%", pos24h), false
	}
	return "", true
}
