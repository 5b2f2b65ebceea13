package regime

import (
	"fmt"
	"math"

	"futures-trading-engine/internal/indicators"
	"futures-trading-engine/internal/market"
)

// Range-classification thresholds on the benchmark windows.
const (
	narrowBandPct    = 3.0  // Bollinger width below this fraction of price reads as compressed
	narrowSpreadPct  = 4.0  // 15m high-low spread below this reads as compressed
	persistenceRatio = 0.65 // share of same-direction 1h candles needed to call a trend
)

// Classification is the output of the range detector.
type Classification struct {
	Mode   string // trend or range
	Reason string
}

// Classify decides trend vs range from Bollinger width, recent high-low
// spread, and directional persistence on the 15m and 1h windows. Insufficient
// data defaults to trend so that the engine never locks itself into the
// entry-pausing range mode on missing candles.
func Classify(candles15m, candles1h []market.Candle) Classification {
	if len(candles15m) < 20 || len(candles1h) < 24 {
		return Classification{Mode: "trend", Reason: "数据不足, 默认趋势模式"}
	}

	price := candles15m[len(candles15m)-1].Close
	if price == 0 {
		return Classification{Mode: "trend", Reason: "无效价格, 默认趋势模式"}
	}

	bb := indicators.Bollinger(candles15m, 20, 2)
	bandWidthPct := (bb.Upper - bb.Lower) / price * 100

	spreadPct := highLowSpreadPct(candles15m)

	bullish := 0
	recent1h := candles1h[len(candles1h)-24:]
	for _, c := range recent1h {
		if c.Close > c.Open {
			bullish++
		}
	}
	persistence := math.Max(float64(bullish), float64(len(recent1h)-bullish)) / float64(len(recent1h))

	compressed := bandWidthPct < narrowBandPct && spreadPct < narrowSpreadPct
	directionless := persistence < persistenceRatio

	if compressed && directionless {
		return Classification{
			Mode: "range",
			Reason: fmt.Sprintf("震荡市: 布林带宽%.2f%%, 区间%.2f%%, 方向持续性%.0f%%",
				bandWidthPct, spreadPct, persistence*100),
		}
	}
	return Classification{
		Mode: "trend",
		Reason: fmt.Sprintf("趋势市: 布林带宽%.2f%%, 区间%.2f%%, 方向持续性%.0f%%",
			bandWidthPct, spreadPct, persistence*100),
	}
}

func highLowSpreadPct(candles []market.Candle) float64 {
	highest, lowest := candles[0].High, candles[0].Low
	for _, c := range candles[1:] {
		if c.High > highest {
			highest = c.High
		}
		if c.Low < lowest {
			lowest = c.Low
		}
	}
	if lowest == 0 {
		return 0
	}
	return (highest - lowest) / lowest * 100
}
