// Package indicators provides pure technical-analysis functions over candle
// slices. Every function returns a neutral default when the input is too
// short; none of them return NaN or Inf.
package indicators

import (
	"math"

	"futures-trading-engine/internal/market"
)

// ============================================================================
// MOVING AVERAGES
// ============================================================================

// SMA calculates the Simple Moving Average of the last period closes.
func SMA(candles []market.Candle, period int) float64 {
	if period <= 0 || len(candles) < period {
		return 0
	}
	sum := 0.0
	for i := len(candles) - period; i < len(candles); i++ {
		sum += candles[i].Close
	}
	return sum / float64(period)
}

// EMA calculates the Exponential Moving Average, seeded with the SMA of the
// first period closes.
func EMA(candles []market.Candle, period int) float64 {
	if period <= 0 || len(candles) < period {
		return 0
	}
	return emaSeries(market.Closes(candles), period)
}

func emaSeries(values []float64, period int) float64 {
	sum := 0.0
	for i := 0; i < period; i++ {
		sum += values[i]
	}
	ema := sum / float64(period)
	multiplier := 2.0 / float64(period+1)
	for i := period; i < len(values); i++ {
		ema = values[i]*multiplier + ema*(1-multiplier)
	}
	return ema
}

// ============================================================================
// RSI
// ============================================================================

// RSI calculates the Relative Strength Index using Wilder smoothing.
// Too little data returns the neutral 50.
func RSI(candles []market.Candle, period int) float64 {
	if period <= 0 || len(candles) < period+1 {
		return 50.0
	}

	closes := market.Closes(candles)
	avgGain, avgLoss := 0.0, 0.0
	for i := 1; i <= period; i++ {
		change := closes[i] - closes[i-1]
		if change > 0 {
			avgGain += change
		} else {
			avgLoss -= change
		}
	}
	avgGain /= float64(period)
	avgLoss /= float64(period)

	for i := period + 1; i < len(closes); i++ {
		change := closes[i] - closes[i-1]
		gain, loss := 0.0, 0.0
		if change > 0 {
			gain = change
		} else {
			loss = -change
		}
		avgGain = (avgGain*float64(period-1) + gain) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + loss) / float64(period)
	}

	if avgLoss == 0 {
		return 100.0
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs)
}

// ============================================================================
// MACD
// ============================================================================

// MACDResult holds the MACD line, signal line and histogram.
type MACDResult struct {
	MACD      float64
	Signal    float64
	Histogram float64
}

// MACD calculates MACD with a real signal line: the signal is the EMA of the
// MACD series, not an approximation of the current value.
func MACD(candles []market.Candle, fastPeriod, slowPeriod, signalPeriod int) MACDResult {
	if len(candles) < slowPeriod+signalPeriod {
		return MACDResult{}
	}

	closes := market.Closes(candles)
	macdSeries := make([]float64, 0, len(closes)-slowPeriod+1)
	for i := slowPeriod; i <= len(closes); i++ {
		fast := emaSeries(closes[:i], fastPeriod)
		slow := emaSeries(closes[:i], slowPeriod)
		macdSeries = append(macdSeries, fast-slow)
	}

	macdLine := macdSeries[len(macdSeries)-1]
	signal := emaSeries(macdSeries, signalPeriod)
	return MACDResult{
		MACD:      macdLine,
		Signal:    signal,
		Histogram: macdLine - signal,
	}
}

// ============================================================================
// KDJ
// ============================================================================

// KDJResult holds the stochastic K, D and J values.
type KDJResult struct {
	K float64
	D float64
	J float64
}

// KDJ calculates the KDJ oscillator. K and D start from the neutral 50.
func KDJ(candles []market.Candle, period, kSmooth, dSmooth int) KDJResult {
	if len(candles) < period {
		return KDJResult{K: 50, D: 50, J: 50}
	}

	k, d := 50.0, 50.0
	for i := period - 1; i < len(candles); i++ {
		window := candles[i-period+1 : i+1]
		highest, lowest := window[0].High, window[0].Low
		for _, c := range window[1:] {
			if c.High > highest {
				highest = c.High
			}
			if c.Low < lowest {
				lowest = c.Low
			}
		}
		rsv := 50.0
		if highest != lowest {
			rsv = (candles[i].Close - lowest) / (highest - lowest) * 100
		}
		k = (k*float64(kSmooth-1) + rsv) / float64(kSmooth)
		d = (d*float64(dSmooth-1) + k) / float64(dSmooth)
	}
	return KDJResult{K: k, D: d, J: 3*k - 2*d}
}

// ============================================================================
// BOLLINGER BANDS
// ============================================================================

// BollingerResult holds the three Bollinger band values.
type BollingerResult struct {
	Upper  float64
	Middle float64
	Lower  float64
}

// Bollinger calculates Bollinger Bands over the last period closes.
func Bollinger(candles []market.Candle, period int, stdDevMultiplier float64) BollingerResult {
	if period <= 0 || len(candles) < period {
		return BollingerResult{}
	}

	middle := SMA(candles, period)
	variance := 0.0
	for i := len(candles) - period; i < len(candles); i++ {
		diff := candles[i].Close - middle
		variance += diff * diff
	}
	stdDev := math.Sqrt(variance / float64(period))
	return BollingerResult{
		Upper:  middle + stdDevMultiplier*stdDev,
		Middle: middle,
		Lower:  middle - stdDevMultiplier*stdDev,
	}
}

// ============================================================================
// ATR
// ============================================================================

// ATR calculates the Average True Range with Wilder smoothing.
func ATR(candles []market.Candle, period int) float64 {
	if period <= 0 || len(candles) < period+1 {
		return 0
	}

	trs := make([]float64, 0, len(candles)-1)
	for i := 1; i < len(candles); i++ {
		high, low := candles[i].High, candles[i].Low
		prevClose := candles[i-1].Close
		tr := high - low
		if hc := math.Abs(high - prevClose); hc > tr {
			tr = hc
		}
		if lc := math.Abs(low - prevClose); lc > tr {
			tr = lc
		}
		trs = append(trs, tr)
	}

	atr := 0.0
	for i := 0; i < period; i++ {
		atr += trs[i]
	}
	atr /= float64(period)
	for i := period; i < len(trs); i++ {
		atr = (atr*float64(period-1) + trs[i]) / float64(period)
	}
	return atr
}

// ============================================================================
// VOLUME
// ============================================================================

// VolumeRatio compares the latest bar's volume against the average of the
// preceding period bars. Zero history returns the neutral 1.0.
func VolumeRatio(candles []market.Candle, period int) float64 {
	if period <= 0 || len(candles) < period+1 {
		return 1.0
	}

	latest := candles[len(candles)-1].Volume
	sum := 0.0
	for i := len(candles) - period - 1; i < len(candles)-1; i++ {
		sum += candles[i].Volume
	}
	avg := sum / float64(period)
	if avg == 0 {
		return 1.0
	}
	return latest / avg
}

// ============================================================================
// PRICE POSITION
// ============================================================================

// RangePosition returns where the latest close sits within the high-low range
// of the window, from 0 (at the low) to 100 (at the high). A flat range
// returns the neutral 50.
func RangePosition(candles []market.Candle) float64 {
	if len(candles) == 0 {
		return 50.0
	}
	highest, lowest := candles[0].High, candles[0].Low
	for _, c := range candles[1:] {
		if c.High > highest {
			highest = c.High
		}
		if c.Low < lowest {
			lowest = c.Low
		}
	}
	if highest == lowest {
		return 50.0
	}
	return (candles[len(candles)-1].Close - lowest) / (highest - lowest) * 100
}
