package indicators

import (
	"math"
	"testing"

	"futures-trading-engine/internal/market"
)

func candlesFromCloses(closes ...float64) []market.Candle {
	out := make([]market.Candle, len(closes))
	for i, c := range closes {
		out[i] = market.Candle{Open: c, High: c * 1.01, Low: c * 0.99, Close: c, Volume: 100}
	}
	return out
}

func TestSMA(t *testing.T) {
	candles := candlesFromCloses(1, 2, 3, 4, 5)
	if got := SMA(candles, 5); got != 3 {
		t.Errorf("SMA = %f, want 3", got)
	}
	if got := SMA(candles, 2); got != 4.5 {
		t.Errorf("SMA(2) = %f, want 4.5", got)
	}
	if got := SMA(candles, 10); got != 0 {
		t.Errorf("short input SMA = %f, want 0", got)
	}
}

func TestEMAConvergesToConstant(t *testing.T) {
	closes := make([]float64, 50)
	for i := range closes {
		closes[i] = 100
	}
	if got := EMA(candlesFromCloses(closes...), 10); math.Abs(got-100) > 1e-9 {
		t.Errorf("EMA of constant series = %f, want 100", got)
	}
}

func TestRSINeutralOnShortInput(t *testing.T) {
	if got := RSI(candlesFromCloses(1, 2, 3), 14); got != 50 {
		t.Errorf("RSI = %f, want neutral 50", got)
	}
}

func TestRSIMonotonicSeries(t *testing.T) {
	up := make([]float64, 30)
	for i := range up {
		up[i] = 100 + float64(i)
	}
	if got := RSI(candlesFromCloses(up...), 14); got != 100 {
		t.Errorf("all-gains RSI = %f, want 100", got)
	}

	down := make([]float64, 30)
	for i := range down {
		down[i] = 100 - float64(i)
	}
	if got := RSI(candlesFromCloses(down...), 14); got > 1 {
		t.Errorf("all-losses RSI = %f, want near 0", got)
	}
}

func TestMACDSignalIsEMAOfSeries(t *testing.T) {
	closes := make([]float64, 60)
	for i := range closes {
		closes[i] = 100 + 10*math.Sin(float64(i)/5)
	}
	r := MACD(candlesFromCloses(closes...), 12, 26, 9)
	if math.IsNaN(r.MACD) || math.IsNaN(r.Signal) {
		t.Fatal("MACD produced NaN")
	}
	if math.Abs(r.Histogram-(r.MACD-r.Signal)) > 1e-9 {
		t.Errorf("histogram %f != macd-signal %f", r.Histogram, r.MACD-r.Signal)
	}
	// The signal must lag the MACD line, not mirror it.
	if r.MACD != 0 && r.Signal == r.MACD {
		t.Error("signal line equals MACD line, expected a lagging EMA")
	}
}

func TestMACDShortInput(t *testing.T) {
	r := MACD(candlesFromCloses(1, 2, 3), 12, 26, 9)
	if r.MACD != 0 || r.Signal != 0 || r.Histogram != 0 {
		t.Errorf("short input MACD = %+v, want zero value", r)
	}
}

func TestKDJBounds(t *testing.T) {
	closes := make([]float64, 40)
	for i := range closes {
		closes[i] = 100 + 5*math.Sin(float64(i)/3)
	}
	r := KDJ(candlesFromCloses(closes...), 9, 3, 3)
	if r.K < 0 || r.K > 100 {
		t.Errorf("K = %f out of [0, 100]", r.K)
	}
	if r.D < 0 || r.D > 100 {
		t.Errorf("D = %f out of [0, 100]", r.D)
	}
	if math.Abs(r.J-(3*r.K-2*r.D)) > 1e-9 {
		t.Errorf("J = %f, want 3K-2D = %f", r.J, 3*r.K-2*r.D)
	}
}

func TestKDJNeutralOnShortInput(t *testing.T) {
	r := KDJ(candlesFromCloses(1, 2), 9, 3, 3)
	if r.K != 50 || r.D != 50 {
		t.Errorf("short input KDJ = %+v, want neutral 50s", r)
	}
}

func TestBollingerSymmetry(t *testing.T) {
	closes := make([]float64, 25)
	for i := range closes {
		closes[i] = 100 + float64(i%5)
	}
	r := Bollinger(candlesFromCloses(closes...), 20, 2)
	if r.Middle == 0 {
		t.Fatal("middle band is zero")
	}
	upperGap := r.Upper - r.Middle
	lowerGap := r.Middle - r.Lower
	if math.Abs(upperGap-lowerGap) > 1e-9 {
		t.Errorf("bands not symmetric: upper gap %f, lower gap %f", upperGap, lowerGap)
	}
}

func TestATRPositive(t *testing.T) {
	closes := make([]float64, 30)
	for i := range closes {
		closes[i] = 100 + 3*math.Sin(float64(i)/2)
	}
	if got := ATR(candlesFromCloses(closes...), 14); got <= 0 {
		t.Errorf("ATR = %f, want > 0", got)
	}
	if got := ATR(candlesFromCloses(1, 2), 14); got != 0 {
		t.Errorf("short input ATR = %f, want 0", got)
	}
}

func TestVolumeRatio(t *testing.T) {
	candles := candlesFromCloses(1, 1, 1, 1, 1, 1)
	for i := range candles {
		candles[i].Volume = 100
	}
	candles[len(candles)-1].Volume = 300
	if got := VolumeRatio(candles, 5); math.Abs(got-3) > 1e-9 {
		t.Errorf("VolumeRatio = %f, want 3", got)
	}
}

func TestVolumeRatioZeroHistory(t *testing.T) {
	candles := candlesFromCloses(1, 1, 1, 1)
	for i := range candles {
		candles[i].Volume = 0
	}
	if got := VolumeRatio(candles, 3); got != 1.0 {
		t.Errorf("zero-history VolumeRatio = %f, want neutral 1.0", got)
	}
}

func TestRangePosition(t *testing.T) {
	candles := []market.Candle{
		{High: 110, Low: 90, Close: 100},
		{High: 120, Low: 95, Close: 120},
	}
	got := RangePosition(candles)
	if math.Abs(got-100) > 1e-9 {
		t.Errorf("RangePosition at the high = %f, want 100", got)
	}

	flat := []market.Candle{{High: 100, Low: 100, Close: 100}}
	if got := RangePosition(flat); got != 50 {
		t.Errorf("flat range position = %f, want 50", got)
	}
}
