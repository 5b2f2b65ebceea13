package regime

import (
	"testing"
	"time"

	"futures-trading-engine/internal/market"
)

// bottomWindow builds 16 15m candles that bottom at lowIdx and bounce back by
// bouncePct from the low.
func bottomWindow(start time.Time, lowIdx int, low, bouncePct float64) []market.Candle {
	candles := make([]market.Candle, reversalWindow)
	base := low * 1.05
	for i := range candles {
		price := base
		if i == lowIdx {
			price = low
		}
		candles[i] = market.Candle{
			OpenTime:  start.Add(time.Duration(i) * 15 * time.Minute),
			Open:      price,
			High:      price * 1.002,
			Low:       price,
			Close:     price * 1.001,
			CloseTime: start.Add(time.Duration(i+1) * 15 * time.Minute),
		}
	}
	final := low * (1 + bouncePct/100)
	candles[len(candles)-1].Close = final
	candles[len(candles)-1].High = final
	return candles
}

func TestBottomReversalFires(t *testing.T) {
	now := time.Now().UTC()
	start := now.Add(-time.Duration(reversalWindow) * 15 * time.Minute)

	candles := map[string][]market.Candle{
		"BTCUSDT": bottomWindow(start, 10, 60000, 3.2),
		"ETHUSDT": bottomWindow(start, 11, 3000, 3.5),
		"BNBUSDT": bottomWindow(start, 10, 500, 3.1),
		"SOLUSDT": bottomWindow(start, 12, 150, 4.0),
	}

	ev, ok := CheckBottomReversal(candles, now)
	if !ok {
		t.Fatal("expected bottom reversal to fire")
	}
	if ev.BlockedSide != "SHORT" {
		t.Errorf("blocked side = %s, want SHORT", ev.BlockedSide)
	}
	if ev.Confirmed < 3 {
		t.Errorf("confirmed = %d, want >= 3", ev.Confirmed)
	}
}

func TestBottomReversalIndexSpreadTooWide(t *testing.T) {
	now := time.Now().UTC()
	start := now.Add(-time.Duration(reversalWindow) * 15 * time.Minute)

	candles := map[string][]market.Candle{
		"BTCUSDT": bottomWindow(start, 2, 60000, 3.5),
		"ETHUSDT": bottomWindow(start, 12, 3000, 3.5),
		"BNBUSDT": bottomWindow(start, 13, 500, 3.5),
		"SOLUSDT": bottomWindow(start, 12, 150, 3.5),
	}

	if _, ok := CheckBottomReversal(candles, now); ok {
		t.Fatal("reversal fired despite index spread > 2")
	}
}

func TestBottomReversalWeakBounce(t *testing.T) {
	now := time.Now().UTC()
	start := now.Add(-time.Duration(reversalWindow) * 15 * time.Minute)

	// Only two symbols bounce past 3%.
	candles := map[string][]market.Candle{
		"BTCUSDT": bottomWindow(start, 10, 60000, 3.5),
		"ETHUSDT": bottomWindow(start, 10, 3000, 3.2),
		"BNBUSDT": bottomWindow(start, 10, 500, 1.0),
		"SOLUSDT": bottomWindow(start, 10, 150, 0.5),
	}

	if _, ok := CheckBottomReversal(candles, now); ok {
		t.Fatal("reversal fired with only 2 qualifying bounces")
	}
}

func TestBottomReversalTooOld(t *testing.T) {
	now := time.Now().UTC()
	// The whole window, including the low, sits 5 hours back.
	start := now.Add(-5 * time.Hour)

	candles := map[string][]market.Candle{
		"BTCUSDT": bottomWindow(start, 1, 60000, 3.5),
		"ETHUSDT": bottomWindow(start, 1, 3000, 3.5),
		"BNBUSDT": bottomWindow(start, 2, 500, 3.5),
		"SOLUSDT": bottomWindow(start, 1, 150, 3.5),
	}

	if _, ok := CheckBottomReversal(candles, now); ok {
		t.Fatal("reversal fired with low older than 2h")
	}
}

func TestTopReversalBlocksLong(t *testing.T) {
	now := time.Now().UTC()
	start := now.Add(-time.Duration(reversalWindow) * 15 * time.Minute)

	topWindow := func(highIdx int, high, pullbackPct float64) []market.Candle {
		candles := make([]market.Candle, reversalWindow)
		base := high * 0.95
		for i := range candles {
			price := base
			if i == highIdx {
				price = high
			}
			candles[i] = market.Candle{
				OpenTime: start.Add(time.Duration(i) * 15 * time.Minute),
				Open:     price, High: price, Low: price * 0.998, Close: price * 0.999,
			}
		}
		final := high * (1 - pullbackPct/100)
		candles[len(candles)-1].Close = final
		candles[len(candles)-1].Low = final
		return candles
	}

	candles := map[string][]market.Candle{
		"BTCUSDT": topWindow(12, 70000, 3.2),
		"ETHUSDT": topWindow(12, 3500, 3.6),
		"BNBUSDT": topWindow(13, 600, 3.1),
		"SOLUSDT": topWindow(12, 180, 3.3),
	}

	ev, ok := CheckTopReversal(candles, now)
	if !ok {
		t.Fatal("expected top reversal to fire")
	}
	if ev.BlockedSide != "LONG" {
		t.Errorf("blocked side = %s, want LONG", ev.BlockedSide)
	}
}
