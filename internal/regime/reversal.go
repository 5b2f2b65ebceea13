package regime

import (
	"context"
	"fmt"
	"time"

	"futures-trading-engine/internal/market"
)

// Synchronized-reversal thresholds: the benchmarks must print their extreme
// within two 15m candles of each other, at least three must have moved 3%
// back from it, and the earliest extreme must be recent.
const (
	maxIndexSpread   = 2
	minBouncePct     = 3.0
	minConfirmations = 3
	maxExtremeAge    = 2 * time.Hour
)

// ReversalEvent describes one detected synchronized reversal.
type ReversalEvent struct {
	// BlockedSide is the position side that must not be entered and whose
	// open positions are force-closed: SHORT for a bottom, LONG for a top.
	BlockedSide string
	Confirmed   int
	EarliestAt  time.Time
	Bounces     map[string]float64
	Reason      string
}

// CheckBottomReversal evaluates the bottom-reversal predicate over 15m candle
// windows keyed by benchmark symbol. A positive result blocks SHORT entries.
func CheckBottomReversal(candlesBySymbol map[string][]market.Candle, now time.Time) (*ReversalEvent, bool) {
	return checkReversal(candlesBySymbol, now, true)
}

// CheckTopReversal is the symmetric predicate over the highest highs. A
// positive result blocks LONG entries.
func CheckTopReversal(candlesBySymbol map[string][]market.Candle, now time.Time) (*ReversalEvent, bool) {
	return checkReversal(candlesBySymbol, now, false)
}

type extreme struct {
	symbol string
	index  int
	price  float64
	at     time.Time
	bounce float64
}

func checkReversal(candlesBySymbol map[string][]market.Candle, now time.Time, bottom bool) (*ReversalEvent, bool) {
	var extremes []extreme
	for symbol, candles := range candlesBySymbol {
		if len(candles) < reversalWindow {
			continue
		}
		window := candles[len(candles)-reversalWindow:]
		e := findExtreme(symbol, window, bottom)
		if e.price == 0 {
			continue
		}
		extremes = append(extremes, e)
	}
	if len(extremes) < minConfirmations {
		return nil, false
	}

	// All extremes must land in the same narrow index band.
	minIdx, maxIdx := extremes[0].index, extremes[0].index
	for _, e := range extremes[1:] {
		if e.index < minIdx {
			minIdx = e.index
		}
		if e.index > maxIdx {
			maxIdx = e.index
		}
	}
	if maxIdx-minIdx > maxIndexSpread {
		return nil, false
	}

	earliest := extremes[0].at
	bounces := make(map[string]float64, len(extremes))
	confirmed := 0
	for _, e := range extremes {
		bounces[e.symbol] = e.bounce
		if e.bounce >= minBouncePct {
			confirmed++
		}
		if e.at.Before(earliest) {
			earliest = e.at
		}
	}
	if confirmed < minConfirmations {
		return nil, false
	}
	if now.Sub(earliest) > maxExtremeAge {
		return nil, false
	}

	ev := &ReversalEvent{
		Confirmed:  confirmed,
		EarliestAt: earliest,
		Bounces:    bounces,
	}
	if bottom {
		ev.BlockedSide = "SHORT"
		ev.Reason = fmt.Sprintf("Big4同步触底反转: %d/4确认, 最早低点 %s",
			confirmed, earliest.Format("15:04"))
	} else {
		ev.BlockedSide = "LONG"
		ev.Reason = fmt.Sprintf("Big4同步见顶反转: %d/4确认, 最早高点 %s",
			confirmed, earliest.Format("15:04"))
	}
	return ev, true
}

// findExtreme locates the lowest low (or highest high) of the window and the
// percentage move back from it to the latest close.
func findExtreme(symbol string, window []market.Candle, bottom bool) extreme {
	idx := 0
	price := window[0].Low
	if !bottom {
		price = window[0].High
	}
	for i, c := range window {
		if bottom && c.Low < price {
			idx, price = i, c.Low
		}
		if !bottom && c.High > price {
			idx, price = i, c.High
		}
	}
	if price == 0 {
		return extreme{}
	}

	last := window[len(window)-1].Close
	bounce := (last - price) / price * 100
	if !bottom {
		bounce = (price - last) / price * 100
	}
	return extreme{
		symbol: symbol,
		index:  idx,
		price:  price,
		at:     window[idx].OpenTime,
		bounce: bounce,
	}
}

// CheckReversals fetches fresh benchmark candles and evaluates both
// predicates. At most one event fires per call; the bottom takes priority.
func (d *Detector) CheckReversals(ctx context.Context) (*ReversalEvent, bool) {
	candles := make(map[string][]market.Candle, len(d.benchmarks))
	for _, symbol := range d.benchmarks {
		cs, err := d.klines.GetKlines(ctx, symbol, market.Interval15m, reversalWindow)
		if err != nil {
			d.log.Warn("reversal fetch failed", "symbol", symbol, "error", err.Error())
			continue
		}
		candles[symbol] = cs
	}

	now := time.Now().UTC()
	if ev, ok := CheckBottomReversal(candles, now); ok {
		return ev, true
	}
	if ev, ok := CheckTopReversal(candles, now); ok {
		return ev, true
	}
	return nil, false
}
