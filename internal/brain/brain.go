// Package brain scores symbols on multi-timeframe evidence and filters the
// winning side through the quality, consistency and safety gates. It emits at
// most one entry candidate per symbol per scan and never touches positions.
package brain

import (
	"context"
	"fmt"
	"time"

	"futures-trading-engine/internal/events"
	"futures-trading-engine/internal/logging"
	"futures-trading-engine/internal/market"
)

// Minimum candle depths per timeframe.
const (
	minCandles1d  = 30
	minCandles1h  = 72
	minCandles15m = 48
)

// defaultReentryCooldown blocks a (symbol, side) for a window after its last
// close unless configured otherwise.
const defaultReentryCooldown = 15 * time.Minute

// Candidate is one approved entry signal.
type Candidate struct {
	Symbol       string
	Side         string
	Score        float64
	Price        float64
	Components   []string
	Fingerprint  string
	Breakout     *BreakoutInfo
	AllowBatched bool
	GeneratedAt  time.Time
}

// closeTimeStore provides the re-entry cooldown lookup.
type closeTimeStore interface {
	GetLastCloseTime(ctx context.Context, accountID int64, symbol, side string) (time.Time, error)
}

// EntryBlocker reports active emergency entry blocks. The risk layer
// implements it.
type EntryBlocker interface {
	IsEntryBlocked(side string) (blocked bool, reason string)
}

// Config are the brain's static tunables.
type Config struct {
	AccountID       int64
	BaseThreshold   float64
	AntiFOMO        bool
	ReentryCooldown time.Duration // zero means the 15-minute default
}

// Brain is the signal decision engine.
type Brain struct {
	cfg      Config
	klines   market.KlineSource
	store    closeTimeStore
	snapshot *SnapshotLoader
	blocker  EntryBlocker
	bus      *events.Bus
	log      *logging.Logger
}

// New wires the brain.
func New(cfg Config, klines market.KlineSource, store closeTimeStore,
	snapshot *SnapshotLoader, blocker EntryBlocker, bus *events.Bus, log *logging.Logger) *Brain {
	if cfg.ReentryCooldown <= 0 {
		cfg.ReentryCooldown = defaultReentryCooldown
	}
	return &Brain{
		cfg:      cfg,
		klines:   klines,
		store:    store,
		snapshot: snapshot,
		blocker:  blocker,
		bus:      bus,
		log:      log.WithComponent("brain"),
	}
}

// Evaluate scores one symbol and runs the winning side through the filter
// chain. Returns nil when no candidate survives; the error is non-nil only
// for infrastructure failures.
func (b *Brain) Evaluate(ctx context.Context, symbol string, price float64) (*Candidate, error) {
	snap := b.snapshot.Current()
	if snap.Forbidden(symbol) {
		return nil, nil
	}

	in, err := b.loadCandles(ctx, symbol, price)
	if err != nil {
		return nil, err
	}
	if in == nil {
		return nil, nil
	}

	result := score(*in, snap)
	chosen := result.Long
	if result.Short.Total > result.Long.Total {
		chosen = result.Short
	}
	if chosen.Total == 0 || len(chosen.Components) == 0 {
		return nil, nil
	}

	cand := &Candidate{
		Symbol:      symbol,
		Side:        chosen.Side,
		Score:       chosen.Total,
		Price:       in.Price,
		Components:  chosen.Components,
		Fingerprint: Fingerprint(chosen.Components),
		Breakout:    result.Breakout,
		GeneratedAt: time.Now().UTC(),
	}
	// Batched entries suit accumulating signals, not breakouts that demand
	// immediate execution.
	cand.AllowBatched = result.Breakout == nil

	if reason, ok := b.applyFilters(ctx, cand, in, snap); !ok {
		b.reject(cand, reason)
		return nil, nil
	}

	if b.bus != nil {
		b.bus.Publish(events.Event{
			Type: events.EventSignalGenerated,
			Data: map[string]interface{}{
				"symbol":      cand.Symbol,
				"side":        cand.Side,
				"score":       cand.Score,
				"fingerprint": cand.Fingerprint,
			},
		})
	}
	b.log.Info("signal generated",
		"symbol", cand.Symbol, "side", cand.Side,
		"score", cand.Score, "fingerprint", cand.Fingerprint)
	return cand, nil
}

func (b *Brain) loadCandles(ctx context.Context, symbol string, price float64) (*ScoreInput, error) {
	candles1d, err := b.klines.GetKlines(ctx, symbol, "1d", minCandles1d)
	if err != nil {
		return nil, err
	}
	candles1h, err := b.klines.GetKlines(ctx, symbol, market.Interval1h, minCandles1h)
	if err != nil {
		return nil, err
	}
	candles15m, err := b.klines.GetKlines(ctx, symbol, market.Interval15m, minCandles15m)
	if err != nil {
		return nil, err
	}
	if len(candles1d) < minCandles1d || len(candles1h) < minCandles1h || len(candles15m) < minCandles15m {
		b.log.Debug("insufficient candle depth", "symbol", symbol)
		return nil, nil
	}
	if price == 0 {
		price = candles15m[len(candles15m)-1].Close
	}
	return &ScoreInput{
		Symbol:     symbol,
		Candles1d:  candles1d,
		Candles1h:  candles1h,
		Candles15m: candles15m,
		Price:      price,
	}, nil
}

// applyFilters runs the ordered filter chain. The first failing gate wins.
func (b *Brain) applyFilters(ctx context.Context, cand *Candidate, in *ScoreInput, snap *Snapshot) (string, bool) {
	// 1. Threshold gate, raised per fingerprint by the quality manager.
	threshold := b.cfg.BaseThreshold + snap.ThresholdAdjustment(cand.Fingerprint, cand.Side)
	if cand.Score < threshold {
		return reasonBelowThreshold(cand.Score, threshold), false
	}

	// 2. Contradiction strip and fingerprint recompute.
	if cand.Fingerprint != ComponentBreakoutStrong {
		kept := stripContradictions(cand.Components, cand.Side)
		if len(kept) == 0 {
			return "信号成分全部矛盾, 拒绝", false
		}
		cand.Components = kept
		cand.Fingerprint = Fingerprint(kept)
	}

	// 3. Blacklist.
	if snap.IsBlacklisted(cand.Fingerprint, cand.Side) {
		return "信号已被拉黑: " + cand.Fingerprint, false
	}

	// 4. Timeframe consistency against 1h and 1d.
	trend1h := trendState(tail(in.Candles1h, 48), trendMajority)
	trend1d := trendState(tail(in.Candles1d, 30), 19)
	if reason, ok := checkTimeframeConsistency(cand.Side, trend1h, trend1d); !ok {
		return reason, false
	}

	// 5. Position-extreme corroboration.
	pos72h := positionIn(tail(in.Candles1h, 72), in.Price)
	if reason, ok := validatePositionExtreme(cand.Side, pos72h, in.Candles15m); !ok {
		return reason, false
	}

	// 6. Anti-FOMO.
	pos24h := positionIn(tail(in.Candles1h, 24), in.Price)
	if reason, ok := checkAntiFOMO(b.cfg.AntiFOMO, cand.Side, pos24h); !ok {
		return reason, false
	}

	// 7. Post-close re-entry cooldown.
	lastClose, err := b.store.GetLastCloseTime(ctx, b.cfg.AccountID, cand.Symbol, cand.Side)
	if err != nil {
		b.log.Warn("cooldown lookup failed", "symbol", cand.Symbol, "error", err.Error())
	} else if !lastClose.IsZero() && time.Since(lastClose) < b.cfg.ReentryCooldown {
		return fmt.Sprintf("平仓后%d分钟冷却期内", int(b.cfg.ReentryCooldown.Minutes())), false
	}

	// 8. Emergency blocks.
	if b.blocker != nil {
		if blocked, reason := b.blocker.IsEntryBlocked(cand.Side); blocked {
			return reason, false
		}
	}

	return "", true
}

func (b *Brain) reject(cand *Candidate, reason string) {
	if b.bus != nil {
		b.bus.Publish(events.Event{
			Type: events.EventSignalRejected,
			Data: map[string]interface{}{
				"symbol": cand.Symbol,
				"side":   cand.Side,
				"score":  cand.Score,
				"reason": reason,
			},
		})
	}
	b.log.Debug("signal rejected",
		"symbol", cand.Symbol, "side", cand.Side, "reason", reason)
}

func reasonBelowThreshold(score, threshold float64) string {
	return fmt.Sprintf("评分不足: %.1f < %.1f", score, threshold)
}

// positionIn returns where price sits in the window's high-low range, 0..100.
func positionIn(candles []market.Candle, price float64) float64 {
	high, low := extremes(candles)
	if high == low {
		return 50
	}
	return (price - low) / (high - low) * 100
}
