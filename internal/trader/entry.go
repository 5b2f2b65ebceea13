package trader

import (
	"context"
	"fmt"
	"strings"
	"time"

	"futures-trading-engine/internal/brain"
	"futures-trading-engine/internal/database"
	"futures-trading-engine/internal/events"
	"futures-trading-engine/internal/logging"
	"futures-trading-engine/internal/market"
	"futures-trading-engine/internal/regime"
)

// Sizing and protection defaults. The adaptive parameter table overrides the
// stop/take percentages at runtime.
const (
	regimeBonusMultiplier = 1.2
	defaultStopLossPct    = 2.0
	defaultTakeProfitPct  = 3.0
	volatilityStopWiden   = 1.5
	takerFeeRate          = 0.0005
)

// Timeout mapping defaults: score buckets to maximum hold, clamped per mode.
const (
	defaultRangeMaxHold = 4 * time.Hour
	defaultTrendMaxHold = 12 * time.Hour
)

// entryStore is the state-store slice the executor writes through.
type entryStore interface {
	OpenPositionTx(ctx context.Context, p database.OpenParams) (*database.FuturesPosition, error)
	AppendFillTx(ctx context.Context, p database.FillParams) (*database.FuturesPosition, error)
	AbandonEmptyPosition(ctx context.Context, positionID int64, reason string) error
	GetPositionByID(ctx context.Context, id int64) (*database.FuturesPosition, error)
	GetActivePosition(ctx context.Context, accountID int64, symbol, side string) (*database.FuturesPosition, error)
	GetVolatilityProfile(ctx context.Context, symbol string) (*database.VolatilityProfile, error)
}

// EntryConfig carries the executor tunables.
type EntryConfig struct {
	AccountID    int64
	PositionSize float64 // base margin in USDT
	Leverage     int
	BatchSlices  int
	BatchHorizon time.Duration
	MarginFloor  float64
	RangeMaxHold time.Duration // zero means 4h
	TrendMaxHold time.Duration // zero means 12h
	Quote        string        // contract quote asset, default USDT
}

// EntryExecutor opens positions: immediately or sliced over a bounded horizon.
type EntryExecutor struct {
	cfg      EntryConfig
	store    entryStore
	gateway  *market.Gateway
	snapshot *brain.SnapshotLoader
	monitors *MonitorManager
	blocker  brain.EntryBlocker
	queue    *events.ForceCloseQueue
	bus      *events.Bus
	log      *logging.Logger
}

// NewEntryExecutor wires the executor.
func NewEntryExecutor(cfg EntryConfig, store entryStore, gateway *market.Gateway,
	snapshot *brain.SnapshotLoader, monitors *MonitorManager, blocker brain.EntryBlocker,
	queue *events.ForceCloseQueue, bus *events.Bus, log *logging.Logger) *EntryExecutor {
	return &EntryExecutor{
		cfg:      cfg,
		store:    store,
		gateway:  gateway,
		snapshot: snapshot,
		monitors: monitors,
		blocker:  blocker,
		queue:    queue,
		bus:      bus,
		log:      log.WithComponent("entry"),
	}
}

// Execute dispatches a candidate: batched when the candidate and mode allow
// it, immediate otherwise.
func (e *EntryExecutor) Execute(ctx context.Context, cand *brain.Candidate, big4 *regime.Result, mode string) error {
	if !strings.HasSuffix(cand.Symbol, e.quote()) {
		return fmt.Errorf("symbol %s is not a %s-margined contract", cand.Symbol, e.quote())
	}

	// A strong breakout wants the opposite side flat before entering.
	if cand.Breakout != nil && cand.Breakout.CloseOpposite {
		e.requestOppositeClose(ctx, cand)
	}

	if cand.AllowBatched && mode == database.ModeTrend && e.cfg.BatchSlices > 1 &&
		big4 != nil && big4.OverallSignal != regime.SignalNeutral {
		return e.executeBatched(ctx, cand, big4, mode)
	}
	return e.executeImmediate(ctx, cand, big4, mode)
}

// executeImmediate opens the full position in one transaction.
func (e *EntryExecutor) executeImmediate(ctx context.Context, cand *brain.Candidate, big4 *regime.Result, mode string) error {
	quote, err := e.gateway.Price(ctx, cand.Symbol)
	if err != nil {
		return fmt.Errorf("entry price for %s: %w", cand.Symbol, err)
	}

	sizing := e.size(cand, big4, quote.Price)
	stopLoss, takeProfit := e.protection(ctx, cand, quote.Price)
	timeoutAt := e.entryTimeout(cand.Score, mode, time.Now().UTC())

	pos, err := e.store.OpenPositionTx(ctx, database.OpenParams{
		AccountID:        e.cfg.AccountID,
		Symbol:           cand.Symbol,
		PositionSide:     cand.Side,
		Quantity:         sizing.quantity,
		Price:            quote.Price,
		Leverage:         e.cfg.Leverage,
		Margin:           sizing.margin,
		StopLossPrice:    &stopLoss,
		TakeProfitPrice:  &takeProfit,
		EntrySignalType:  cand.Fingerprint,
		EntryReason:      strings.Join(cand.Components, "+"),
		EntryScore:       cand.Score,
		SignalComponents: cand.Components,
		MaxHoldMinutes:   int(timeoutAt.Sub(time.Now().UTC()).Minutes()),
		TimeoutAt:        &timeoutAt,
		Fee:              sizing.margin * float64(e.cfg.Leverage) * takerFeeRate,
		FeeRate:          takerFeeRate,
		OrderSource:      "signal:" + cand.Fingerprint,
		Note: fmt.Sprintf("开仓 %s %s @ %.8f, 评分%.1f, 保证金%.2f",
			cand.Symbol, cand.Side, quote.Price, cand.Score, sizing.margin),
	})
	if err != nil {
		return fmt.Errorf("failed to open %s %s: %w", cand.Symbol, cand.Side, err)
	}

	e.log.Info("position opened",
		"position_id", pos.ID, "symbol", pos.Symbol, "side", pos.PositionSide,
		"margin", sizing.margin, "quantity", sizing.quantity, "price", quote.Price)
	if e.bus != nil {
		e.bus.Publish(events.Event{
			Type: events.EventPositionOpened,
			Data: map[string]interface{}{
				"position_id": pos.ID,
				"symbol":      pos.Symbol,
				"side":        pos.PositionSide,
				"margin":      sizing.margin,
			},
		})
	}
	if e.monitors != nil {
		e.monitors.Watch(pos)
	}
	return nil
}

type sizing struct {
	margin   float64
	quantity float64
}

// size computes margin and quantity: base size scaled by the symbol rating
// and the regime agreement bonus.
func (e *EntryExecutor) size(cand *brain.Candidate, big4 *regime.Result, price float64) sizing {
	snap := e.snapshot.Current()
	base := e.cfg.PositionSize * snap.RatingMultiplier(cand.Symbol)
	base *= snap.Param(database.ParamTypeRisk, database.ParamKeySizeMultiplier, 1.0)

	regimeMult := 1.0
	if big4 != nil && big4.Agrees(cand.Side) {
		regimeMult = regimeBonusMultiplier
	}
	margin := base * regimeMult
	return sizing{
		margin:   margin,
		quantity: margin * float64(e.cfg.Leverage) / price,
	}
}

// protection derives stop-loss and take-profit prices. The stop widens by
// 1.5x for volatile symbols; a strong breakout anchors the stop at the broken
// level instead. Take-profit prefers the per-symbol volatility profile.
func (e *EntryExecutor) protection(ctx context.Context, cand *brain.Candidate, price float64) (stopLoss, takeProfit float64) {
	snap := e.snapshot.Current()

	slKey, tpKey := database.ParamKeyLongStopLoss, database.ParamKeyLongTakeProfit
	if cand.Side == database.SideShort {
		slKey, tpKey = database.ParamKeyShortStopLoss, database.ParamKeyShortTakeProfit
	}
	slPct := snap.Param(database.ParamTypeRisk, slKey, defaultStopLossPct)
	tpPct := snap.Param(database.ParamTypeRisk, tpKey, defaultTakeProfitPct)

	for _, c := range cand.Components {
		if c == brain.ComponentVolatilityHigh {
			slPct *= volatilityStopWiden
			break
		}
	}

	if profile, err := e.store.GetVolatilityProfile(ctx, cand.Symbol); err == nil && profile != nil {
		if cand.Side == database.SideLong && profile.LongFixedTPPct > 0 {
			tpPct = profile.LongFixedTPPct
		}
		if cand.Side == database.SideShort && profile.ShortFixedTPPct > 0 {
			tpPct = profile.ShortFixedTPPct
		}
	}

	if cand.Side == database.SideLong {
		stopLoss = price * (1 - slPct/100)
		takeProfit = price * (1 + tpPct/100)
	} else {
		stopLoss = price * (1 + slPct/100)
		takeProfit = price * (1 - tpPct/100)
	}

	// Breakout entries anchor the stop at the broken level when that is the
	// tighter protection.
	if cand.Breakout != nil && cand.Breakout.Level > 0 {
		if cand.Side == database.SideLong && cand.Breakout.Level > stopLoss {
			stopLoss = cand.Breakout.Level
		}
		if cand.Side == database.SideShort && cand.Breakout.Level < stopLoss {
			stopLoss = cand.Breakout.Level
		}
	}
	return stopLoss, takeProfit
}

// timeoutFor maps the score to a maximum hold, scaled by the adaptive
// holding-time parameter and clamped per mode: stronger signals earn longer
// allowances. A positive floor raises the hold after clamping.
func timeoutFor(score float64, mode string, now time.Time, scale float64,
	floor, rangeCap, trendCap time.Duration) time.Time {
	var hold time.Duration
	switch {
	case score >= 50:
		hold = 12 * time.Hour
	case score >= 42:
		hold = 8 * time.Hour
	default:
		hold = 4 * time.Hour
	}
	if scale > 0 {
		hold = time.Duration(float64(hold) * scale)
	}

	if rangeCap <= 0 {
		rangeCap = defaultRangeMaxHold
	}
	if trendCap <= 0 {
		trendCap = defaultTrendMaxHold
	}
	limit := trendCap
	if mode == database.ModeRange {
		limit = rangeCap
	}
	if hold > limit {
		hold = limit
	}
	if floor > 0 && hold < floor {
		hold = floor
	}
	return now.Add(hold)
}

// entryTimeout resolves timeoutFor against the executor's caps and the
// adaptive hold-scale and minimum-hold parameters.
func (e *EntryExecutor) entryTimeout(score float64, mode string, now time.Time) time.Time {
	return timeoutFor(score, mode, now, e.holdScale(), e.minHold(),
		e.cfg.RangeMaxHold, e.cfg.TrendMaxHold)
}

// holdScale reads the optimizer's holding-time scale, default 1.0.
func (e *EntryExecutor) holdScale() float64 {
	return e.snapshot.Current().Param(database.ParamTypeRisk, database.ParamKeyHoldScale, 1.0)
}

// minHold reads the optimizer's minimum hold in minutes, default none.
func (e *EntryExecutor) minHold() time.Duration {
	mins := e.snapshot.Current().Param(database.ParamTypeRisk, database.ParamKeyMinHoldMinutes, 0)
	return time.Duration(mins) * time.Minute
}

func (e *EntryExecutor) quote() string {
	if e.cfg.Quote == "" {
		return "USDT"
	}
	return e.cfg.Quote
}

// requestOppositeClose queues a forced close of the opposite side on the
// candidate's symbol ahead of a breakout entry.
func (e *EntryExecutor) requestOppositeClose(ctx context.Context, cand *brain.Candidate) {
	opposite := database.SideShort
	if cand.Side == database.SideShort {
		opposite = database.SideLong
	}
	existing, err := e.store.GetActivePosition(ctx, e.cfg.AccountID, cand.Symbol, opposite)
	if err != nil || existing == nil {
		return
	}
	if e.queue != nil {
		e.queue.Push(events.ForceCloseRequest{
			Side:   opposite,
			Symbol: cand.Symbol,
			Reason: "强突破信号反向平仓: " + cand.Fingerprint,
		})
		e.log.Info("requested opposite-side close before breakout entry",
			"symbol", cand.Symbol, "opposite", opposite)
	}
}
