// Package trader runs the position lifecycle: entry execution, per-position
// exit monitoring, risk breakers and the main scan loop.
package trader

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"futures-trading-engine/internal/database"
	"futures-trading-engine/internal/events"
	"futures-trading-engine/internal/logging"
	"futures-trading-engine/internal/regime"
)

// Risk layer defaults. These are the single authority for the breaker
// thresholds; config may override the numeric ones.
const (
	DefaultAggregateLossLimit = 600.0 // USDT of floating loss
	DefaultLossBlockDuration  = 2 * time.Hour
	DefaultStopLossWindow     = 10 // recent close orders inspected
	DefaultStopLossTrip       = 5  // stop-loss closes that trip the breaker
	DefaultStopLossBlock      = 2 * time.Hour
	DefaultReversalBlock      = 4 * time.Hour
)

// stopLossMark is the note marker identifying a stop-loss close order.
const stopLossMark = "止损"

// entryBlock is one armed block. Side "" blocks both sides.
type entryBlock struct {
	side   string
	reason string
	until  time.Time
}

// riskStore is the state-store slice the risk layer reads.
type riskStore interface {
	GetActivePositions(ctx context.Context, accountID int64) ([]*database.FuturesPosition, error)
	GetRecentCloseOrders(ctx context.Context, accountID int64, limit int) ([]*database.FuturesOrder, error)
}

// priceSource resolves a mark price for floating P&L.
type priceSource interface {
	MarkPrice(ctx context.Context, symbol string) (float64, error)
}

// RiskConfig carries the tunable breaker thresholds.
type RiskConfig struct {
	AccountID          int64
	AggregateLossLimit float64
	LossBlockDuration  time.Duration
	StopLossWindow     int
	StopLossTrip       int
	StopLossBlock      time.Duration
	ReversalBlock      time.Duration
}

func (c *RiskConfig) applyDefaults() {
	if c.AggregateLossLimit <= 0 {
		c.AggregateLossLimit = DefaultAggregateLossLimit
	}
	if c.LossBlockDuration <= 0 {
		c.LossBlockDuration = DefaultLossBlockDuration
	}
	if c.StopLossWindow <= 0 {
		c.StopLossWindow = DefaultStopLossWindow
	}
	if c.StopLossTrip <= 0 {
		c.StopLossTrip = DefaultStopLossTrip
	}
	if c.StopLossBlock <= 0 {
		c.StopLossBlock = DefaultStopLossBlock
	}
	if c.ReversalBlock <= 0 {
		c.ReversalBlock = DefaultReversalBlock
	}
}

// RiskManager runs the three emergency predicates each main tick and arms
// wall-clock entry blocks. It never closes positions itself: forced closes go
// through the queue to the exit optimizer.
type RiskManager struct {
	cfg      RiskConfig
	store    riskStore
	prices   priceSource
	detector *regime.Detector
	queue    *events.ForceCloseQueue
	bus      *events.Bus
	log      *logging.Logger

	mu     sync.Mutex
	blocks []entryBlock
}

// NewRiskManager wires the risk layer.
func NewRiskManager(cfg RiskConfig, store riskStore, prices priceSource,
	detector *regime.Detector, queue *events.ForceCloseQueue, bus *events.Bus, log *logging.Logger) *RiskManager {
	cfg.applyDefaults()
	return &RiskManager{
		cfg:      cfg,
		store:    store,
		prices:   prices,
		detector: detector,
		queue:    queue,
		bus:      bus,
		log:      log.WithComponent("risk"),
	}
}

// IsEntryBlocked implements the brain's EntryBlocker: it reports whether the
// side is under an armed block. Expired blocks clear on the way through.
func (r *RiskManager) IsEntryBlocked(side string) (bool, string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now().UTC()

	kept := r.blocks[:0]
	var hit *entryBlock
	for i := range r.blocks {
		b := r.blocks[i]
		if now.After(b.until) {
			continue
		}
		kept = append(kept, b)
		if hit == nil && (b.side == "" || b.side == side) {
			hit = &kept[len(kept)-1]
		}
	}
	r.blocks = kept

	if hit == nil {
		return false, ""
	}
	remaining := hit.until.Sub(now).Round(time.Minute)
	return true, fmt.Sprintf("%s (剩余%s)", hit.reason, remaining)
}

// CheckAll evaluates the three breakers. Called once per main scan tick.
func (r *RiskManager) CheckAll(ctx context.Context) {
	r.checkAggregateLoss(ctx)
	r.checkStopLossCluster(ctx)
	r.checkSynchronizedReversal(ctx)
}

// checkAggregateLoss sums floating P&L across active positions and arms a
// both-sides block when the loss exceeds the limit.
func (r *RiskManager) checkAggregateLoss(ctx context.Context) {
	positions, err := r.store.GetActivePositions(ctx, r.cfg.AccountID)
	if err != nil {
		r.log.Warn("aggregate-loss check failed", "error", err.Error())
		return
	}
	if len(positions) == 0 {
		return
	}

	total := 0.0
	for _, p := range positions {
		price, err := r.prices.MarkPrice(ctx, p.Symbol)
		if err != nil {
			continue
		}
		total += unrealizedPnL(p, price)
	}
	if total >= -r.cfg.AggregateLossLimit {
		return
	}

	reason := fmt.Sprintf("[CIRCUIT-BREAKER] 累计浮亏熔断触发: %.2f USDT", total)
	if r.arm("", reason, r.cfg.LossBlockDuration) {
		r.log.Error("aggregate loss breaker tripped", "floating_pnl", total)
		if r.bus != nil {
			r.bus.PublishCircuitBreaker("aggregate_loss", "armed", reason)
		}
	}
}

// checkStopLossCluster counts stop-loss closes among the recent close orders.
func (r *RiskManager) checkStopLossCluster(ctx context.Context) {
	orders, err := r.store.GetRecentCloseOrders(ctx, r.cfg.AccountID, r.cfg.StopLossWindow)
	if err != nil {
		r.log.Warn("stop-loss cluster check failed", "error", err.Error())
		return
	}

	count := 0
	for _, o := range orders {
		if strings.Contains(o.Notes, stopLossMark) {
			count++
		}
	}
	if count < r.cfg.StopLossTrip {
		return
	}

	reason := fmt.Sprintf("[CIRCUIT-BREAKER] 止损熔断触发: 最近%d笔平仓中%d笔止损",
		len(orders), count)
	if r.arm("", reason, r.cfg.StopLossBlock) {
		r.log.Error("stop-loss cluster breaker tripped", "count", count, "window", len(orders))
		if r.bus != nil {
			r.bus.PublishCircuitBreaker("stop_loss_cluster", "armed", reason)
		}
	}
}

// checkSynchronizedReversal consults the Big4 reversal predicates. A hit arms
// a side-specific block and queues a forced close of that side.
func (r *RiskManager) checkSynchronizedReversal(ctx context.Context) {
	if r.detector == nil {
		return
	}
	ev, ok := r.detector.CheckReversals(ctx)
	if !ok {
		return
	}

	if r.arm(ev.BlockedSide, ev.Reason, r.cfg.ReversalBlock) {
		r.log.Error("synchronized reversal detected",
			"blocked_side", ev.BlockedSide, "confirmed", ev.Confirmed)
		if r.queue != nil {
			r.queue.Push(events.ForceCloseRequest{
				Side:   ev.BlockedSide,
				Reason: "EMERGENCY: " + ev.Reason,
			})
		}
		if r.bus != nil {
			r.bus.Publish(events.Event{
				Type: events.EventEmergency,
				Data: map[string]interface{}{
					"blocked_side": ev.BlockedSide,
					"reason":       ev.Reason,
				},
			})
		}
	}
}

// arm adds a block unless an equivalent one is already active. Returns true
// when a new block was armed.
func (r *RiskManager) arm(side, reason string, d time.Duration) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now().UTC()
	for _, b := range r.blocks {
		if b.side == side && now.Before(b.until) {
			return false
		}
	}
	r.blocks = append(r.blocks, entryBlock{side: side, reason: reason, until: now.Add(d)})
	return true
}

// unrealizedPnL computes the floating P&L of one position at a mark price.
func unrealizedPnL(p *database.FuturesPosition, price float64) float64 {
	if p.PositionSide == database.SideShort {
		return (p.AvgEntryPrice - price) * p.Quantity
	}
	return (price - p.AvgEntryPrice) * p.Quantity
}
