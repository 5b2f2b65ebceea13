package trader

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"futures-trading-engine/internal/database"
	"futures-trading-engine/internal/events"
	"futures-trading-engine/internal/market"
)

// Close reasons persisted into order notes. The stop-loss marker doubles as
// the input of the stop-loss cluster breaker.
const (
	ReasonStopLoss   = "止损"
	ReasonTakeProfit = "止盈"
	ReasonTimeout    = "超时"
)

// PartialBand is one rung of the partial take-profit ladder.
type PartialBand struct {
	TriggerPct float64 // P&L percent on margin that arms the rung
	Fraction   float64 // share of the position to close
}

// monitorStore is the state-store slice the exit optimizer works through.
type monitorStore interface {
	GetActivePositions(ctx context.Context, accountID int64) ([]*database.FuturesPosition, error)
	GetPositionByID(ctx context.Context, id int64) (*database.FuturesPosition, error)
	ClosePositionTx(ctx context.Context, p database.CloseParams) (*database.CloseResult, error)
	UpdateStopLoss(ctx context.Context, positionID int64, stopLoss float64, note string) error
	GetSignalQualityStat(ctx context.Context, signalType, side string) (*database.SignalQualityStat, error)
	UpsertSignalQualityStat(ctx context.Context, s *database.SignalQualityStat) error
}

// ExitConfig carries the exit optimizer tunables.
type ExitConfig struct {
	AccountID           int64
	MonitorInterval     time.Duration
	MarginFloor         float64 // below this residual margin a partial close upgrades to full
	TrailingActivatePct float64 // profit percent that activates the trailing stop
	TrailingDistancePct float64 // trailing distance from the mark
	PartialLadder       []PartialBand
	FeeRate             float64
}

func (c *ExitConfig) applyDefaults() {
	if c.MonitorInterval <= 0 {
		c.MonitorInterval = 5 * time.Second
	}
	if c.MarginFloor <= 0 {
		c.MarginFloor = 10
	}
	if c.TrailingActivatePct <= 0 {
		c.TrailingActivatePct = 3.0
	}
	if c.TrailingDistancePct <= 0 {
		c.TrailingDistancePct = 1.5
	}
	if c.FeeRate <= 0 {
		c.FeeRate = takerFeeRate
	}
}

// MonitorManager is the exit optimizer: the single component allowed to close
// positions. It runs one monitor goroutine per active position and consumes
// the force-close queue.
type MonitorManager struct {
	cfg     ExitConfig
	store   monitorStore
	gateway *market.Gateway
	queue   *events.ForceCloseQueue
	bus     *events.Bus
	logger  zerolog.Logger

	mu       sync.Mutex
	monitors map[int64]context.CancelFunc
	builds   map[int64]*batchBuild
	root     context.Context
	cancel   context.CancelFunc
}

// NewMonitorManager wires the exit optimizer.
func NewMonitorManager(cfg ExitConfig, store monitorStore, gateway *market.Gateway,
	queue *events.ForceCloseQueue, bus *events.Bus, logger zerolog.Logger) *MonitorManager {
	cfg.applyDefaults()
	return &MonitorManager{
		cfg:      cfg,
		store:    store,
		gateway:  gateway,
		queue:    queue,
		bus:      bus,
		logger:   logger.With().Str("component", "ExitOptimizer").Logger(),
		monitors: make(map[int64]context.CancelFunc),
		builds:   make(map[int64]*batchBuild),
	}
}

// Start launches the force-close consumer and respawns monitors for every
// active position found in the store.
func (m *MonitorManager) Start(ctx context.Context) error {
	m.mu.Lock()
	m.root, m.cancel = context.WithCancel(ctx)
	root := m.root
	m.mu.Unlock()

	if m.queue != nil {
		go m.consumeForceCloses(root)
	}
	return m.Respawn(ctx)
}

// Stop cancels every monitor.
func (m *MonitorManager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		m.cancel()
	}
	m.monitors = make(map[int64]context.CancelFunc)
}

// Watch spawns a monitor for one position. Idempotent per position ID.
func (m *MonitorManager) Watch(pos *database.FuturesPosition) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.root == nil {
		return
	}
	if _, exists := m.monitors[pos.ID]; exists {
		return
	}
	ctx, cancel := context.WithCancel(m.root)
	m.monitors[pos.ID] = cancel
	go m.run(ctx, pos)
	m.logger.Info().Int64("position_id", pos.ID).Str("symbol", pos.Symbol).
		Str("side", pos.PositionSide).Msg("monitor spawned")
}

// MonitoredIDs returns the position IDs currently under a monitor.
func (m *MonitorManager) MonitoredIDs() map[int64]bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make(map[int64]bool, len(m.monitors))
	for id := range m.monitors {
		ids[id] = true
	}
	return ids
}

// Respawn reconciles monitors against the database: every active position
// gets a monitor, monitors for gone positions are canceled.
func (m *MonitorManager) Respawn(ctx context.Context) error {
	positions, err := m.store.GetActivePositions(ctx, m.cfg.AccountID)
	if err != nil {
		return fmt.Errorf("failed to load active positions: %w", err)
	}

	active := make(map[int64]*database.FuturesPosition, len(positions))
	for _, p := range positions {
		active[p.ID] = p
	}

	m.mu.Lock()
	for id, cancel := range m.monitors {
		if _, ok := active[id]; !ok {
			cancel()
			delete(m.monitors, id)
		}
	}
	m.mu.Unlock()

	for _, p := range positions {
		m.Watch(p)
	}
	return nil
}

// CancelAll stops all monitors without touching positions. The supervisor
// calls Respawn afterwards.
func (m *MonitorManager) CancelAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, cancel := range m.monitors {
		cancel()
		delete(m.monitors, id)
	}
	m.logger.Warn().Msg("all monitors canceled")
}

func (m *MonitorManager) release(positionID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cancel, ok := m.monitors[positionID]; ok {
		cancel()
		delete(m.monitors, positionID)
	}
}

func (m *MonitorManager) trackBuild(b *batchBuild) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.builds[b.positionID] = b
}

func (m *MonitorManager) untrackBuild(positionID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.builds, positionID)
}

// cancelBuild stops an in-flight batched entry for a position, if any.
func (m *MonitorManager) cancelBuild(positionID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.builds[positionID]; ok {
		b.Cancel()
	}
}

// run is one position's monitor loop.
func (m *MonitorManager) run(ctx context.Context, pos *database.FuturesPosition) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error().Int64("position_id", pos.ID).Interface("panic", r).
				Msg("monitor panicked, releasing; supervisor will respawn")
			m.release(pos.ID)
		}
	}()

	log := m.logger.With().Int64("position_id", pos.ID).Str("symbol", pos.Symbol).Logger()
	state := newMonitorState(pos)
	ticker := time.NewTicker(m.cfg.MonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		tickCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		done := m.tick(tickCtx, state, log)
		cancel()
		if done {
			m.release(pos.ID)
			return
		}
	}
}

// monitorState is the mutable view one monitor keeps between ticks.
type monitorState struct {
	pos          *database.FuturesPosition
	appliedBands map[int]bool
}

func newMonitorState(pos *database.FuturesPosition) *monitorState {
	s := &monitorState{pos: pos, appliedBands: make(map[int]bool)}
	// Re-applied rungs survive a respawn through the audit trail.
	for i := range ladderMarks {
		if strings.Contains(pos.Notes, ladderMarks[i]) {
			s.appliedBands[i] = true
		}
	}
	return s
}

// ladderMarks tags applied partial-close rungs inside the position notes.
var ladderMarks = []string{"部分止盈#1", "部分止盈#2", "部分止盈#3", "部分止盈#4"}

// tick evaluates one monitor pass. Returns true when the position is closed
// and the monitor should exit.
func (m *MonitorManager) tick(ctx context.Context, state *monitorState, log zerolog.Logger) bool {
	pos, err := m.store.GetPositionByID(ctx, state.pos.ID)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return true
		}
		log.Warn().Err(err).Msg("position reload failed")
		return false
	}
	if !pos.IsActive() {
		return true
	}
	state.pos = pos
	if pos.Quantity == 0 {
		// Building position waiting for its first slice.
		return false
	}

	quote, err := m.gateway.Price(ctx, pos.Symbol)
	if err != nil {
		// Acting on a stale price is worse than skipping a tick.
		log.Debug().Err(err).Msg("no fresh price, skipping tick")
		return false
	}
	price := quote.Price
	pnlPct := unrealizedPnL(pos, price) / pos.Margin * 100

	// 1. Hard stop-loss.
	if crossedStop(pos, price) {
		return m.fullClose(ctx, pos, price, ReasonStopLoss, log)
	}

	// 2. Take-profit.
	if crossedTake(pos, price) {
		return m.fullClose(ctx, pos, price, ReasonTakeProfit, log)
	}

	// 3. Partial take-profit ladder.
	for i, band := range m.cfg.PartialLadder {
		if i >= len(ladderMarks) || state.appliedBands[i] || pnlPct < band.TriggerPct {
			continue
		}
		state.appliedBands[i] = true
		if closed := m.partialClose(ctx, pos, price, band.Fraction, i, log); closed {
			return true
		}
		return false
	}

	// 4. Trailing stop once past the activation profit.
	if pnlPct >= m.cfg.TrailingActivatePct {
		m.trail(ctx, pos, price, log)
	}

	// 5. Timeout.
	if pos.TimeoutAt != nil && !time.Now().UTC().Before(*pos.TimeoutAt) {
		return m.fullClose(ctx, pos, price, ReasonTimeout, log)
	}

	return false
}

func crossedStop(pos *database.FuturesPosition, price float64) bool {
	if pos.StopLossPrice == nil {
		return false
	}
	if pos.PositionSide == database.SideLong {
		return price <= *pos.StopLossPrice
	}
	return price >= *pos.StopLossPrice
}

func crossedTake(pos *database.FuturesPosition, price float64) bool {
	if pos.TakeProfitPrice == nil {
		return false
	}
	if pos.PositionSide == database.SideLong {
		return price >= *pos.TakeProfitPrice
	}
	return price <= *pos.TakeProfitPrice
}

// trail ratchets the stop toward the mark. The stop only ever tightens.
func (m *MonitorManager) trail(ctx context.Context, pos *database.FuturesPosition, price float64, log zerolog.Logger) {
	var newStop float64
	if pos.PositionSide == database.SideLong {
		newStop = price * (1 - m.cfg.TrailingDistancePct/100)
		if pos.StopLossPrice != nil && newStop <= *pos.StopLossPrice {
			return
		}
	} else {
		newStop = price * (1 + m.cfg.TrailingDistancePct/100)
		if pos.StopLossPrice != nil && newStop >= *pos.StopLossPrice {
			return
		}
	}

	note := fmt.Sprintf("移动止损上调至 %.8f (现价 %.8f)", newStop, price)
	if err := m.store.UpdateStopLoss(ctx, pos.ID, newStop, note); err != nil {
		log.Warn().Err(err).Msg("trailing stop update failed")
		return
	}
	pos.StopLossPrice = &newStop
	log.Info().Float64("stop", newStop).Float64("price", price).Msg("trailing stop ratcheted")
}

// consumeForceCloses serves the force-close queue: requests from the risk
// layer, the brain's reversal exits, and the breakout opposite-side flatten.
func (m *MonitorManager) consumeForceCloses(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-m.queue.C():
			m.handleForceClose(ctx, req)
		}
	}
}

func (m *MonitorManager) handleForceClose(ctx context.Context, req events.ForceCloseRequest) {
	opCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	positions, err := m.store.GetActivePositions(opCtx, m.cfg.AccountID)
	if err != nil {
		m.logger.Error().Err(err).Msg("force close: position load failed")
		return
	}

	for _, pos := range positions {
		if req.Side != "" && pos.PositionSide != req.Side {
			continue
		}
		if req.Symbol != "" && pos.Symbol != req.Symbol {
			continue
		}

		m.cancelBuild(pos.ID)
		price, err := m.gateway.MarkPrice(opCtx, pos.Symbol)
		if err != nil {
			m.logger.Error().Err(err).Int64("position_id", pos.ID).
				Msg("force close: no price, leaving for next pass")
			continue
		}
		log := m.logger.With().Int64("position_id", pos.ID).Logger()
		m.fullClose(opCtx, pos, price, req.Reason, log)
	}
}
