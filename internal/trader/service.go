package trader

import (
	"context"
	"time"

	"futures-trading-engine/internal/brain"
	"futures-trading-engine/internal/database"
	"futures-trading-engine/internal/events"
	"futures-trading-engine/internal/logging"
	"futures-trading-engine/internal/market"
	"futures-trading-engine/internal/regime"
	"futures-trading-engine/internal/strategy"
)

// Scan loop defaults.
const (
	DefaultScanInterval  = 300 * time.Second
	DefaultSymbolRefresh = time.Hour
	// Opposite-direction candidates at or above this score close the
	// existing position on the same symbol.
	DefaultReversalExitScore = 45.0
)

// benchmarkSymbol anchors the trend-vs-range classification.
const benchmarkSymbol = "BTCUSDT"

// scanStore is the state-store slice the scanner reads.
type scanStore interface {
	IsTradingEnabled(ctx context.Context, accountID int64) (bool, error)
	GetActivePositions(ctx context.Context, accountID int64) ([]*database.FuturesPosition, error)
	GetAccount(ctx context.Context, accountID int64) (*database.FuturesAccount, error)
}

// symbolLister produces the tradable symbol universe.
type symbolLister interface {
	GetTradableSymbols(ctx context.Context) ([]string, error)
}

// ServiceConfig carries the scanner tunables.
type ServiceConfig struct {
	AccountID         int64
	ScanInterval      time.Duration
	SymbolRefresh     time.Duration
	MaxSymbols        int
	ReversalExitScore float64
	// Symbols pins the universe; empty means discover from the exchange.
	Symbols []string
}

func (c *ServiceConfig) applyDefaults() {
	if c.ScanInterval <= 0 {
		c.ScanInterval = DefaultScanInterval
	}
	if c.SymbolRefresh <= 0 {
		c.SymbolRefresh = DefaultSymbolRefresh
	}
	if c.ReversalExitScore <= 0 {
		c.ReversalExitScore = DefaultReversalExitScore
	}
}

// Service is the main scanner: one pass per interval runs the kill switch,
// the risk breakers, regime detection, mode switching, candidate generation,
// reversal exits, and entry dispatch.
type Service struct {
	cfg        ServiceConfig
	store      scanStore
	positions  entryStore
	lister     symbolLister
	klines     market.KlineSource
	snapshot   *brain.SnapshotLoader
	detector   *regime.Detector
	switcher   *regime.ModeSwitcher
	risk       *RiskManager
	generators []strategy.Generator
	executor   *EntryExecutor
	gateway    *market.Gateway
	queue      *events.ForceCloseQueue
	bus        *events.Bus
	log        *logging.Logger

	symbols     []string
	refreshedAt time.Time
}

// NewService wires the scanner.
func NewService(cfg ServiceConfig, store scanStore, positions entryStore, lister symbolLister,
	klines market.KlineSource, snapshot *brain.SnapshotLoader, detector *regime.Detector,
	switcher *regime.ModeSwitcher, risk *RiskManager, generators []strategy.Generator,
	executor *EntryExecutor, gateway *market.Gateway, queue *events.ForceCloseQueue,
	bus *events.Bus, log *logging.Logger) *Service {
	cfg.applyDefaults()
	return &Service{
		cfg:        cfg,
		store:      store,
		positions:  positions,
		lister:     lister,
		klines:     klines,
		snapshot:   snapshot,
		detector:   detector,
		switcher:   switcher,
		risk:       risk,
		generators: generators,
		executor:   executor,
		gateway:    gateway,
		queue:      queue,
		bus:        bus,
		log:        log.WithComponent("scanner"),
		symbols:    cfg.Symbols,
	}
}

// Run scans until the context ends. The first scan fires immediately.
func (s *Service) Run(ctx context.Context) {
	s.log.Info("scanner started", "interval", s.cfg.ScanInterval.String())
	ticker := time.NewTicker(s.cfg.ScanInterval)
	defer ticker.Stop()

	for {
		scanCtx, cancel := context.WithTimeout(ctx, s.cfg.ScanInterval)
		s.scan(scanCtx)
		cancel()

		select {
		case <-ctx.Done():
			s.log.Info("scanner stopped")
			return
		case <-ticker.C:
		}
	}
}

// scan runs one pass. Decision-time errors never escape the pass.
func (s *Service) scan(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("scan panicked", "panic", r)
			if s.bus != nil {
				s.bus.PublishError("scanner", "scan panicked", nil)
			}
		}
	}()
	started := time.Now()

	if err := s.snapshot.Reload(ctx); err != nil {
		s.log.Warn("snapshot reload failed, keeping previous", "error", err.Error())
	}

	// Breakers and regime run even with the kill switch off: exits and
	// forced closes must keep working on a paused account.
	s.risk.CheckAll(ctx)
	big4 := s.detector.Detect(ctx)
	mode := s.evaluateMode(ctx, big4)

	enabled, err := s.store.IsTradingEnabled(ctx, s.cfg.AccountID)
	if err != nil {
		s.log.Warn("kill-switch read failed, assuming disabled", "error", err.Error())
		enabled = false
	}

	active, err := s.store.GetActivePositions(ctx, s.cfg.AccountID)
	if err != nil {
		s.log.Error("active position load failed, skipping candidate pass", "error", err.Error())
		return
	}
	held := make(map[string]string, len(active)) // symbol -> side
	for _, p := range active {
		held[p.Symbol] = p.PositionSide
	}

	entriesPaused := !enabled || mode == database.ModeRange
	if !enabled {
		s.log.Info("trading disabled, entries paused")
	} else if mode == database.ModeRange {
		s.log.Debug("range mode active, entries paused")
	}

	candidates := 0
	for _, symbol := range s.universe(ctx) {
		cand := s.generate(ctx, symbol)
		if cand == nil {
			continue
		}
		candidates++

		// Reversal exit: a qualifying opposite candidate flattens the
		// held position regardless of the entry gates.
		if side, ok := held[cand.Symbol]; ok && side != cand.Side &&
			cand.Score >= s.cfg.ReversalExitScore && s.queue != nil {
			s.queue.Push(events.ForceCloseRequest{
				Symbol: cand.Symbol,
				Side:   side,
				Reason: "反向信号平仓: " + cand.Fingerprint,
			})
			s.log.Info("reversal exit queued",
				"symbol", cand.Symbol, "held_side", side, "score", cand.Score)
		}

		if entriesPaused {
			continue
		}
		if err := s.executor.Execute(ctx, cand, big4, mode); err != nil {
			s.log.Warn("entry dispatch failed",
				"symbol", cand.Symbol, "side", cand.Side, "error", err.Error())
		}
	}

	if acct, err := s.store.GetAccount(ctx, s.cfg.AccountID); err == nil {
		s.log.Info("account snapshot",
			"available", acct.CurrentBalance, "frozen", acct.FrozenBalance,
			"realized_pnl", acct.RealizedPnL, "win_rate", acct.WinRate)
	}

	s.log.Info("scan finished",
		"mode", mode, "big4", big4.OverallSignal, "candidates", candidates,
		"positions", len(active), "elapsed", time.Since(started).Round(time.Millisecond).String())
}

// generate runs the active generators for one symbol and returns the first
// candidate. Generator errors are logged and treated as no candidate.
func (s *Service) generate(ctx context.Context, symbol string) *brain.Candidate {
	quote, err := s.gateway.Price(ctx, symbol)
	if err != nil {
		return nil
	}
	for _, g := range s.generators {
		cand, err := g.Generate(ctx, symbol, quote.Price)
		if err != nil {
			s.log.Debug("generator failed", "generator", g.Name(), "symbol", symbol, "error", err.Error())
			continue
		}
		if cand != nil {
			return cand
		}
	}
	return nil
}

// evaluateMode classifies trend vs range on the benchmark and feeds the
// switcher. Classification failures keep the current mode.
func (s *Service) evaluateMode(ctx context.Context, big4 *regime.Result) string {
	candles15m, err := s.klines.GetKlines(ctx, benchmarkSymbol, market.Interval15m, 48)
	if err != nil {
		s.log.Warn("mode classification skipped", "error", err.Error())
		return s.switcher.Current()
	}
	candles1h, err := s.klines.GetKlines(ctx, benchmarkSymbol, market.Interval1h, 24)
	if err != nil {
		s.log.Warn("mode classification skipped", "error", err.Error())
		return s.switcher.Current()
	}

	c := regime.Classify(candles15m, candles1h)
	if err := s.switcher.Evaluate(ctx, c, big4); err != nil {
		s.log.Warn("mode evaluation failed", "error", err.Error())
	}
	return s.switcher.Current()
}

// universe returns the scan symbols, refreshing from the exchange when the
// list is discovered rather than pinned.
func (s *Service) universe(ctx context.Context) []string {
	if len(s.cfg.Symbols) > 0 {
		return s.cfg.Symbols
	}
	if len(s.symbols) > 0 && time.Since(s.refreshedAt) < s.cfg.SymbolRefresh {
		return s.symbols
	}

	symbols, err := s.lister.GetTradableSymbols(ctx)
	if err != nil {
		s.log.Warn("symbol refresh failed, keeping previous universe",
			"error", err.Error(), "symbols", len(s.symbols))
		return s.symbols
	}
	if s.cfg.MaxSymbols > 0 && len(symbols) > s.cfg.MaxSymbols {
		symbols = symbols[:s.cfg.MaxSymbols]
	}
	s.symbols = symbols
	s.refreshedAt = time.Now().UTC()
	s.log.Info("symbol universe refreshed", "symbols", len(symbols))
	return s.symbols
}
