package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"futures-trading-engine/config"
	"futures-trading-engine/internal/brain"
	"futures-trading-engine/internal/cache"
	"futures-trading-engine/internal/database"
	"futures-trading-engine/internal/events"
	"futures-trading-engine/internal/logging"
	"futures-trading-engine/internal/market"
	"futures-trading-engine/internal/optimizer"
	"futures-trading-engine/internal/regime"
	"futures-trading-engine/internal/scheduler"
	"futures-trading-engine/internal/strategy"
	"futures-trading-engine/internal/trader"
)

// Exchange endpoints. Only public market data is consumed.
const (
	mainnetRestURL   = "https://fapi.binance.com"
	mainnetStreamURL = "wss://fstream.binance.com"
	testnetRestURL   = "https://testnet.binancefuture.com"
	testnetStreamURL = "wss://stream.binancefuture.com"
)

// initialBalance seeds the paper account on first start.
const initialBalance = 10000.0

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := logging.New(logging.Config{
		Level:      cfg.Logging.Level,
		Output:     cfg.Logging.Output,
		JSONFormat: cfg.Logging.JSONFormat,
	})
	logging.SetDefault(logger)
	logger.Info("structured logging initialized", "level", cfg.Logging.Level)

	// The exit-monitor subsystem logs through zerolog.
	zlog := zerolog.New(os.Stdout).With().Timestamp().Logger()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// State store.
	db, err := database.NewDB(database.Config{
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		Database: cfg.Database.Name,
		SSLMode:  cfg.Database.SSLMode,
	})
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	if err := db.RunMigrations(ctx); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}
	if err := db.EnsureAccount(ctx, cfg.Engine.AccountID, initialBalance); err != nil {
		log.Fatalf("Failed to ensure account: %v", err)
	}

	// Optional Redis cache; the engine degrades gracefully without it.
	cacheSvc := cache.New(cfg.Redis, logger)
	defer cacheSvc.Close()

	// Market data.
	restURL, streamURL := mainnetRestURL, mainnetStreamURL
	if cfg.Exchange.TestNet {
		restURL, streamURL = testnetRestURL, testnetStreamURL
	}
	if cfg.Exchange.StreamURL != "" {
		streamURL = cfg.Exchange.StreamURL
	}
	rest := market.NewRestClient(restURL, cfg.Exchange.APIKey,
		time.Duration(cfg.Exchange.DialTimeout)*time.Second,
		time.Duration(cfg.Exchange.ReadTimeout)*time.Second)
	stream := market.NewStreamReader(streamURL, cacheSvc, logger)
	stream.Start()
	defer stream.Stop()

	// Candle reads go store-first; the syncer below keeps the store warm and
	// REST fills the gaps.
	candles := market.NewCandleCache(db, rest, logger)
	gateway := market.NewGateway(stream, candles, logger)

	// Messaging between the decision, risk and execution layers.
	bus := events.NewBus()
	queue := events.NewForceCloseQueue(64)

	// Regime detection and mode switching.
	detector := regime.NewDetector(candles, cfg.Regime.BenchmarkSymbols, cfg.Engine.AccountID,
		time.Duration(cfg.Regime.DetectIntervalMinutes)*time.Minute,
		time.Duration(cfg.Regime.CacheTTLMinutes)*time.Minute,
		cacheSvc, logger)
	switcher, err := regime.NewModeSwitcher(ctx, db, bus, cacheSvc, cfg.Engine.AccountID,
		cfg.Regime.ConfirmObservations,
		time.Duration(cfg.Regime.SwitchCooldownMinutes)*time.Minute, logger)
	if err != nil {
		log.Fatalf("Failed to restore mode state: %v", err)
	}

	// Adaptive configuration snapshot.
	snapshot := brain.NewSnapshotLoader(db, logger)
	if err := snapshot.Reload(ctx); err != nil {
		logger.Warn("initial snapshot load failed, starting with defaults", "error", err.Error())
	}

	// Risk layer feeds entry blocks to the brain and forced closes to the
	// exit optimizer.
	riskMgr := trader.NewRiskManager(trader.RiskConfig{
		AccountID:          cfg.Engine.AccountID,
		AggregateLossLimit: cfg.Risk.AggregateLossLimit,
		LossBlockDuration:  time.Duration(cfg.Risk.LossBlockMinutes) * time.Minute,
		StopLossWindow:     cfg.Risk.StopLossWindow,
		StopLossTrip:       cfg.Risk.StopLossTripCount,
		ReversalBlock:      time.Duration(cfg.Risk.ReversalBlockMinutes) * time.Minute,
	}, db, gateway, detector, queue, bus, logger)

	brainEngine := brain.New(brain.Config{
		AccountID:       cfg.Engine.AccountID,
		BaseThreshold:   cfg.Brain.BaseThreshold,
		AntiFOMO:        cfg.Brain.AntiFOMOEnabled,
		ReentryCooldown: time.Duration(cfg.Brain.ReentryCooldownMins) * time.Minute,
	}, candles, db, snapshot, riskMgr, bus, logger)

	// Exit optimizer: the only component that closes positions.
	var ladder []trader.PartialBand
	if cfg.Exit.SmartExitEnabled {
		ladder = []trader.PartialBand{
			{TriggerPct: 2.0, Fraction: 0.3},
			{TriggerPct: 4.0, Fraction: 0.3},
			{TriggerPct: 6.0, Fraction: 0.5},
		}
	}
	monitors := trader.NewMonitorManager(trader.ExitConfig{
		AccountID:           cfg.Engine.AccountID,
		MonitorInterval:     time.Duration(cfg.Exit.MonitorIntervalSecs) * time.Second,
		MarginFloor:         cfg.Exit.MinMarginFloor,
		TrailingActivatePct: cfg.Exit.TrailingActivatePct,
		TrailingDistancePct: cfg.Exit.TrailingDistancePct,
		PartialLadder:       ladder,
	}, db, gateway, queue, bus, zlog)

	batchSlices := 0
	if cfg.Entry.BatchEnabled {
		batchSlices = cfg.Entry.BatchSlices
	}
	executor := trader.NewEntryExecutor(trader.EntryConfig{
		AccountID:    cfg.Engine.AccountID,
		PositionSize: cfg.Entry.DefaultPositionSize,
		Leverage:     cfg.Engine.DefaultLeverage,
		BatchSlices:  batchSlices,
		BatchHorizon: time.Duration(cfg.Entry.BatchHorizonMins) * time.Minute,
		MarginFloor:  cfg.Exit.MinMarginFloor,
		RangeMaxHold: time.Duration(cfg.Exit.RangeMaxHoldMins) * time.Minute,
		TrendMaxHold: time.Duration(cfg.Exit.TrendMaxHoldMins) * time.Minute,
		Quote:        cfg.Exchange.QuoteCurrency,
	}, db, gateway, snapshot, monitors, riskMgr, queue, bus, logger)

	meanReversion := strategy.NewMeanReversion(candles, logger)
	meanReversion.Enabled = cfg.Regime.RangeEntriesEnabled
	generators := []strategy.Generator{
		strategy.NewTrendFollow(brainEngine),
		meanReversion,
	}

	scanner := trader.NewService(trader.ServiceConfig{
		AccountID:    cfg.Engine.AccountID,
		ScanInterval: cfg.Engine.ScanInterval(),
		Symbols:      cfg.Engine.Symbols,
	}, db, db, rest, candles, snapshot, detector, switcher, riskMgr, generators,
		executor, gateway, queue, bus, logger)

	supervisor := trader.NewSupervisor(db, monitors,
		time.Duration(cfg.Exit.SupervisorIntervalSecs)*time.Second, zlog)

	// Scheduled jobs: candle maintenance and the daily optimizer.
	syncSymbols := append([]string{}, cfg.Regime.BenchmarkSymbols...)
	syncSymbols = append(syncSymbols, cfg.Engine.Symbols...)
	syncer := market.NewSyncer(rest, db, syncSymbols,
		[]string{market.Interval15m, market.Interval1h}, 100, 14*24*time.Hour, logger)

	sched := scheduler.New(zlog, 10*time.Minute)
	mustAddJob(sched, "*/15 * * * *", scheduler.JobFunc{JobName: "kline-sync", Fn: syncer.Sync})
	mustAddJob(sched, "30 */6 * * *", scheduler.JobFunc{JobName: "kline-prune", Fn: syncer.Prune})
	if cfg.Optimizer.Enabled {
		opt := optimizer.New(optimizer.Config{
			AccountID: cfg.Engine.AccountID,
			AutoApply: cfg.Optimizer.AutoApply,
		}, db, snapshot, logger)
		mustAddJob(sched, cfg.Optimizer.Schedule, scheduler.JobFunc{
			JobName: "daily-optimizer",
			Fn: func(ctx context.Context) error {
				_, err := opt.Run(ctx)
				return err
			},
		})
	}

	// Launch.
	if err := monitors.Start(ctx); err != nil {
		log.Fatalf("Failed to start position monitors: %v", err)
	}
	go supervisor.Run(ctx)
	go scanner.Run(ctx)
	sched.Start()

	logger.Info("engine started",
		"account_id", cfg.Engine.AccountID,
		"scan_interval", cfg.Engine.ScanInterval().String(),
		"mode", switcher.Current())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info("shutdown signal received", "signal", sig.String())

	cancel()
	sched.Stop()
	monitors.Stop()
	logger.Info("engine stopped")
}

func mustAddJob(s *scheduler.Scheduler, schedule string, job scheduler.Job) {
	if err := s.AddJob(schedule, job); err != nil {
		log.Fatalf("Failed to register job %s: %v", job.Name(), err)
	}
}
