package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the static configuration loaded at startup. Everything tunable at
// runtime (stop-loss percentages, scoring weights, blacklists, ratings) lives
// in the database and hot-reloads; this file only carries what the process
// needs before it can reach the database.
type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Exchange  ExchangeConfig  `yaml:"exchange"`
	Engine    EngineConfig    `yaml:"engine"`
	Regime    RegimeConfig    `yaml:"regime"`
	Brain     BrainConfig     `yaml:"brain"`
	Entry     EntryConfig     `yaml:"entry"`
	Exit      ExitConfig      `yaml:"exit"`
	Risk      RiskConfig      `yaml:"risk"`
	Optimizer OptimizerConfig `yaml:"optimizer"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// DatabaseConfig holds PostgreSQL connection parameters.
type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Name     string `yaml:"name"`
	SSLMode  string `yaml:"ssl_mode"`
}

// RedisConfig holds the optional Redis cache configuration. The engine runs
// without Redis; caches degrade to in-memory only.
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

// ExchangeConfig holds exchange endpoints and the optional data API key. Only
// public market data is consumed, so no secret key is needed.
type ExchangeConfig struct {
	APIKey        string `yaml:"api_key"`
	StreamURL     string `yaml:"stream_url"`
	TestNet       bool   `yaml:"testnet"`
	ReadTimeout   int    `yaml:"read_timeout_secs"` // per-call read timeout
	DialTimeout   int    `yaml:"dial_timeout_secs"` // connect timeout
	QuoteCurrency string `yaml:"quote_currency"`    // only matching perpetuals pass the contract check
}

// EngineConfig controls the main scan loop.
type EngineConfig struct {
	AccountID        int64    `yaml:"account_id"`
	Symbols          []string `yaml:"symbols"`
	ScanIntervalSecs int      `yaml:"scan_interval_secs"`
	DefaultLeverage  int      `yaml:"default_leverage"`
}

// RegimeConfig controls the Big4 detector and mode switching.
type RegimeConfig struct {
	BenchmarkSymbols      []string `yaml:"benchmark_symbols"`
	CacheTTLMinutes       int      `yaml:"cache_ttl_minutes"`
	DetectIntervalMinutes int      `yaml:"detect_interval_minutes"`
	SwitchCooldownMinutes int      `yaml:"switch_cooldown_minutes"`
	ConfirmObservations   int      `yaml:"confirm_observations"`
	RangeEntriesEnabled   bool     `yaml:"range_entries_enabled"`
}

// BrainConfig controls decision-time filters.
type BrainConfig struct {
	BaseThreshold       float64 `yaml:"base_threshold"`
	AntiFOMOEnabled     bool    `yaml:"anti_fomo_enabled"`
	ReentryCooldownMins int     `yaml:"reentry_cooldown_mins"`
}

// EntryConfig controls the entry executor.
type EntryConfig struct {
	DefaultPositionSize float64 `yaml:"default_position_size"` // USDT margin per position
	BatchEnabled        bool    `yaml:"batch_enabled"`
	BatchSlices         int     `yaml:"batch_slices"`
	BatchHorizonMins    int     `yaml:"batch_horizon_mins"`
}

// ExitConfig controls the exit optimizer.
type ExitConfig struct {
	MonitorIntervalSecs    int     `yaml:"monitor_interval_secs"`
	SupervisorIntervalSecs int     `yaml:"supervisor_interval_secs"`
	SmartExitEnabled       bool    `yaml:"smart_exit_enabled"` // partial ladder + trailing
	MinMarginFloor         float64 `yaml:"min_margin_floor"`   // below this a partial close upgrades to full
	TrailingActivatePct    float64 `yaml:"trailing_activate_pct"`
	TrailingDistancePct    float64 `yaml:"trailing_distance_pct"`
	RangeMaxHoldMins       int     `yaml:"range_max_hold_mins"`
	TrendMaxHoldMins       int     `yaml:"trend_max_hold_mins"`
}

// RiskConfig controls the emergency layer.
type RiskConfig struct {
	AggregateLossLimit   float64 `yaml:"aggregate_loss_limit"`   // USDT, positive number
	LossBlockMinutes     int     `yaml:"loss_block_minutes"`     // entry block after aggregate-loss trip
	StopLossWindow       int     `yaml:"stop_loss_window"`       // recent close orders inspected
	StopLossTripCount    int     `yaml:"stop_loss_trip_count"`   // stop-loss notes within window that trip
	ReversalBlockMinutes int     `yaml:"reversal_block_minutes"` // side block after synchronized reversal
}

// OptimizerConfig controls the daily adaptive optimizer.
type OptimizerConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Schedule  string `yaml:"schedule"` // cron spec, UTC
	AutoApply bool   `yaml:"auto_apply"`
}

// LoggingConfig mirrors internal/logging.Config.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Output     string `yaml:"output"`
	JSONFormat bool   `yaml:"json_format"`
}

// Load reads the YAML file at path (if present) and applies environment
// overrides and defaults. A missing file is not fatal; missing database
// parameters are.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if data, err := os.ReadFile(path); err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("error parsing config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)
	applyDefaults(cfg)

	if cfg.Database.Host == "" || cfg.Database.Name == "" {
		return nil, fmt.Errorf("database host and name are required (config file or DB_HOST/DB_NAME)")
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	cfg.Database.Host = getEnvOrDefault("DB_HOST", cfg.Database.Host)
	cfg.Database.Port = getEnvIntOrDefault("DB_PORT", cfg.Database.Port)
	cfg.Database.User = getEnvOrDefault("DB_USER", cfg.Database.User)
	cfg.Database.Password = getEnvOrDefault("DB_PASSWORD", cfg.Database.Password)
	cfg.Database.Name = getEnvOrDefault("DB_NAME", cfg.Database.Name)

	cfg.Redis.Address = getEnvOrDefault("REDIS_ADDRESS", cfg.Redis.Address)
	if os.Getenv("REDIS_ADDRESS") != "" {
		cfg.Redis.Enabled = true
	}

	cfg.Regime.CacheTTLMinutes = getEnvIntOrDefault("BIG4_CACHE_TTL_MINUTES", cfg.Regime.CacheTTLMinutes)
	cfg.Regime.DetectIntervalMinutes = getEnvIntOrDefault("BIG4_DETECT_INTERVAL_MINUTES", cfg.Regime.DetectIntervalMinutes)

	cfg.Logging.Level = getEnvOrDefault("LOG_LEVEL", cfg.Logging.Level)
}

func applyDefaults(cfg *Config) {
	if cfg.Database.Port == 0 {
		cfg.Database.Port = 5432
	}
	if cfg.Database.SSLMode == "" {
		cfg.Database.SSLMode = "disable"
	}
	if cfg.Redis.PoolSize == 0 {
		cfg.Redis.PoolSize = 10
	}
	if cfg.Exchange.QuoteCurrency == "" {
		cfg.Exchange.QuoteCurrency = "USDT"
	}
	if cfg.Exchange.ReadTimeout == 0 {
		cfg.Exchange.ReadTimeout = 10
	}
	if cfg.Exchange.DialTimeout == 0 {
		cfg.Exchange.DialTimeout = 5
	}
	if cfg.Engine.ScanIntervalSecs == 0 {
		cfg.Engine.ScanIntervalSecs = 300
	}
	if cfg.Engine.DefaultLeverage == 0 {
		cfg.Engine.DefaultLeverage = 5
	}
	if len(cfg.Regime.BenchmarkSymbols) == 0 {
		cfg.Regime.BenchmarkSymbols = []string{"BTCUSDT", "ETHUSDT", "BNBUSDT", "SOLUSDT"}
	}
	if cfg.Regime.CacheTTLMinutes == 0 {
		cfg.Regime.CacheTTLMinutes = 60
	}
	if cfg.Regime.DetectIntervalMinutes == 0 {
		cfg.Regime.DetectIntervalMinutes = 15
	}
	if cfg.Regime.SwitchCooldownMinutes == 0 {
		cfg.Regime.SwitchCooldownMinutes = 30
	}
	if cfg.Regime.ConfirmObservations == 0 {
		cfg.Regime.ConfirmObservations = 3
	}
	if cfg.Brain.BaseThreshold == 0 {
		cfg.Brain.BaseThreshold = 35
	}
	if cfg.Brain.ReentryCooldownMins == 0 {
		cfg.Brain.ReentryCooldownMins = 15
	}
	if cfg.Entry.DefaultPositionSize == 0 {
		cfg.Entry.DefaultPositionSize = 400
	}
	if cfg.Entry.BatchSlices == 0 {
		cfg.Entry.BatchSlices = 4
	}
	if cfg.Entry.BatchHorizonMins == 0 {
		cfg.Entry.BatchHorizonMins = 60
	}
	if cfg.Exit.MonitorIntervalSecs == 0 {
		cfg.Exit.MonitorIntervalSecs = 5
	}
	if cfg.Exit.SupervisorIntervalSecs == 0 {
		cfg.Exit.SupervisorIntervalSecs = 60
	}
	if cfg.Exit.MinMarginFloor == 0 {
		cfg.Exit.MinMarginFloor = 10
	}
	if cfg.Exit.TrailingActivatePct == 0 {
		cfg.Exit.TrailingActivatePct = 3.0
	}
	if cfg.Exit.TrailingDistancePct == 0 {
		cfg.Exit.TrailingDistancePct = 1.5
	}
	if cfg.Exit.RangeMaxHoldMins == 0 {
		cfg.Exit.RangeMaxHoldMins = 240
	}
	if cfg.Exit.TrendMaxHoldMins == 0 {
		cfg.Exit.TrendMaxHoldMins = 720
	}
	if cfg.Risk.AggregateLossLimit == 0 {
		cfg.Risk.AggregateLossLimit = 600
	}
	if cfg.Risk.LossBlockMinutes == 0 {
		cfg.Risk.LossBlockMinutes = 120
	}
	if cfg.Risk.StopLossWindow == 0 {
		cfg.Risk.StopLossWindow = 10
	}
	if cfg.Risk.StopLossTripCount == 0 {
		cfg.Risk.StopLossTripCount = 5
	}
	if cfg.Risk.ReversalBlockMinutes == 0 {
		cfg.Risk.ReversalBlockMinutes = 240
	}
	if cfg.Optimizer.Schedule == "" {
		cfg.Optimizer.Schedule = "0 2 * * *"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "INFO"
		cfg.Logging.JSONFormat = true
	}
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// ScanInterval returns the main loop period as a duration.
func (c *EngineConfig) ScanInterval() time.Duration {
	return time.Duration(c.ScanIntervalSecs) * time.Second
}
