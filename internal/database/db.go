package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"futures-trading-engine/internal/logging"
)

// DB wraps the PostgreSQL connection pool. Every write that touches money
// goes through one of the *Tx methods in transactions.go; plain reads are
// autocommit.
type DB struct {
	Pool *pgxpool.Pool
}

// Config holds database configuration
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

// NewDB creates a new database connection pool and verifies connectivity.
func NewDB(cfg Config) (*DB, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	poolConfig.MaxConns = 25
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	logging.WithComponent("database").Info("connected to PostgreSQL", "database", cfg.Database)
	return &DB{Pool: pool}, nil
}

// Close closes the connection pool.
func (db *DB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
	}
}

// HealthCheck pings the database.
func (db *DB) HealthCheck(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}

// migrations are the engine's table definitions, applied in order. Each
// statement is idempotent.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS futures_trading_accounts (
		id BIGSERIAL PRIMARY KEY,
		current_balance DECIMAL(20, 8) NOT NULL DEFAULT 0,
		frozen_balance DECIMAL(20, 8) NOT NULL DEFAULT 0,
		realized_pnl DECIMAL(20, 8) NOT NULL DEFAULT 0,
		total_trades INT NOT NULL DEFAULT 0,
		winning_trades INT NOT NULL DEFAULT 0,
		losing_trades INT NOT NULL DEFAULT 0,
		win_rate DECIMAL(6, 2) NOT NULL DEFAULT 0,
		updated_at TIMESTAMP NOT NULL DEFAULT NOW()
	)`,

	`CREATE TABLE IF NOT EXISTS futures_positions (
		id BIGSERIAL PRIMARY KEY,
		account_id BIGINT NOT NULL REFERENCES futures_trading_accounts(id),
		symbol VARCHAR(20) NOT NULL,
		position_side VARCHAR(5) NOT NULL,
		quantity DECIMAL(20, 8) NOT NULL DEFAULT 0,
		entry_price DECIMAL(20, 8) NOT NULL,
		avg_entry_price DECIMAL(20, 8) NOT NULL,
		leverage INT NOT NULL,
		notional_value DECIMAL(20, 8) NOT NULL DEFAULT 0,
		margin DECIMAL(20, 8) NOT NULL DEFAULT 0,
		open_time TIMESTAMP NOT NULL,
		close_time TIMESTAMP,
		stop_loss_price DECIMAL(20, 8),
		take_profit_price DECIMAL(20, 8),
		entry_signal_type VARCHAR(200),
		entry_reason TEXT,
		entry_score DECIMAL(10, 2),
		signal_components JSONB,
		max_hold_minutes INT NOT NULL DEFAULT 0,
		timeout_at TIMESTAMP,
		status VARCHAR(10) NOT NULL DEFAULT 'open',
		realized_pnl DECIMAL(20, 8) NOT NULL DEFAULT 0,
		notes TEXT NOT NULL DEFAULT '',
		updated_at TIMESTAMP NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_positions_status ON futures_positions(status)`,
	`CREATE INDEX IF NOT EXISTS idx_positions_symbol_side ON futures_positions(symbol, position_side)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_positions_active_unique
		ON futures_positions(account_id, symbol, position_side)
		WHERE status IN ('building', 'open')`,

	`CREATE TABLE IF NOT EXISTS futures_orders (
		order_id VARCHAR(40) PRIMARY KEY,
		account_id BIGINT NOT NULL,
		position_id BIGINT REFERENCES futures_positions(id),
		symbol VARCHAR(20) NOT NULL,
		side VARCHAR(12) NOT NULL,
		order_type VARCHAR(20) NOT NULL DEFAULT 'MARKET',
		leverage INT NOT NULL,
		price DECIMAL(20, 8) NOT NULL,
		quantity DECIMAL(20, 8) NOT NULL,
		executed_quantity DECIMAL(20, 8) NOT NULL,
		total_value DECIMAL(20, 8) NOT NULL,
		executed_value DECIMAL(20, 8) NOT NULL,
		fee DECIMAL(20, 8) NOT NULL DEFAULT 0,
		fee_rate DECIMAL(10, 6) NOT NULL DEFAULT 0,
		status VARCHAR(20) NOT NULL DEFAULT 'FILLED',
		avg_fill_price DECIMAL(20, 8) NOT NULL,
		fill_time TIMESTAMP NOT NULL,
		realized_pnl DECIMAL(20, 8),
		pnl_pct DECIMAL(10, 4),
		order_source VARCHAR(30),
		notes TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS idx_orders_position ON futures_orders(position_id)`,
	`CREATE INDEX IF NOT EXISTS idx_orders_fill_time ON futures_orders(fill_time DESC)`,

	`CREATE TABLE IF NOT EXISTS futures_trades (
		trade_id VARCHAR(40) PRIMARY KEY,
		position_id BIGINT NOT NULL,
		account_id BIGINT NOT NULL,
		symbol VARCHAR(20) NOT NULL,
		side VARCHAR(12) NOT NULL,
		price DECIMAL(20, 8) NOT NULL,
		quantity DECIMAL(20, 8) NOT NULL,
		notional_value DECIMAL(20, 8) NOT NULL,
		leverage INT NOT NULL,
		margin DECIMAL(20, 8) NOT NULL,
		fee DECIMAL(20, 8) NOT NULL DEFAULT 0,
		realized_pnl DECIMAL(20, 8),
		pnl_pct DECIMAL(10, 4),
		roi DECIMAL(10, 4),
		entry_price DECIMAL(20, 8),
		close_price DECIMAL(20, 8),
		order_id VARCHAR(40) NOT NULL,
		trade_time TIMESTAMP NOT NULL,
		created_at TIMESTAMP NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_trades_trade_time ON futures_trades(trade_time DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_trades_position ON futures_trades(position_id)`,

	`CREATE TABLE IF NOT EXISTS trading_symbol_rating (
		symbol VARCHAR(20) PRIMARY KEY,
		rating_level INT NOT NULL DEFAULT 1,
		margin_multiplier DECIMAL(6, 3) NOT NULL DEFAULT 1.0,
		reason TEXT,
		updated_at TIMESTAMP NOT NULL DEFAULT NOW()
	)`,

	`CREATE TABLE IF NOT EXISTS signal_blacklist (
		signal_type VARCHAR(200) NOT NULL,
		position_side VARCHAR(5) NOT NULL,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		reason TEXT,
		updated_at TIMESTAMP NOT NULL DEFAULT NOW(),
		PRIMARY KEY (signal_type, position_side)
	)`,

	`CREATE TABLE IF NOT EXISTS signal_quality_stats (
		signal_type VARCHAR(200) NOT NULL,
		position_side VARCHAR(5) NOT NULL,
		sample_count INT NOT NULL DEFAULT 0,
		win_rate DECIMAL(6, 2) NOT NULL DEFAULT 0,
		avg_pnl DECIMAL(20, 8) NOT NULL DEFAULT 0,
		threshold_adjustment DECIMAL(10, 2) NOT NULL DEFAULT 0,
		updated_at TIMESTAMP NOT NULL DEFAULT NOW(),
		PRIMARY KEY (signal_type, position_side)
	)`,

	`CREATE TABLE IF NOT EXISTS signal_scoring_weights (
		signal_component VARCHAR(100) PRIMARY KEY,
		weight_long DECIMAL(10, 2) NOT NULL DEFAULT 1.0,
		weight_short DECIMAL(10, 2) NOT NULL DEFAULT 1.0,
		is_active BOOLEAN NOT NULL DEFAULT TRUE
	)`,

	`CREATE TABLE IF NOT EXISTS adaptive_params (
		param_type VARCHAR(50) NOT NULL,
		param_key VARCHAR(50) NOT NULL,
		param_value DECIMAL(20, 8) NOT NULL,
		updated_at TIMESTAMP NOT NULL DEFAULT NOW(),
		PRIMARY KEY (param_type, param_key)
	)`,

	`CREATE TABLE IF NOT EXISTS symbol_volatility_profile (
		symbol VARCHAR(20) PRIMARY KEY,
		long_fixed_tp_pct DECIMAL(10, 4) NOT NULL,
		short_fixed_tp_pct DECIMAL(10, 4) NOT NULL,
		sample_count INT NOT NULL DEFAULT 0,
		updated_at TIMESTAMP NOT NULL DEFAULT NOW()
	)`,

	`CREATE TABLE IF NOT EXISTS trading_control (
		account_id BIGINT NOT NULL,
		trading_type VARCHAR(20) NOT NULL,
		trading_enabled BOOLEAN NOT NULL DEFAULT TRUE,
		updated_at TIMESTAMP NOT NULL DEFAULT NOW(),
		PRIMARY KEY (account_id, trading_type)
	)`,

	`CREATE TABLE IF NOT EXISTS kline_data (
		symbol VARCHAR(20) NOT NULL,
		timeframe VARCHAR(5) NOT NULL,
		open_time BIGINT NOT NULL,
		open_price DECIMAL(20, 8) NOT NULL,
		high_price DECIMAL(20, 8) NOT NULL,
		low_price DECIMAL(20, 8) NOT NULL,
		close_price DECIMAL(20, 8) NOT NULL,
		volume DECIMAL(30, 8) NOT NULL,
		PRIMARY KEY (symbol, timeframe, open_time)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_kline_lookup ON kline_data(symbol, timeframe, open_time DESC)`,

	`CREATE TABLE IF NOT EXISTS market_mode_state (
		account_id BIGINT NOT NULL,
		trading_type VARCHAR(20) NOT NULL,
		mode_type VARCHAR(10) NOT NULL DEFAULT 'trend',
		switched_at TIMESTAMP NOT NULL DEFAULT NOW(),
		switch_reason TEXT,
		trigger_signal VARCHAR(10),
		trigger_strength DECIMAL(6, 2),
		PRIMARY KEY (account_id, trading_type)
	)`,
}

// RunMigrations creates the engine's tables when missing.
func (db *DB) RunMigrations(ctx context.Context) error {
	log := logging.WithComponent("database")
	log.Info("running database migrations")

	for i, migration := range migrations {
		if _, err := db.Pool.Exec(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}

	log.Info("database migrations completed")
	return nil
}
