// Package cache provides Redis-based caching with graceful degradation.
// When Redis is unavailable the engine keeps running on in-memory and
// database state; cache writes are best effort.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"futures-trading-engine/config"
	"futures-trading-engine/internal/logging"
)

// ErrCacheUnavailable is returned when Redis is down or circuit-broken.
// Callers fall back to their primary source.
var ErrCacheUnavailable = errors.New("cache unavailable")

// Key formats.
const (
	KeyLatestPrice = "market:price:%s"       // per symbol
	KeyRegimeState = "regime:big4:%d"        // per account
	KeyMarketMode  = "regime:mode:%d"        // per account
)

// Default TTLs.
const (
	PriceTTL  = 2 * time.Minute
	RegimeTTL = 90 * time.Minute
)

// PriceKey returns the latest-price key for a symbol.
func PriceKey(symbol string) string {
	return fmt.Sprintf(KeyLatestPrice, symbol)
}

// RegimeKey returns the Big4 regime mirror key for an account.
func RegimeKey(accountID int64) string {
	return fmt.Sprintf(KeyRegimeState, accountID)
}

// ModeKey returns the market-mode mirror key for an account.
func ModeKey(accountID int64) string {
	return fmt.Sprintf(KeyMarketMode, accountID)
}

// Service wraps a Redis client with a small failure-count circuit breaker.
type Service struct {
	client *redis.Client
	log    *logging.Logger

	mu           sync.RWMutex
	healthy      bool
	failureCount int
	lastCheck    time.Time

	maxFailures   int
	checkInterval time.Duration
}

// New connects to Redis. A failed initial connection returns the service in
// degraded mode rather than an error; the engine must not depend on Redis.
func New(cfg config.RedisConfig, log *logging.Logger) *Service {
	s := &Service{
		log:           log.WithComponent("cache"),
		maxFailures:   3,
		checkInterval: 30 * time.Second,
	}
	if !cfg.Enabled {
		s.log.Info("redis disabled, cache in passthrough mode")
		return s
	}

	s.client = redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: 2,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.client.Ping(ctx).Err(); err != nil {
		s.log.Warn("initial redis connection failed, running degraded", "error", err.Error())
		return s
	}

	s.healthy = true
	s.lastCheck = time.Now().UTC()
	s.log.Info("redis connected", "address", cfg.Address)
	return s
}

// IsHealthy reports whether Redis is currently usable.
func (s *Service) IsHealthy() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.client != nil && s.healthy
}

func (s *Service) recordFailure() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failureCount++
	if s.failureCount >= s.maxFailures && s.healthy {
		s.healthy = false
		s.log.Warn("redis marked unhealthy", "failures", s.failureCount)
	}
}

func (s *Service) recordSuccess() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failureCount = 0
	if !s.healthy && s.client != nil {
		s.healthy = true
		s.log.Info("redis recovered")
	}
}

// maybeRecover pings Redis when the last check is stale.
func (s *Service) maybeRecover(ctx context.Context) {
	s.mu.Lock()
	if s.client == nil || s.healthy || time.Since(s.lastCheck) < s.checkInterval {
		s.mu.Unlock()
		return
	}
	s.lastCheck = time.Now().UTC()
	s.mu.Unlock()

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := s.client.Ping(pingCtx).Err(); err == nil {
		s.recordSuccess()
	}
}

// Set stores a JSON-encoded value. Best effort: errors are reported but the
// caller normally ignores them.
func (s *Service) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	s.maybeRecover(ctx)
	if !s.IsHealthy() {
		return ErrCacheUnavailable
	}
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode cache value for %s: %w", key, err)
	}
	if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
		s.recordFailure()
		return fmt.Errorf("failed to set %s: %w", key, err)
	}
	s.recordSuccess()
	return nil
}

// Get loads and decodes a JSON value into dest. Returns ErrCacheUnavailable
// when Redis is down and redis.Nil-wrapped error on a miss.
func (s *Service) Get(ctx context.Context, key string, dest interface{}) error {
	s.maybeRecover(ctx)
	if !s.IsHealthy() {
		return ErrCacheUnavailable
	}
	data, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return fmt.Errorf("cache miss for %s: %w", key, err)
		}
		s.recordFailure()
		return fmt.Errorf("failed to get %s: %w", key, err)
	}
	s.recordSuccess()
	if err := json.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("failed to decode cache value for %s: %w", key, err)
	}
	return nil
}

// Delete removes a key. Best effort.
func (s *Service) Delete(ctx context.Context, key string) error {
	if !s.IsHealthy() {
		return ErrCacheUnavailable
	}
	if err := s.client.Del(ctx, key).Err(); err != nil {
		s.recordFailure()
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	s.recordSuccess()
	return nil
}

// Close releases the Redis connection.
func (s *Service) Close() error {
	if s.client == nil {
		return nil
	}
	return s.client.Close()
}
