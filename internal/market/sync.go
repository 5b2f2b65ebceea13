package market

import (
	"context"
	"fmt"
	"time"

	"futures-trading-engine/internal/database"
	"futures-trading-engine/internal/logging"
)

// klineStore is the persistence slice the syncer writes through.
type klineStore interface {
	UpsertKlines(ctx context.Context, klines []*database.Kline) error
	PruneKlines(ctx context.Context, before time.Time) (int64, error)
}

// Syncer keeps the candle tables fresh for the components that read history
// from the store instead of the exchange (optimizer volatility profiling,
// price fallback on REST outages).
type Syncer struct {
	rest      *RestClient
	store     klineStore
	symbols   []string
	intervals []string
	depth     int
	retention time.Duration
	log       *logging.Logger
}

// NewSyncer wires the syncer. depth is the number of candles fetched per
// (symbol, interval) each sync.
func NewSyncer(rest *RestClient, store klineStore, symbols, intervals []string,
	depth int, retention time.Duration, log *logging.Logger) *Syncer {
	if depth <= 0 {
		depth = 100
	}
	if retention <= 0 {
		retention = 14 * 24 * time.Hour
	}
	return &Syncer{
		rest:      rest,
		store:     store,
		symbols:   symbols,
		intervals: intervals,
		depth:     depth,
		retention: retention,
		log:       log.WithComponent("kline-sync"),
	}
}

// Sync fetches and upserts recent candles for every (symbol, interval).
// Per-symbol failures are logged and skipped; the error reports only a total
// failure.
func (s *Syncer) Sync(ctx context.Context) error {
	synced := 0
	for _, symbol := range s.symbols {
		for _, interval := range s.intervals {
			candles, err := s.rest.GetKlines(ctx, symbol, interval, s.depth)
			if err != nil {
				s.log.Warn("kline fetch failed", "symbol", symbol, "interval", interval, "error", err.Error())
				continue
			}
			if err := s.store.UpsertKlines(ctx, toKlineRows(symbol, interval, candles)); err != nil {
				s.log.Warn("kline upsert failed", "symbol", symbol, "interval", interval, "error", err.Error())
				continue
			}
			synced++
		}
	}
	if synced == 0 && len(s.symbols) > 0 {
		return fmt.Errorf("kline sync failed for all %d symbols", len(s.symbols))
	}
	s.log.Debug("kline sync finished", "pairs", synced)
	return nil
}

// Prune drops candles older than the retention window.
func (s *Syncer) Prune(ctx context.Context) error {
	dropped, err := s.store.PruneKlines(ctx, time.Now().UTC().Add(-s.retention))
	if err != nil {
		return fmt.Errorf("kline prune failed: %w", err)
	}
	if dropped > 0 {
		s.log.Info("old klines pruned", "rows", dropped)
	}
	return nil
}

func toKlineRows(symbol, interval string, candles []Candle) []*database.Kline {
	rows := make([]*database.Kline, 0, len(candles))
	for _, c := range candles {
		rows = append(rows, &database.Kline{
			Symbol:    symbol,
			Timeframe: interval,
			OpenTime:  c.OpenTime,
			Open:      c.Open,
			High:      c.High,
			Low:       c.Low,
			Close:     c.Close,
			Volume:    c.Volume,
		})
	}
	return rows
}
