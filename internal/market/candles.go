package market

import (
	"context"
	"strconv"
	"time"

	"futures-trading-engine/internal/database"
	"futures-trading-engine/internal/logging"
)

// candleRepo is the persisted-candle slice the cache reads and backfills.
type candleRepo interface {
	GetKlines(ctx context.Context, symbol, timeframe string, limit int) ([]*database.Kline, error)
	UpsertKlines(ctx context.Context, klines []*database.Kline) error
}

// CandleCache serves candles store-first: fresh persisted rows come straight
// from the kline table, anything missing or stale is fetched over REST and
// written back. On a REST outage it degrades to stale persisted history.
type CandleCache struct {
	repo candleRepo
	rest KlineSource
	log  *logging.Logger
}

// NewCandleCache wires the cache.
func NewCandleCache(repo candleRepo, rest KlineSource, log *logging.Logger) *CandleCache {
	return &CandleCache{repo: repo, rest: rest, log: log.WithComponent("candles")}
}

// GetKlines implements KlineSource.
func (c *CandleCache) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]Candle, error) {
	rows, err := c.repo.GetKlines(ctx, symbol, interval, limit)
	if err != nil {
		c.log.Debug("candle store read failed", "symbol", symbol, "interval", interval, "error", err.Error())
		rows = nil
	}
	if len(rows) >= limit && rowsFresh(rows, interval, time.Now().UTC()) {
		return rowsToCandles(rows, interval), nil
	}

	candles, restErr := c.rest.GetKlines(ctx, symbol, interval, limit)
	if restErr != nil {
		if len(rows) > 0 {
			// Stale history beats no history; staleness checks downstream
			// still apply.
			c.log.Warn("candle fetch failed, serving persisted history",
				"symbol", symbol, "interval", interval, "error", restErr.Error())
			return rowsToCandles(rows, interval), nil
		}
		return nil, restErr
	}

	if err := c.repo.UpsertKlines(ctx, toKlineRows(symbol, interval, candles)); err != nil {
		c.log.Warn("candle backfill failed", "symbol", symbol, "interval", interval, "error", err.Error())
	}
	return candles, nil
}

// rowsFresh reports whether the newest row is recent enough to serve without
// hitting the exchange: within two interval lengths of now.
func rowsFresh(rows []*database.Kline, interval string, now time.Time) bool {
	last := rows[len(rows)-1]
	return now.Sub(last.OpenTime) <= 2*intervalDuration(interval)
}

func rowsToCandles(rows []*database.Kline, interval string) []Candle {
	dur := intervalDuration(interval)
	candles := make([]Candle, 0, len(rows))
	for _, k := range rows {
		candles = append(candles, Candle{
			OpenTime:  k.OpenTime,
			Open:      k.Open,
			High:      k.High,
			Low:       k.Low,
			Close:     k.Close,
			Volume:    k.Volume,
			CloseTime: k.OpenTime.Add(dur - time.Millisecond),
		})
	}
	return candles
}

// intervalDuration parses a Binance-style interval string ("5m", "1h", "1d").
// Unknown strings default to 15 minutes.
func intervalDuration(interval string) time.Duration {
	if len(interval) < 2 {
		return 15 * time.Minute
	}
	n, err := strconv.Atoi(interval[:len(interval)-1])
	if err != nil || n <= 0 {
		return 15 * time.Minute
	}
	switch interval[len(interval)-1] {
	case 'm':
		return time.Duration(n) * time.Minute
	case 'h':
		return time.Duration(n) * time.Hour
	case 'd':
		return time.Duration(n) * 24 * time.Hour
	default:
		return 15 * time.Minute
	}
}
