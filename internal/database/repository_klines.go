package database

import (
	"context"
	"fmt"
	"time"
)

// Kline is one persisted candle row. Timeframe is a Binance-style string
// ("5m", "15m", "1h"); open_time is stored as epoch milliseconds.
type Kline struct {
	Symbol    string    `json:"symbol"`
	Timeframe string    `json:"timeframe"`
	OpenTime  time.Time `json:"open_time"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
}

// klineColumns is the column list shared by every kline_data statement. It
// must stay in sync with the kline_data migration.
const klineColumns = "symbol, timeframe, open_time, open_price, high_price, low_price, close_price, volume"

// UpsertKlines writes a batch of candles, replacing rows for re-fetched open times.
func (db *DB) UpsertKlines(ctx context.Context, klines []*Kline) error {
	for _, k := range klines {
		_, err := db.Pool.Exec(ctx,
			`INSERT INTO kline_data (`+klineColumns+`)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			 ON CONFLICT (symbol, timeframe, open_time) DO UPDATE SET
				open_price = EXCLUDED.open_price,
				high_price = EXCLUDED.high_price,
				low_price = EXCLUDED.low_price,
				close_price = EXCLUDED.close_price,
				volume = EXCLUDED.volume`,
			k.Symbol, k.Timeframe, k.OpenTime.UTC().UnixMilli(),
			k.Open, k.High, k.Low, k.Close, k.Volume,
		)
		if err != nil {
			return fmt.Errorf("failed to upsert kline %s %s: %w", k.Symbol, k.Timeframe, err)
		}
	}
	return nil
}

// GetKlines returns the most recent candles for (symbol, timeframe), oldest
// first, at most limit rows.
func (db *DB) GetKlines(ctx context.Context, symbol, timeframe string, limit int) ([]*Kline, error) {
	rows, err := db.Pool.Query(ctx,
		`SELECT `+klineColumns+`
		 FROM (
			SELECT `+klineColumns+`
			FROM kline_data
			WHERE symbol = $1 AND timeframe = $2
			ORDER BY open_time DESC
			LIMIT $3
		 ) recent
		 ORDER BY open_time`,
		symbol, timeframe, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query klines %s %s: %w", symbol, timeframe, err)
	}
	defer rows.Close()

	var klines []*Kline
	for rows.Next() {
		k := &Kline{}
		var openMs int64
		err := rows.Scan(&k.Symbol, &k.Timeframe, &openMs,
			&k.Open, &k.High, &k.Low, &k.Close, &k.Volume)
		if err != nil {
			return nil, fmt.Errorf("failed to scan kline: %w", err)
		}
		k.OpenTime = time.UnixMilli(openMs).UTC()
		klines = append(klines, k)
	}
	return klines, rows.Err()
}

// GetLatestKline returns the newest candle for (symbol, timeframe), or nil.
func (db *DB) GetLatestKline(ctx context.Context, symbol, timeframe string) (*Kline, error) {
	klines, err := db.GetKlines(ctx, symbol, timeframe, 1)
	if err != nil {
		return nil, err
	}
	if len(klines) == 0 {
		return nil, nil
	}
	return klines[0], nil
}

// PruneKlines deletes candles older than the cutoff.
func (db *DB) PruneKlines(ctx context.Context, before time.Time) (int64, error) {
	tag, err := db.Pool.Exec(ctx,
		`DELETE FROM kline_data WHERE open_time < $1`, before.UTC().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to prune klines: %w", err)
	}
	return tag.RowsAffected(), nil
}
