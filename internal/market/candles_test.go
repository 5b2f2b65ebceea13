package market

import (
	"context"
	"errors"
	"testing"
	"time"

	"futures-trading-engine/internal/database"
	"futures-trading-engine/internal/logging"
)

type fakeCandleRepo struct {
	rows     []*database.Kline
	readErr  error
	upserted [][]*database.Kline
}

func (f *fakeCandleRepo) GetKlines(ctx context.Context, symbol, timeframe string, limit int) ([]*database.Kline, error) {
	return f.rows, f.readErr
}

func (f *fakeCandleRepo) UpsertKlines(ctx context.Context, klines []*database.Kline) error {
	f.upserted = append(f.upserted, klines)
	return nil
}

type fakeRestSource struct {
	candles []Candle
	err     error
	calls   int
}

func (f *fakeRestSource) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]Candle, error) {
	f.calls++
	return f.candles, f.err
}

func storedRows(n int, last time.Time, interval string) []*database.Kline {
	dur := intervalDuration(interval)
	rows := make([]*database.Kline, 0, n)
	for i := n - 1; i >= 0; i-- {
		rows = append(rows, &database.Kline{
			Symbol:    "BTCUSDT",
			Timeframe: interval,
			OpenTime:  last.Add(-time.Duration(i) * dur),
			Open:      50000,
			Close:     50100,
		})
	}
	return rows
}

func TestCandleCacheServesFreshStoreRows(t *testing.T) {
	repo := &fakeCandleRepo{rows: storedRows(3, time.Now().UTC(), Interval15m)}
	rest := &fakeRestSource{}
	c := NewCandleCache(repo, rest, logging.Default())

	candles, err := c.GetKlines(context.Background(), "BTCUSDT", Interval15m, 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(candles) != 3 || candles[0].Close != 50100 {
		t.Errorf("candles = %+v, want the 3 persisted rows", candles)
	}
	if rest.calls != 0 {
		t.Error("fresh persisted rows must not hit the exchange")
	}
}

func TestCandleCacheBackfillsFromRest(t *testing.T) {
	repo := &fakeCandleRepo{}
	rest := &fakeRestSource{candles: []Candle{{OpenTime: time.Now().UTC(), Close: 50200}}}
	c := NewCandleCache(repo, rest, logging.Default())

	candles, err := c.GetKlines(context.Background(), "BTCUSDT", Interval5m, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(candles) != 1 || candles[0].Close != 50200 {
		t.Errorf("candles = %+v, want the fetched candle", candles)
	}
	if len(repo.upserted) != 1 {
		t.Errorf("upserts = %d, want the fetch written back", len(repo.upserted))
	}
}

func TestCandleCacheRefreshesStaleRows(t *testing.T) {
	stale := time.Now().UTC().Add(-2 * time.Hour)
	repo := &fakeCandleRepo{rows: storedRows(3, stale, Interval15m)}
	rest := &fakeRestSource{candles: []Candle{{OpenTime: time.Now().UTC(), Close: 50300}}}
	c := NewCandleCache(repo, rest, logging.Default())

	candles, err := c.GetKlines(context.Background(), "BTCUSDT", Interval15m, 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rest.calls != 1 {
		t.Error("stale persisted rows must trigger a refetch")
	}
	if candles[0].Close != 50300 {
		t.Errorf("close = %f, want the refreshed candle", candles[0].Close)
	}
}

func TestCandleCacheServesStaleRowsOnRestFailure(t *testing.T) {
	stale := time.Now().UTC().Add(-2 * time.Hour)
	repo := &fakeCandleRepo{rows: storedRows(3, stale, Interval15m)}
	rest := &fakeRestSource{err: errors.New("exchange down")}
	c := NewCandleCache(repo, rest, logging.Default())

	candles, err := c.GetKlines(context.Background(), "BTCUSDT", Interval15m, 3)
	if err != nil {
		t.Fatalf("stale rows must be served on outage, got error: %v", err)
	}
	if len(candles) != 3 {
		t.Errorf("candles = %d, want the persisted history", len(candles))
	}
}

func TestIntervalDuration(t *testing.T) {
	cases := []struct {
		in   string
		want time.Duration
	}{
		{"5m", 5 * time.Minute},
		{"15m", 15 * time.Minute},
		{"1h", time.Hour},
		{"1d", 24 * time.Hour},
		{"bogus", 15 * time.Minute},
	}
	for _, c := range cases {
		if got := intervalDuration(c.in); got != c.want {
			t.Errorf("intervalDuration(%q) = %s, want %s", c.in, got, c.want)
		}
	}
}
