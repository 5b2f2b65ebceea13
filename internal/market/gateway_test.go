package market

import (
	"context"
	"errors"
	"testing"
	"time"

	"futures-trading-engine/internal/logging"
)

type fakeKlineSource struct {
	candles []Candle
	err     error
}

func (f *fakeKlineSource) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]Candle, error) {
	return f.candles, f.err
}

func newTestStream() *StreamReader {
	return &StreamReader{
		prices:   make(map[string]tickedPrice),
		log:      logging.Default().WithComponent("stream"),
		stopChan: make(chan struct{}),
	}
}

func TestPricePrefersFreshStream(t *testing.T) {
	stream := newTestStream()
	stream.prices["BTCUSDT"] = tickedPrice{price: 65000, at: time.Now().UTC()}

	gw := NewGateway(stream, &fakeKlineSource{err: errors.New("should not be called")}, logging.Default())
	q, err := gw.Price(context.Background(), "BTCUSDT")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if q.Source != SourceStream {
		t.Errorf("source = %s, want %s", q.Source, SourceStream)
	}
	if q.Price != 65000 {
		t.Errorf("price = %f, want 65000", q.Price)
	}
}

func TestPriceFallsBackToKline(t *testing.T) {
	stream := newTestStream()
	// Stream tick too old to trade on.
	stream.prices["ETHUSDT"] = tickedPrice{price: 3000, at: time.Now().UTC().Add(-2 * time.Minute)}

	klines := &fakeKlineSource{candles: []Candle{{
		Close:     3010,
		CloseTime: time.Now().UTC().Add(-1 * time.Minute),
	}}}

	gw := NewGateway(stream, klines, logging.Default())
	q, err := gw.Price(context.Background(), "ETHUSDT")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if q.Source != SourceKline {
		t.Errorf("source = %s, want %s", q.Source, SourceKline)
	}
	if q.Price != 3010 {
		t.Errorf("price = %f, want 3010", q.Price)
	}
}

func TestPriceStaleEverywhere(t *testing.T) {
	stream := newTestStream()
	klines := &fakeKlineSource{candles: []Candle{{
		Close:     1.23,
		CloseTime: time.Now().UTC().Add(-30 * time.Minute),
	}}}

	gw := NewGateway(stream, klines, logging.Default())
	_, err := gw.Price(context.Background(), "XRPUSDT")
	if !errors.Is(err, ErrStalePrice) {
		t.Fatalf("err = %v, want ErrStalePrice", err)
	}
}
