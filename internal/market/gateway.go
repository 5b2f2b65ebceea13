package market

import (
	"context"
	"errors"
	"fmt"
	"time"

	"futures-trading-engine/internal/logging"
)

// ErrStalePrice is returned when no price source can produce a quote fresh
// enough to trade on. Position monitors skip their cycle on this error
// instead of acting on a stale quote.
var ErrStalePrice = errors.New("no fresh price available")

// Price sources, reported alongside every quote.
const (
	SourceStream = "stream"
	SourceKline  = "kline"
)

// Freshness windows. A stream tick older than streamMaxAge falls back to the
// latest 5m kline close; a kline older than klineMaxAge is not tradable.
const (
	streamMaxAge = 30 * time.Second
	klineMaxAge  = 10 * time.Minute
)

// KlineSource produces recent candles for the fallback path. Both the REST
// client and the database store satisfy it.
type KlineSource interface {
	GetKlines(ctx context.Context, symbol, interval string, limit int) ([]Candle, error)
}

// Gateway resolves a tradable price per symbol: live stream first, recent
// kline close second, error when both are stale.
type Gateway struct {
	stream *StreamReader
	klines KlineSource
	log    *logging.Logger
}

// NewGateway wires the stream reader and the kline fallback source.
func NewGateway(stream *StreamReader, klines KlineSource, log *logging.Logger) *Gateway {
	return &Gateway{
		stream: stream,
		klines: klines,
		log:    log.WithComponent("gateway"),
	}
}

// Quote is one resolved price with its provenance.
type Quote struct {
	Symbol string
	Price  float64
	Source string
	At     time.Time
}

// MarkPrice resolves just the price, for callers that do not care about
// provenance.
func (g *Gateway) MarkPrice(ctx context.Context, symbol string) (float64, error) {
	q, err := g.Price(ctx, symbol)
	if err != nil {
		return 0, err
	}
	return q.Price, nil
}

// Price resolves the freshest tradable price for a symbol.
func (g *Gateway) Price(ctx context.Context, symbol string) (Quote, error) {
	now := time.Now().UTC()

	if g.stream != nil {
		if price, at, ok := g.stream.LastPrice(symbol); ok && now.Sub(at) <= streamMaxAge {
			return Quote{Symbol: symbol, Price: price, Source: SourceStream, At: at}, nil
		}
	}

	candles, err := g.klines.GetKlines(ctx, symbol, Interval5m, 1)
	if err != nil {
		return Quote{}, fmt.Errorf("kline fallback for %s failed: %w", symbol, err)
	}
	if len(candles) > 0 {
		last := candles[len(candles)-1]
		if now.Sub(last.CloseTime) <= klineMaxAge {
			g.log.Debug("price served from kline fallback", "symbol", symbol)
			return Quote{Symbol: symbol, Price: last.Close, Source: SourceKline, At: last.CloseTime}, nil
		}
	}

	return Quote{}, fmt.Errorf("price for %s: %w", symbol, ErrStalePrice)
}
