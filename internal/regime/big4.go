// Package regime detects the market-wide trading regime from four benchmark
// symbols and manages the trend/range mode switch.
package regime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"futures-trading-engine/internal/cache"
	"futures-trading-engine/internal/logging"
	"futures-trading-engine/internal/market"
)

// Overall signals.
const (
	SignalBullish = "BULLISH"
	SignalBearish = "BEARISH"
	SignalNeutral = "NEUTRAL"
)

// window sizes, in 15m candles
const (
	biasWindow     = 16 // ~4h for directional bias
	reversalWindow = 16 // ~4h for reversal lows/highs
)

// SymbolSignal is the per-benchmark detail of one detection.
type SymbolSignal struct {
	Symbol    string  `json:"symbol"`
	Signal    string  `json:"signal"`
	Strength  float64 `json:"strength"`
	ChangePct float64 `json:"change_pct"`
	Bullish   int     `json:"bullish_candles"`
	Bearish   int     `json:"bearish_candles"`
}

// Result is one aggregated Big4 detection.
type Result struct {
	OverallSignal  string         `json:"overall_signal"`
	SignalStrength float64        `json:"signal_strength"`
	Details        []SymbolSignal `json:"details"`
	DetectedAt     time.Time      `json:"detected_at"`
}

// Agrees reports whether the overall signal supports the given position side.
func (r *Result) Agrees(side string) bool {
	switch side {
	case "LONG":
		return r.OverallSignal == SignalBullish
	case "SHORT":
		return r.OverallSignal == SignalBearish
	}
	return false
}

// Detector computes the Big4 regime signal on its own cadence with a TTL
// cache. Failed detections keep serving the previous result until the cache
// itself expires.
type Detector struct {
	klines     market.KlineSource
	benchmarks []string
	log        *logging.Logger
	cache      *cache.Service
	accountID  int64

	detectInterval time.Duration
	cacheTTL       time.Duration

	mu     sync.RWMutex
	latest *Result
}

// NewDetector wires the detector. cacheSvc may be nil in tests.
func NewDetector(klines market.KlineSource, benchmarks []string, accountID int64,
	detectInterval, cacheTTL time.Duration, cacheSvc *cache.Service, log *logging.Logger) *Detector {
	return &Detector{
		klines:         klines,
		benchmarks:     benchmarks,
		accountID:      accountID,
		detectInterval: detectInterval,
		cacheTTL:       cacheTTL,
		cache:          cacheSvc,
		log:            log.WithComponent("big4"),
	}
}

// Detect returns the current regime, computing a fresh one only when the
// cached result is older than the detect interval. Never returns an error:
// with no usable data the caller gets NEUTRAL/0.
func (d *Detector) Detect(ctx context.Context) *Result {
	d.mu.RLock()
	latest := d.latest
	d.mu.RUnlock()

	now := time.Now().UTC()
	if latest != nil && now.Sub(latest.DetectedAt) < d.detectInterval {
		return latest
	}

	fresh, err := d.compute(ctx)
	if err != nil {
		d.log.Warn("detection failed", "error", err.Error())
		if latest != nil && now.Sub(latest.DetectedAt) < d.cacheTTL {
			return latest
		}
		return &Result{OverallSignal: SignalNeutral, DetectedAt: now}
	}

	d.mu.Lock()
	d.latest = fresh
	d.mu.Unlock()
	d.mirror(ctx, fresh)

	d.log.Info("regime detected",
		"signal", fresh.OverallSignal,
		"strength", fmt.Sprintf("%.1f", fresh.SignalStrength))
	return fresh
}

// Latest returns the cached result without triggering a detection, or nil.
func (d *Detector) Latest() *Result {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.latest
}

func (d *Detector) compute(ctx context.Context) (*Result, error) {
	details := make([]SymbolSignal, 0, len(d.benchmarks))
	for _, symbol := range d.benchmarks {
		candles, err := d.klines.GetKlines(ctx, symbol, market.Interval15m, biasWindow)
		if err != nil {
			d.log.Warn("benchmark fetch failed", "symbol", symbol, "error", err.Error())
			continue
		}
		if len(candles) < biasWindow {
			continue
		}
		details = append(details, symbolSignal(symbol, candles))
	}
	if len(details) == 0 {
		return nil, fmt.Errorf("no benchmark data available")
	}

	return aggregate(details, time.Now().UTC()), nil
}

// symbolSignal derives one benchmark's directional bias and momentum from
// its last ~4h of 15m candles.
func symbolSignal(symbol string, candles []market.Candle) SymbolSignal {
	bullish, bearish := 0, 0
	for _, c := range candles {
		switch {
		case c.Close > c.Open:
			bullish++
		case c.Close < c.Open:
			bearish++
		}
	}

	first, last := candles[0], candles[len(candles)-1]
	changePct := 0.0
	if first.Open != 0 {
		changePct = (last.Close - first.Open) / first.Open * 100
	}

	// Bias from candle counts, momentum from the window move. Both must
	// point the same way for a directional call.
	s := SymbolSignal{Symbol: symbol, ChangePct: changePct, Bullish: bullish, Bearish: bearish}
	total := float64(len(candles))
	switch {
	case bullish > bearish && changePct > 0.3:
		s.Signal = SignalBullish
		s.Strength = clamp(float64(bullish)/total*100+changePct*10, 0, 100)
	case bearish > bullish && changePct < -0.3:
		s.Signal = SignalBearish
		s.Strength = clamp(float64(bearish)/total*100-changePct*10, 0, 100)
	default:
		s.Signal = SignalNeutral
		s.Strength = 0
	}
	return s
}

// aggregate combines per-symbol signals by majority. Fewer than three
// directional agreements yields NEUTRAL.
func aggregate(details []SymbolSignal, at time.Time) *Result {
	bullish, bearish := 0, 0
	bullStrength, bearStrength := 0.0, 0.0
	for _, s := range details {
		switch s.Signal {
		case SignalBullish:
			bullish++
			bullStrength += s.Strength
		case SignalBearish:
			bearish++
			bearStrength += s.Strength
		}
	}

	result := &Result{OverallSignal: SignalNeutral, Details: details, DetectedAt: at}
	const quorum = 3
	switch {
	case bullish >= quorum:
		result.OverallSignal = SignalBullish
		result.SignalStrength = clamp(bullStrength/float64(bullish), 0, 100)
	case bearish >= quorum:
		result.OverallSignal = SignalBearish
		result.SignalStrength = clamp(bearStrength/float64(bearish), 0, 100)
	}
	return result
}

// mirror publishes the latest result to Redis for external observation.
func (d *Detector) mirror(ctx context.Context, r *Result) {
	if d.cache == nil || !d.cache.IsHealthy() {
		return
	}
	mirrorCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	_ = d.cache.Set(mirrorCtx, cache.RegimeKey(d.accountID), r, cache.RegimeTTL)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
