package brain

import (
	"context"
	"strings"
	"testing"
	"time"

	"futures-trading-engine/internal/database"
	"futures-trading-engine/internal/logging"
	"futures-trading-engine/internal/market"
)

// fakeKlines serves canned candles per interval.
type fakeKlines struct {
	byInterval map[string][]market.Candle
}

func (f *fakeKlines) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]market.Candle, error) {
	return f.byInterval[interval], nil
}

type fakeCloseStore struct {
	lastClose time.Time
}

func (f *fakeCloseStore) GetLastCloseTime(ctx context.Context, accountID int64, symbol, side string) (time.Time, error) {
	return f.lastClose, nil
}

type fakeBlocker struct {
	blockedSide string
	reason      string
}

func (f *fakeBlocker) IsEntryBlocked(side string) (bool, string) {
	if side == f.blockedSide {
		return true, f.reason
	}
	return false, ""
}

type staticSnapStore struct{ snap *Snapshot }

func (s *staticSnapStore) GetSymbolRatings(ctx context.Context) (map[string]*database.SymbolRating, error) {
	return s.snap.Ratings, nil
}
func (s *staticSnapStore) GetActiveBlacklist(ctx context.Context) ([]*database.SignalBlacklistEntry, error) {
	var out []*database.SignalBlacklistEntry
	for key := range s.snap.Blacklist {
		fingerprint, side, _ := strings.Cut(key, "|")
		out = append(out, &database.SignalBlacklistEntry{
			SignalType:   fingerprint,
			PositionSide: side,
			IsActive:     true,
		})
	}
	return out, nil
}
func (s *staticSnapStore) GetSignalQualityStats(ctx context.Context) (map[string]*database.SignalQualityStat, error) {
	return s.snap.Quality, nil
}
func (s *staticSnapStore) GetScoringWeights(ctx context.Context) (map[string]*database.ScoringWeight, error) {
	return s.snap.Weights, nil
}
func (s *staticSnapStore) GetAdaptiveParams(ctx context.Context) (map[string]*database.AdaptiveParam, error) {
	return s.snap.Params, nil
}

// breakoutKlines builds candle material that triggers breakout_strong LONG.
func breakoutKlines() *fakeKlines {
	candles1d := flatCandles(30, 49000, 1000)
	candles1h := flatCandles(72, 49500, 1000)
	for i := range candles1h {
		candles1h[i].High = 49750
	}
	candles15m := flatCandles(48, 49700, 1000)
	last := &candles15m[len(candles15m)-1]
	last.Open = 49750
	last.Close = 50250
	last.High = 50260
	last.Volume = 3000

	return &fakeKlines{byInterval: map[string][]market.Candle{
		"1d":  candles1d,
		"1h":  candles1h,
		"15m": candles15m,
	}}
}

func newTestBrain(klines *fakeKlines, store *fakeCloseStore, blocker EntryBlocker, snap *Snapshot) *Brain {
	loader := NewSnapshotLoader(&staticSnapStore{snap: snap}, logging.Default())
	_ = loader.Reload(context.Background())
	return New(
		Config{AccountID: 1, BaseThreshold: 35},
		klines, store, loader, blocker, nil, logging.Default(),
	)
}

func TestEvaluateStrongBreakoutCandidate(t *testing.T) {
	b := newTestBrain(breakoutKlines(), &fakeCloseStore{}, nil, emptySnapshot())
	cand, err := b.Evaluate(context.Background(), "BTCUSDT", 50250)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if cand == nil {
		t.Fatal("expected a candidate")
	}
	if cand.Side != database.SideLong {
		t.Errorf("side = %s, want LONG", cand.Side)
	}
	if cand.Score != 50 {
		t.Errorf("score = %f, want the fixed 50", cand.Score)
	}
	if cand.Fingerprint != ComponentBreakoutStrong {
		t.Errorf("fingerprint = %s, want breakout_strong", cand.Fingerprint)
	}
	if cand.Breakout == nil || cand.Breakout.Level != 49750 {
		t.Errorf("breakout info = %+v, want anchored at 49750", cand.Breakout)
	}
	if cand.AllowBatched {
		t.Error("breakout candidates must not allow batched entry")
	}
}

func TestEvaluateRejectsDuringCooldown(t *testing.T) {
	store := &fakeCloseStore{lastClose: time.Now().UTC().Add(-5 * time.Minute)}
	b := newTestBrain(breakoutKlines(), store, nil, emptySnapshot())
	cand, err := b.Evaluate(context.Background(), "BTCUSDT", 50250)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if cand != nil {
		t.Fatal("candidate emitted inside the 15-minute re-entry cooldown")
	}
}

func TestEvaluateConfiguredCooldownWindow(t *testing.T) {
	store := &fakeCloseStore{lastClose: time.Now().UTC().Add(-10 * time.Minute)}
	loader := NewSnapshotLoader(&staticSnapStore{snap: emptySnapshot()}, logging.Default())
	_ = loader.Reload(context.Background())
	b := New(Config{AccountID: 1, BaseThreshold: 35, ReentryCooldown: 5 * time.Minute},
		breakoutKlines(), store, loader, nil, nil, logging.Default())

	cand, err := b.Evaluate(context.Background(), "BTCUSDT", 50250)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if cand == nil {
		t.Fatal("a close outside the configured 5-minute window must not block entry")
	}
}

func TestEvaluateRespectsEmergencyBlock(t *testing.T) {
	blocker := &fakeBlocker{blockedSide: database.SideLong, reason: "熔断生效中"}
	b := newTestBrain(breakoutKlines(), &fakeCloseStore{}, blocker, emptySnapshot())
	cand, err := b.Evaluate(context.Background(), "BTCUSDT", 50250)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if cand != nil {
		t.Fatal("candidate emitted despite an active LONG entry block")
	}
}

func TestEvaluateSkipsForbiddenSymbol(t *testing.T) {
	snap := emptySnapshot()
	snap.Ratings["BTCUSDT"] = &database.SymbolRating{
		Symbol:      "BTCUSDT",
		RatingLevel: database.RatingForbidden,
	}
	b := newTestBrain(breakoutKlines(), &fakeCloseStore{}, nil, snap)
	cand, err := b.Evaluate(context.Background(), "BTCUSDT", 50250)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if cand != nil {
		t.Fatal("candidate emitted for a level-3 rated symbol")
	}
}

func TestEvaluateQualityRaisesThreshold(t *testing.T) {
	snap := emptySnapshot()
	snap.Quality[ComponentBreakoutStrong+"|"+database.SideLong] = &database.SignalQualityStat{
		SignalType:          ComponentBreakoutStrong,
		PositionSide:        database.SideLong,
		ThresholdAdjustment: 20, // 35 + 20 > fixed breakout score 50
	}
	b := newTestBrain(breakoutKlines(), &fakeCloseStore{}, nil, snap)
	cand, err := b.Evaluate(context.Background(), "BTCUSDT", 50250)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if cand != nil {
		t.Fatal("candidate passed a quality-raised threshold it should miss")
	}
}
