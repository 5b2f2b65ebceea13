package optimizer

import (
	"context"
	"math"
	"strings"
	"testing"
	"time"

	"futures-trading-engine/internal/database"
	"futures-trading-engine/internal/logging"
)

type fakeStore struct {
	closed    []*database.FuturesPosition
	stats     map[string]*database.SignalQualityStat
	blacklist map[string]string
	ratings   map[string]*database.SymbolRating
	params    map[string]float64
	weights   map[string]*database.ScoringWeight
	profiles  map[string]*database.VolatilityProfile
	klines    []*database.Kline
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		stats:     map[string]*database.SignalQualityStat{},
		blacklist: map[string]string{},
		ratings:   map[string]*database.SymbolRating{},
		params:    map[string]float64{},
		weights:   map[string]*database.ScoringWeight{},
		profiles:  map[string]*database.VolatilityProfile{},
	}
}

func (f *fakeStore) GetClosedPositionsSince(ctx context.Context, accountID int64, since time.Time) ([]*database.FuturesPosition, error) {
	return f.closed, nil
}

func (f *fakeStore) GetSignalQualityStat(ctx context.Context, signalType, side string) (*database.SignalQualityStat, error) {
	return f.stats[signalType+"|"+side], nil
}

func (f *fakeStore) UpsertSignalQualityStat(ctx context.Context, s *database.SignalQualityStat) error {
	f.stats[s.SignalType+"|"+s.PositionSide] = s
	return nil
}

func (f *fakeStore) SetBlacklistEntry(ctx context.Context, signalType, side string, active bool, reason string) error {
	if active {
		f.blacklist[signalType+"|"+side] = reason
	} else {
		delete(f.blacklist, signalType+"|"+side)
	}
	return nil
}

func (f *fakeStore) GetSymbolRatings(ctx context.Context) (map[string]*database.SymbolRating, error) {
	return f.ratings, nil
}

func (f *fakeStore) UpsertSymbolRating(ctx context.Context, r *database.SymbolRating) error {
	f.ratings[r.Symbol] = r
	return nil
}

func (f *fakeStore) GetAdaptiveParams(ctx context.Context) (map[string]*database.AdaptiveParam, error) {
	out := map[string]*database.AdaptiveParam{}
	for k, v := range f.params {
		out[k] = &database.AdaptiveParam{ParamValue: v}
	}
	return out, nil
}

func (f *fakeStore) UpsertAdaptiveParam(ctx context.Context, paramType, paramKey string, value float64) error {
	f.params[paramType+"|"+paramKey] = value
	return nil
}

func (f *fakeStore) GetScoringWeights(ctx context.Context) (map[string]*database.ScoringWeight, error) {
	return f.weights, nil
}

func (f *fakeStore) UpsertScoringWeight(ctx context.Context, w *database.ScoringWeight) error {
	f.weights[w.SignalComponent] = w
	return nil
}

func (f *fakeStore) UpsertVolatilityProfile(ctx context.Context, v *database.VolatilityProfile) error {
	f.profiles[v.Symbol] = v
	return nil
}

func (f *fakeStore) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]*database.Kline, error) {
	return f.klines, nil
}

type fakeReloader struct {
	calls int
}

func (f *fakeReloader) Reload(ctx context.Context) error {
	f.calls++
	return nil
}

func closedPosition(symbol, fingerprint, side string, pnl float64, notes string) *database.FuturesPosition {
	return &database.FuturesPosition{
		Symbol:           symbol,
		PositionSide:     side,
		EntrySignalType:  fingerprint,
		SignalComponents: strings.Split(fingerprint, "+"),
		RealizedPnL:      pnl,
		Notes:            notes,
		Status:           database.PositionStatusClosed,
	}
}

func TestMineGroupsAggregatesOutcomes(t *testing.T) {
	positions := []*database.FuturesPosition{
		closedPosition("BTCUSDT", "momentum_24h_up", database.SideLong, 20, ""),
		closedPosition("BTCUSDT", "momentum_24h_up", database.SideLong, -10, ""),
		closedPosition("BTCUSDT", "momentum_24h_up", database.SideLong, -15, ""),
		closedPosition("ETHUSDT", "momentum_24h_up", database.SideShort, 5, ""),
	}
	groups := mineGroups(positions)

	g := groups["momentum_24h_up|LONG"]
	if g == nil {
		t.Fatal("missing LONG group")
	}
	if g.samples != 3 || g.wins != 1 {
		t.Errorf("samples/wins = %d/%d, want 3/1", g.samples, g.wins)
	}
	if g.worstStreak != 2 {
		t.Errorf("worst streak = %d, want 2", g.worstStreak)
	}
	if math.Abs(g.avgPnL()-(-5.0/3)) > 1e-9 {
		t.Errorf("avg pnl = %f", g.avgPnL())
	}
	if groups["momentum_24h_up|SHORT"].samples != 1 {
		t.Error("SHORT group must be separate")
	}
}

func TestRunBlacklistsLosingSignal(t *testing.T) {
	store := newFakeStore()
	for i := 0; i < 6; i++ {
		pnl := -20.0
		if i == 0 {
			pnl = 5
		}
		store.closed = append(store.closed,
			closedPosition("DOGEUSDT", "volume_power_bear", database.SideShort, pnl, ""))
	}
	brain := &fakeReloader{}
	o := New(Config{AccountID: 1, AutoApply: true}, store, brain, logging.Default())

	report, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(report.Findings) != 1 {
		t.Fatalf("findings = %d, want 1", len(report.Findings))
	}
	f := report.Findings[0]
	if !f.Problematic || !f.Blacklist {
		t.Errorf("finding = %+v, want problematic and blacklisted", f)
	}
	if _, ok := store.blacklist["volume_power_bear|SHORT"]; !ok {
		t.Error("blacklist row must be written under auto-apply")
	}
	stat := store.stats["volume_power_bear|SHORT"]
	if stat == nil || stat.ThresholdAdjustment != thresholdRaiseBlacklist {
		t.Errorf("stat = %+v, want threshold raise %v", stat, thresholdRaiseBlacklist)
	}
	if brain.calls != 1 {
		t.Errorf("brain reloads = %d, want 1 after apply", brain.calls)
	}
}

func TestRunReportOnlyWithoutAutoApply(t *testing.T) {
	store := newFakeStore()
	for i := 0; i < 6; i++ {
		store.closed = append(store.closed,
			closedPosition("DOGEUSDT", "volume_power_bear", database.SideShort, -20, ""))
	}
	brain := &fakeReloader{}
	o := New(Config{AccountID: 1}, store, brain, logging.Default())

	report, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.Applied {
		t.Error("report must not claim apply")
	}
	if len(store.blacklist) != 0 || len(store.stats) != 0 || brain.calls != 0 {
		t.Error("report-only run must not write or reload")
	}
}

func TestAdjustParamsWidensStopsOnStopHeavyDay(t *testing.T) {
	store := newFakeStore()
	var positions []*database.FuturesPosition
	for i := 0; i < 6; i++ {
		positions = append(positions,
			closedPosition("BTCUSDT", "trend_1h_bull", database.SideLong, -15, "止损"))
	}
	o := New(Config{AccountID: 1, AutoApply: true}, store, nil, logging.Default())

	adjusted := o.adjustParams(context.Background(), positions)
	if adjusted < 2 {
		t.Fatalf("adjusted = %d, want stop widening plus size shrink", adjusted)
	}
	if got := store.params["risk|"+database.ParamKeyLongStopLoss]; math.Abs(got-2.4) > 1e-9 {
		t.Errorf("long stop = %f, want 2.4 (2.0 x 1.2)", got)
	}
	if got := store.params["risk|"+database.ParamKeySizeMultiplier]; math.Abs(got-0.8) > 1e-9 {
		t.Errorf("size multiplier = %f, want 0.8", got)
	}
}

func TestRefreshRatingsDemotesLosingSymbol(t *testing.T) {
	store := newFakeStore()
	var positions []*database.FuturesPosition
	for i := 0; i < 6; i++ {
		positions = append(positions,
			closedPosition("PEPEUSDT", "momentum_24h_down", database.SideShort, -8, ""))
	}
	o := New(Config{AccountID: 1, AutoApply: true}, store, nil, logging.Default())

	if n := o.refreshRatings(context.Background(), positions); n != 1 {
		t.Fatalf("adjusted = %d, want 1", n)
	}
	r := store.ratings["PEPEUSDT"]
	if r == nil || r.RatingLevel != 1 {
		t.Fatalf("rating = %+v, want level 1", r)
	}
	if r.MarginMultiplier != 0.75 {
		t.Errorf("multiplier = %f, want 0.75", r.MarginMultiplier)
	}
}

func TestRefreshVolatilityProfiles(t *testing.T) {
	store := newFakeStore()
	// Alternating +1% and -0.5% 15m bodies.
	for i := 0; i < 40; i++ {
		open := 100.0
		k := &database.Kline{Open: open, Close: open * 1.01}
		if i%2 == 1 {
			k.Close = open * 0.995
		}
		store.klines = append(store.klines, k)
	}
	positions := []*database.FuturesPosition{
		closedPosition("BTCUSDT", "trend_1h_bull", database.SideLong, 10, ""),
	}
	o := New(Config{AccountID: 1}, store, nil, logging.Default())

	if n := o.refreshVolatilityProfiles(context.Background(), positions); n != 1 {
		t.Fatalf("refreshed = %d, want 1", n)
	}
	p := store.profiles["BTCUSDT"]
	if math.Abs(p.LongFixedTPPct-4.0) > 1e-6 {
		t.Errorf("long tp = %f, want 4.0 (1%% avg body x 4)", p.LongFixedTPPct)
	}
	if math.Abs(p.ShortFixedTPPct-2.0) > 1e-6 {
		t.Errorf("short tp = %f, want 2.0 (0.5%% avg body x 4)", p.ShortFixedTPPct)
	}
}
