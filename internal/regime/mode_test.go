package regime

import (
	"context"
	"testing"
	"time"

	"futures-trading-engine/internal/database"
	"futures-trading-engine/internal/logging"
	"futures-trading-engine/internal/market"
)

type fakeModeStore struct {
	state    *database.ModeState
	building bool
	saves    int
}

func (f *fakeModeStore) GetModeState(ctx context.Context, accountID int64) (*database.ModeState, error) {
	return f.state, nil
}

func (f *fakeModeStore) SaveModeState(ctx context.Context, m *database.ModeState) error {
	f.state = m
	f.saves++
	return nil
}

func (f *fakeModeStore) HasBuildingPositions(ctx context.Context, accountID int64) (bool, error) {
	return f.building, nil
}

func newTestSwitcher(t *testing.T, store *fakeModeStore, confirm int, cooldown time.Duration) *ModeSwitcher {
	t.Helper()
	s, err := NewModeSwitcher(context.Background(), store, nil, nil, 1, confirm, cooldown, logging.Default())
	if err != nil {
		t.Fatalf("failed to build switcher: %v", err)
	}
	return s
}

func TestModeSwitchNeedsConfirmation(t *testing.T) {
	store := &fakeModeStore{}
	s := newTestSwitcher(t, store, 3, 0)

	rangeClass := Classification{Mode: "range", Reason: "test"}
	for i := 0; i < 2; i++ {
		if err := s.Evaluate(context.Background(), rangeClass, nil); err != nil {
			t.Fatalf("evaluate: %v", err)
		}
	}
	if s.Current() != database.ModeTrend {
		t.Fatal("switched before confirmation window filled")
	}

	if err := s.Evaluate(context.Background(), rangeClass, nil); err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if s.Current() != database.ModeRange {
		t.Fatal("did not switch after 3 confirmations")
	}
	if store.saves != 1 {
		t.Errorf("saves = %d, want 1", store.saves)
	}
}

func TestModeSwitchConfirmationResetsOnFlap(t *testing.T) {
	store := &fakeModeStore{}
	s := newTestSwitcher(t, store, 3, 0)

	ctx := context.Background()
	s.Evaluate(ctx, Classification{Mode: "range"}, nil)
	s.Evaluate(ctx, Classification{Mode: "range"}, nil)
	// Matching the current mode clears the pending counter.
	s.Evaluate(ctx, Classification{Mode: "trend"}, nil)
	s.Evaluate(ctx, Classification{Mode: "range"}, nil)
	s.Evaluate(ctx, Classification{Mode: "range"}, nil)

	if s.Current() != database.ModeTrend {
		t.Fatal("switched despite interrupted confirmation window")
	}
}

func TestModeSwitchBlockedByBuildingPositions(t *testing.T) {
	store := &fakeModeStore{building: true}
	s := newTestSwitcher(t, store, 1, 0)

	if err := s.Evaluate(context.Background(), Classification{Mode: "range", Reason: "test"}, nil); err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if s.Current() != database.ModeTrend {
		t.Fatal("switched while a batched entry was in flight")
	}
}

func TestModeSwitchCooldown(t *testing.T) {
	store := &fakeModeStore{state: &database.ModeState{
		ModeType:   database.ModeRange,
		SwitchedAt: time.Now().UTC().Add(-5 * time.Minute),
	}}
	s := newTestSwitcher(t, store, 1, 30*time.Minute)

	if err := s.Evaluate(context.Background(), Classification{Mode: "trend", Reason: "test"}, nil); err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if s.Current() != database.ModeRange {
		t.Fatal("switched inside the cooldown window")
	}
}

func TestForceSwitchBypassesConfirmationNotCooldown(t *testing.T) {
	store := &fakeModeStore{}
	s := newTestSwitcher(t, store, 5, 30*time.Minute)

	big4 := &Result{OverallSignal: SignalNeutral}
	if err := s.ForceSwitch(context.Background(), database.ModeRange, "manual", big4); err != nil {
		t.Fatalf("force switch: %v", err)
	}
	if s.Current() != database.ModeRange {
		t.Fatal("manual override did not switch")
	}

	// Second manual switch lands in the cooldown and must be refused.
	if err := s.ForceSwitch(context.Background(), database.ModeTrend, "manual again", big4); err != nil {
		t.Fatalf("force switch: %v", err)
	}
	if s.Current() != database.ModeRange {
		t.Fatal("manual override bypassed the cooldown")
	}
}

func TestClassifyDefaultsToTrendOnShortData(t *testing.T) {
	c := Classify(nil, nil)
	if c.Mode != "trend" {
		t.Errorf("mode = %s, want trend on missing data", c.Mode)
	}
}

func TestClassifyRangeOnCompressedDirectionlessMarket(t *testing.T) {
	// Flat, tightly-banded candles alternating direction.
	candles15m := make([]market.Candle, 30)
	for i := range candles15m {
		price := 100.0
		if i%2 == 0 {
			candles15m[i] = market.Candle{Open: price, High: price * 1.001, Low: price * 0.999, Close: price * 1.0005}
		} else {
			candles15m[i] = market.Candle{Open: price, High: price * 1.001, Low: price * 0.999, Close: price * 0.9995}
		}
	}
	candles1h := make([]market.Candle, 30)
	copy(candles1h, candles15m[:30])

	c := Classify(candles15m, candles1h)
	if c.Mode != "range" {
		t.Errorf("mode = %s, want range for a compressed directionless market", c.Mode)
	}
}

func TestClassifyTrendOnPersistentDirection(t *testing.T) {
	candles15m := make([]market.Candle, 30)
	candles1h := make([]market.Candle, 30)
	for i := range candles15m {
		open := 100 + float64(i)*2
		candles15m[i] = market.Candle{Open: open, High: open * 1.03, Low: open * 0.99, Close: open * 1.02}
	}
	for i := range candles1h {
		open := 100 + float64(i)*5
		candles1h[i] = market.Candle{Open: open, High: open * 1.05, Low: open * 0.99, Close: open * 1.04}
	}

	c := Classify(candles15m, candles1h)
	if c.Mode != "trend" {
		t.Errorf("mode = %s, want trend for a persistent directional market", c.Mode)
	}
}
