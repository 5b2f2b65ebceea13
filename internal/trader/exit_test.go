package trader

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"futures-trading-engine/internal/database"
	"futures-trading-engine/internal/events"
	"futures-trading-engine/internal/logging"
	"futures-trading-engine/internal/market"
)

type fakeMonitorStore struct {
	pos      *database.FuturesPosition
	closes   []database.CloseParams
	closeRes *database.CloseResult
	stops    []float64
	stat     *database.SignalQualityStat
	upserted []*database.SignalQualityStat
}

func (f *fakeMonitorStore) GetActivePositions(ctx context.Context, accountID int64) ([]*database.FuturesPosition, error) {
	if f.pos == nil {
		return nil, nil
	}
	return []*database.FuturesPosition{f.pos}, nil
}

func (f *fakeMonitorStore) GetPositionByID(ctx context.Context, id int64) (*database.FuturesPosition, error) {
	if f.pos == nil {
		return nil, database.ErrNotFound
	}
	return f.pos, nil
}

func (f *fakeMonitorStore) ClosePositionTx(ctx context.Context, p database.CloseParams) (*database.CloseResult, error) {
	f.closes = append(f.closes, p)
	if f.closeRes != nil {
		return f.closeRes, nil
	}
	full := p.Fraction == 1
	if full {
		f.pos.Status = database.PositionStatusClosed
	}
	return &database.CloseResult{FullClose: full, RealizedPnL: 10, Position: f.pos}, nil
}

func (f *fakeMonitorStore) UpdateStopLoss(ctx context.Context, positionID int64, stopLoss float64, note string) error {
	f.stops = append(f.stops, stopLoss)
	return nil
}

func (f *fakeMonitorStore) GetSignalQualityStat(ctx context.Context, signalType, side string) (*database.SignalQualityStat, error) {
	return f.stat, nil
}

func (f *fakeMonitorStore) UpsertSignalQualityStat(ctx context.Context, s *database.SignalQualityStat) error {
	f.upserted = append(f.upserted, s)
	return nil
}

func ptr(v float64) *float64 { return &v }

func openLong(stop, take *float64) *database.FuturesPosition {
	return &database.FuturesPosition{
		ID:              7,
		Symbol:          "BTCUSDT",
		PositionSide:    database.SideLong,
		Quantity:        0.04,
		AvgEntryPrice:   50000,
		Margin:          400,
		Status:          database.PositionStatusOpen,
		StopLossPrice:   stop,
		TakeProfitPrice: take,
		EntrySignalType: "momentum_24h_up+trend_1h_bull",
	}
}

func newTestMonitors(store *fakeMonitorStore, price float64, cfg ExitConfig) *MonitorManager {
	gw := market.NewGateway(nil, &stubKlines{price: price}, logging.Default())
	cfg.AccountID = 1
	return NewMonitorManager(cfg, store, gw, nil, nil, zerolog.Nop())
}

func runTick(m *MonitorManager, store *fakeMonitorStore) bool {
	state := newMonitorState(store.pos)
	return m.tick(context.Background(), state, zerolog.Nop())
}

func TestCrossedStopAndTake(t *testing.T) {
	long := openLong(ptr(49000), ptr(51500))
	if !crossedStop(long, 48900) || crossedStop(long, 49100) {
		t.Error("LONG stop must trigger at or below the stop price")
	}
	if !crossedTake(long, 51600) || crossedTake(long, 51000) {
		t.Error("LONG take-profit must trigger at or above the target")
	}

	short := &database.FuturesPosition{
		PositionSide: database.SideShort, StopLossPrice: ptr(51000), TakeProfitPrice: ptr(48500),
	}
	if !crossedStop(short, 51100) || crossedStop(short, 50900) {
		t.Error("SHORT stop must trigger at or above the stop price")
	}
	if !crossedTake(short, 48400) || crossedTake(short, 49000) {
		t.Error("SHORT take-profit must trigger at or below the target")
	}
}

func TestTickClosesOnStopLoss(t *testing.T) {
	store := &fakeMonitorStore{pos: openLong(ptr(49000), nil)}
	m := newTestMonitors(store, 48900, ExitConfig{})

	if done := runTick(m, store); !done {
		t.Fatal("stop-loss tick must end the monitor")
	}
	if len(store.closes) != 1 {
		t.Fatalf("closes = %d, want 1", len(store.closes))
	}
	c := store.closes[0]
	if c.Reason != ReasonStopLoss || c.Fraction != 1 {
		t.Errorf("close = %+v, want full close with reason %q", c, ReasonStopLoss)
	}
}

func TestTickClosesOnTakeProfit(t *testing.T) {
	store := &fakeMonitorStore{pos: openLong(ptr(49000), ptr(51500))}
	m := newTestMonitors(store, 51600, ExitConfig{})

	if done := runTick(m, store); !done {
		t.Fatal("take-profit tick must end the monitor")
	}
	if store.closes[0].Reason != ReasonTakeProfit {
		t.Errorf("reason = %q, want %q", store.closes[0].Reason, ReasonTakeProfit)
	}
}

func TestTickTimeout(t *testing.T) {
	past := time.Now().UTC().Add(-time.Minute)
	pos := openLong(nil, nil)
	pos.TimeoutAt = &past
	store := &fakeMonitorStore{pos: pos}
	m := newTestMonitors(store, 50000, ExitConfig{})

	if done := runTick(m, store); !done {
		t.Fatal("timeout tick must end the monitor")
	}
	if store.closes[0].Reason != ReasonTimeout {
		t.Errorf("reason = %q, want %q", store.closes[0].Reason, ReasonTimeout)
	}
}

func TestTickPartialLadderFiresOncePerRung(t *testing.T) {
	store := &fakeMonitorStore{
		pos:      openLong(nil, nil),
		closeRes: &database.CloseResult{FullClose: false, RealizedPnL: 4},
	}
	// +2% P&L on margin: (50200-50000)*0.04 = 8 USDT on 400 margin.
	m := newTestMonitors(store, 50200, ExitConfig{
		PartialLadder: []PartialBand{{TriggerPct: 2, Fraction: 0.5}},
	})

	state := newMonitorState(store.pos)
	if done := m.tick(context.Background(), state, zerolog.Nop()); done {
		t.Fatal("partial close must keep the monitor alive")
	}
	if len(store.closes) != 1 || store.closes[0].Fraction != 0.5 {
		t.Fatalf("closes = %+v, want one half close", store.closes)
	}

	// The same rung must not fire again.
	if done := m.tick(context.Background(), state, zerolog.Nop()); done {
		t.Fatal("second tick must not close")
	}
	if len(store.closes) != 1 {
		t.Errorf("closes = %d after second tick, want still 1", len(store.closes))
	}
}

func TestTickPartialUpgradedToFull(t *testing.T) {
	store := &fakeMonitorStore{
		pos:      openLong(nil, nil),
		closeRes: &database.CloseResult{FullClose: true, RealizedPnL: 8},
	}
	m := newTestMonitors(store, 50200, ExitConfig{
		PartialLadder: []PartialBand{{TriggerPct: 2, Fraction: 0.98}},
	})

	if done := runTick(m, store); !done {
		t.Fatal("margin-floor upgrade must end the monitor")
	}
	if store.closes[0].MinMarginFloor != 10 {
		t.Errorf("MinMarginFloor = %f, want the 10 USDT default", store.closes[0].MinMarginFloor)
	}
	if len(store.upserted) != 1 {
		t.Errorf("quality upserts = %d, want 1 on full close", len(store.upserted))
	}
}

func TestMonitorStateSeedsAppliedRungsFromNotes(t *testing.T) {
	pos := openLong(nil, nil)
	pos.Notes = "开仓 ...; 部分止盈#1 executed"
	state := newMonitorState(pos)
	if !state.appliedBands[0] {
		t.Error("rung 1 must be marked applied from the audit trail")
	}
	if state.appliedBands[1] {
		t.Error("rung 2 must stay unapplied")
	}
}

func TestTickTrailingRatchetsOnlyTighter(t *testing.T) {
	store := &fakeMonitorStore{pos: openLong(ptr(49000), nil)}
	// +3.25% P&L on margin: (50325-50000)*0.04 = 13 USDT on 400.
	m := newTestMonitors(store, 50325, ExitConfig{
		TrailingActivatePct: 3,
		TrailingDistancePct: 1.5,
	})

	state := newMonitorState(store.pos)
	if done := m.tick(context.Background(), state, zerolog.Nop()); done {
		t.Fatal("trailing tick must not close")
	}
	if len(store.stops) != 1 {
		t.Fatalf("stop updates = %d, want 1", len(store.stops))
	}
	want := 50325 * 0.985
	if store.stops[0] < want-0.01 || store.stops[0] > want+0.01 {
		t.Errorf("stop = %f, want ~%f", store.stops[0], want)
	}

	// Same price again: the stop is already at the trailing distance.
	if done := m.tick(context.Background(), state, zerolog.Nop()); done {
		t.Fatal("second trailing tick must not close")
	}
	if len(store.stops) != 1 {
		t.Errorf("stop updates = %d after flat price, want still 1", len(store.stops))
	}
}

func TestTickWaitsOnBuildingPosition(t *testing.T) {
	pos := openLong(nil, nil)
	pos.Status = database.PositionStatusBuilding
	pos.Quantity = 0
	store := &fakeMonitorStore{pos: pos}
	m := newTestMonitors(store, 50000, ExitConfig{})

	if done := runTick(m, store); done {
		t.Fatal("a building position with no fills must keep its monitor")
	}
	if len(store.closes) != 0 {
		t.Errorf("closes = %d, want 0", len(store.closes))
	}
}

func TestFullCloseRecordsQualityStat(t *testing.T) {
	store := &fakeMonitorStore{
		pos:      openLong(nil, nil),
		closeRes: &database.CloseResult{FullClose: true, RealizedPnL: 25},
	}
	m := newTestMonitors(store, 50000, ExitConfig{})

	if ok := m.fullClose(context.Background(), store.pos, 50625, ReasonTakeProfit, zerolog.Nop()); !ok {
		t.Fatal("full close must report done")
	}
	if len(store.upserted) != 1 {
		t.Fatalf("quality upserts = %d, want 1", len(store.upserted))
	}
	s := store.upserted[0]
	if s.SampleCount != 1 || s.WinRate != 1 || s.AvgPnL != 25 {
		t.Errorf("stat = %+v, want 1 sample, win rate 1, avg 25", s)
	}
}

func TestFullCloseRaceIsNoOp(t *testing.T) {
	store := &fakeMonitorStore{
		pos:      openLong(nil, nil),
		closeRes: &database.CloseResult{NoOp: true},
	}
	m := newTestMonitors(store, 50000, ExitConfig{})

	if ok := m.fullClose(context.Background(), store.pos, 50000, ReasonTimeout, zerolog.Nop()); !ok {
		t.Fatal("a raced close must still report the position as closed")
	}
	if len(store.upserted) != 0 {
		t.Error("a no-op close must not touch quality stats")
	}
}

func TestForceCloseMatchesSideAndSymbol(t *testing.T) {
	store := &fakeMonitorStore{
		pos:      openLong(nil, nil),
		closeRes: &database.CloseResult{FullClose: true, RealizedPnL: -30},
	}
	m := newTestMonitors(store, 50000, ExitConfig{})

	// SHORT-only request must skip the LONG position.
	m.handleForceClose(context.Background(), events.ForceCloseRequest{
		Side: database.SideShort, Reason: "EMERGENCY: Big4同步见顶反转",
	})
	if len(store.closes) != 0 {
		t.Fatalf("closes = %d, want 0 for a mismatched side", len(store.closes))
	}

	m.handleForceClose(context.Background(), events.ForceCloseRequest{
		Side: database.SideLong, Reason: "EMERGENCY: Big4同步见顶反转",
	})
	if len(store.closes) != 1 {
		t.Fatalf("closes = %d, want 1", len(store.closes))
	}
	if store.closes[0].Reason != "EMERGENCY: Big4同步见顶反转" {
		t.Errorf("reason = %q, want the emergency reason", store.closes[0].Reason)
	}
}
