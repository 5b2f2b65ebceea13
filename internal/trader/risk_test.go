package trader

import (
	"context"
	"strings"
	"testing"
	"time"

	"futures-trading-engine/internal/database"
	"futures-trading-engine/internal/logging"
)

type fakeRiskStore struct {
	positions []*database.FuturesPosition
	orders    []*database.FuturesOrder
}

func (f *fakeRiskStore) GetActivePositions(ctx context.Context, accountID int64) ([]*database.FuturesPosition, error) {
	return f.positions, nil
}

func (f *fakeRiskStore) GetRecentCloseOrders(ctx context.Context, accountID int64, limit int) ([]*database.FuturesOrder, error) {
	if len(f.orders) > limit {
		return f.orders[:limit], nil
	}
	return f.orders, nil
}

type fakePrices struct {
	prices map[string]float64
}

func (f *fakePrices) MarkPrice(ctx context.Context, symbol string) (float64, error) {
	return f.prices[symbol], nil
}

func longPosition(symbol string, entry, qty float64) *database.FuturesPosition {
	return &database.FuturesPosition{
		Symbol:        symbol,
		PositionSide:  database.SideLong,
		Quantity:      qty,
		AvgEntryPrice: entry,
		Status:        database.PositionStatusOpen,
	}
}

func TestAggregateLossBreakerTrips(t *testing.T) {
	// Two LONGs down 350 USDT each: 700 total, past the 600 limit.
	store := &fakeRiskStore{positions: []*database.FuturesPosition{
		longPosition("BTCUSDT", 50000, 0.07),
		longPosition("ETHUSDT", 3000, 1.0),
	}}
	prices := &fakePrices{prices: map[string]float64{
		"BTCUSDT": 45000, // -350
		"ETHUSDT": 2650,  // -350
	}}

	r := NewRiskManager(RiskConfig{AccountID: 1}, store, prices, nil, nil, nil, logging.Default())
	r.CheckAll(context.Background())

	blocked, reason := r.IsEntryBlocked(database.SideLong)
	if !blocked {
		t.Fatal("expected both-sides block after aggregate loss breach")
	}
	if !strings.Contains(reason, "[CIRCUIT-BREAKER] 累计浮亏熔断触发") {
		t.Errorf("reason = %q, want circuit-breaker marker", reason)
	}
	if blocked, _ := r.IsEntryBlocked(database.SideShort); !blocked {
		t.Error("aggregate loss must block both sides")
	}
}

func TestAggregateLossWithinLimit(t *testing.T) {
	store := &fakeRiskStore{positions: []*database.FuturesPosition{
		longPosition("BTCUSDT", 50000, 0.01),
	}}
	prices := &fakePrices{prices: map[string]float64{"BTCUSDT": 49000}} // -10

	r := NewRiskManager(RiskConfig{AccountID: 1}, store, prices, nil, nil, nil, logging.Default())
	r.CheckAll(context.Background())

	if blocked, _ := r.IsEntryBlocked(database.SideLong); blocked {
		t.Error("no block expected while floating loss is inside the limit")
	}
}

func TestStopLossClusterBreaker(t *testing.T) {
	orders := make([]*database.FuturesOrder, 10)
	for i := range orders {
		notes := "止盈"
		if i < 5 {
			notes = "止损"
		}
		orders[i] = &database.FuturesOrder{Notes: notes}
	}
	store := &fakeRiskStore{orders: orders}

	r := NewRiskManager(RiskConfig{AccountID: 1}, store, &fakePrices{}, nil, nil, nil, logging.Default())
	r.CheckAll(context.Background())

	blocked, reason := r.IsEntryBlocked(database.SideShort)
	if !blocked {
		t.Fatal("expected block: 5 of 10 recent closes are stop-losses")
	}
	if !strings.Contains(reason, "[CIRCUIT-BREAKER] 止损熔断触发") {
		t.Errorf("reason = %q, want stop-loss circuit-breaker marker", reason)
	}
}

func TestStopLossClusterBelowTrip(t *testing.T) {
	orders := make([]*database.FuturesOrder, 10)
	for i := range orders {
		notes := "超时"
		if i < 4 {
			notes = "止损"
		}
		orders[i] = &database.FuturesOrder{Notes: notes}
	}
	store := &fakeRiskStore{orders: orders}

	r := NewRiskManager(RiskConfig{AccountID: 1}, store, &fakePrices{}, nil, nil, nil, logging.Default())
	r.CheckAll(context.Background())

	if blocked, _ := r.IsEntryBlocked(database.SideLong); blocked {
		t.Error("4 stop-losses must not trip a 5-of-10 breaker")
	}
}

func TestEntryBlockSideScopingAndExpiry(t *testing.T) {
	r := NewRiskManager(RiskConfig{AccountID: 1}, &fakeRiskStore{}, &fakePrices{}, nil, nil, nil, logging.Default())

	r.arm(database.SideShort, "Big4同步触底反转", time.Hour)
	if blocked, _ := r.IsEntryBlocked(database.SideShort); !blocked {
		t.Error("SHORT should be blocked")
	}
	if blocked, _ := r.IsEntryBlocked(database.SideLong); blocked {
		t.Error("LONG should stay open under a SHORT-only block")
	}

	// Expired block clears on read.
	r2 := NewRiskManager(RiskConfig{AccountID: 1}, &fakeRiskStore{}, &fakePrices{}, nil, nil, nil, logging.Default())
	r2.arm("", "old", -time.Minute)
	if blocked, _ := r2.IsEntryBlocked(database.SideLong); blocked {
		t.Error("expired block must not fire")
	}
}

func TestArmDeduplicatesActiveBlocks(t *testing.T) {
	r := NewRiskManager(RiskConfig{AccountID: 1}, &fakeRiskStore{}, &fakePrices{}, nil, nil, nil, logging.Default())

	if !r.arm("", "first", time.Hour) {
		t.Fatal("first arm must succeed")
	}
	if r.arm("", "second", time.Hour) {
		t.Error("second arm for the same side must be a no-op while active")
	}
}
