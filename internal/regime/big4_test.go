package regime

import (
	"testing"
	"time"
)

func TestAggregateBullishQuorum(t *testing.T) {
	details := []SymbolSignal{
		{Symbol: "BTCUSDT", Signal: SignalBullish, Strength: 70},
		{Symbol: "ETHUSDT", Signal: SignalBullish, Strength: 60},
		{Symbol: "BNBUSDT", Signal: SignalBullish, Strength: 50},
		{Symbol: "SOLUSDT", Signal: SignalBearish, Strength: 80},
	}
	r := aggregate(details, time.Now().UTC())
	if r.OverallSignal != SignalBullish {
		t.Errorf("overall = %s, want BULLISH", r.OverallSignal)
	}
	if r.SignalStrength != 60 {
		t.Errorf("strength = %f, want 60", r.SignalStrength)
	}
}

func TestAggregateNoQuorumIsNeutral(t *testing.T) {
	details := []SymbolSignal{
		{Symbol: "BTCUSDT", Signal: SignalBullish, Strength: 90},
		{Symbol: "ETHUSDT", Signal: SignalBullish, Strength: 90},
		{Symbol: "BNBUSDT", Signal: SignalBearish, Strength: 90},
		{Symbol: "SOLUSDT", Signal: SignalBearish, Strength: 90},
	}
	r := aggregate(details, time.Now().UTC())
	if r.OverallSignal != SignalNeutral {
		t.Errorf("overall = %s, want NEUTRAL without a 3-symbol quorum", r.OverallSignal)
	}
	if r.SignalStrength != 0 {
		t.Errorf("strength = %f, want 0", r.SignalStrength)
	}
}

func TestResultAgrees(t *testing.T) {
	bull := &Result{OverallSignal: SignalBullish}
	if !bull.Agrees("LONG") {
		t.Error("BULLISH should agree with LONG")
	}
	if bull.Agrees("SHORT") {
		t.Error("BULLISH should not agree with SHORT")
	}
	neutral := &Result{OverallSignal: SignalNeutral}
	if neutral.Agrees("LONG") || neutral.Agrees("SHORT") {
		t.Error("NEUTRAL should agree with neither side")
	}
}
