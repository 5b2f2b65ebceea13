package brain

import (
	"strings"
	"testing"

	"futures-trading-engine/internal/database"
	"futures-trading-engine/internal/market"
)

func TestFingerprintIsSortedAndJoined(t *testing.T) {
	got := Fingerprint([]string{"volume_power_bull", "breakout_high", "momentum_24h_up"})
	want := "breakout_high+momentum_24h_up+volume_power_bull"
	if got != want {
		t.Errorf("fingerprint = %q, want %q", got, want)
	}
}

func TestStripContradictionsForLong(t *testing.T) {
	components := []string{
		ComponentRangeLow72h,
		ComponentTrend1hBear, // bearish, must go
		ComponentVolatilityHigh,
		ComponentMomentumDown, // bearish, must go
	}
	kept := stripContradictions(components, database.SideLong)
	if len(kept) != 2 {
		t.Fatalf("kept = %v, want 2 components", kept)
	}
	if contains(kept, ComponentTrend1hBear) || contains(kept, ComponentMomentumDown) {
		t.Errorf("bearish components survived a LONG strip: %v", kept)
	}
	if !contains(kept, ComponentVolatilityHigh) {
		t.Error("neutral volatility_high must survive the strip")
	}
}

func TestStripContradictionsCanEmpty(t *testing.T) {
	kept := stripContradictions([]string{ComponentTrend1hBull, ComponentBreakoutHigh}, database.SideShort)
	if len(kept) != 0 {
		t.Errorf("kept = %v, want empty for all-bullish SHORT", kept)
	}
}

func TestTimeframeConsistency(t *testing.T) {
	cases := []struct {
		side, trend1h, trend1d string
		ok                     bool
	}{
		{database.SideLong, "bull", "neutral", true},
		{database.SideLong, "bear", "neutral", false},
		{database.SideLong, "neutral", "bear", false},
		{database.SideShort, "bull", "neutral", false},
		{database.SideShort, "neutral", "bull", false},
		{database.SideShort, "bear", "bear", true},
		{database.SideShort, "neutral", "neutral", true},
	}
	for _, c := range cases {
		_, ok := checkTimeframeConsistency(c.side, c.trend1h, c.trend1d)
		if ok != c.ok {
			t.Errorf("consistency(%s, 1h=%s, 1d=%s) = %v, want %v",
				c.side, c.trend1h, c.trend1d, ok, c.ok)
		}
	}
}

func TestValidatePositionExtremeShortIntoStrength(t *testing.T) {
	// Rising volume, no upper shadows: shorting at the high must be refused.
	candles := make([]market.Candle, validationWindow)
	for i := range candles {
		price := 100.0
		candles[i] = market.Candle{
			Open: price, Close: price * 1.01,
			High: price * 1.01, Low: price,
			Volume: 1000 + float64(i)*200,
		}
	}
	reason, ok := validatePositionExtreme(database.SideShort, 90, candles)
	if ok {
		t.Fatal("short into strength passed validation")
	}
	if !strings.Contains(reason, "做空") {
		t.Errorf("reason %q does not mention the short rejection", reason)
	}
}

func TestValidatePositionExtremeShortWithFadingVolume(t *testing.T) {
	candles := make([]market.Candle, validationWindow)
	for i := range candles {
		price := 100.0
		candles[i] = market.Candle{
			Open: price, Close: price * 1.005,
			High: price * 1.006, Low: price,
			Volume: 3000 - float64(i)*200,
		}
	}
	if _, ok := validatePositionExtreme(database.SideShort, 90, candles); !ok {
		t.Fatal("declining volume should corroborate the short")
	}
}

func TestValidatePositionExtremeSkipsMidRange(t *testing.T) {
	if _, ok := validatePositionExtreme(database.SideShort, 50, nil); !ok {
		t.Fatal("mid-range short must skip the validation")
	}
	if _, ok := validatePositionExtreme(database.SideLong, 50, nil); !ok {
		t.Fatal("mid-range long must skip the validation")
	}
}

func TestAntiFOMODisabledByDefault(t *testing.T) {
	if _, ok := checkAntiFOMO(false, database.SideLong, 95); !ok {
		t.Fatal("disabled anti-FOMO filter must pass everything")
	}
}

func TestAntiFOMOEnabled(t *testing.T) {
	if _, ok := checkAntiFOMO(true, database.SideLong, 85); ok {
		t.Error("LONG above 80% of the 24h range must be rejected")
	}
	if _, ok := checkAntiFOMO(true, database.SideShort, 15); ok {
		t.Error("SHORT below 20% of the 24h range must be rejected")
	}
	if _, ok := checkAntiFOMO(true, database.SideLong, 50); !ok {
		t.Error("mid-range LONG must pass")
	}
}
