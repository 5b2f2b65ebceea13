package market

import (
	"strings"
	"testing"
)

func TestParseKlinesDecodesRows(t *testing.T) {
	body := []byte(`[
		[1700000000000, "50000.0", "50100.0", "49900.0", "50050.0", "123.4", 1700000299999],
		[1700000300000, "50050.0", "50200.0", "50000.0", "50150.0", "98.7", 1700000599999]
	]`)
	candles, err := parseKlines(body)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(candles) != 2 {
		t.Fatalf("candles = %d, want 2", len(candles))
	}
	if candles[0].Open != 50000 || candles[0].Close != 50050 {
		t.Errorf("candle = %+v, want open 50000 close 50050", candles[0])
	}
	if candles[0].OpenTime.UnixMilli() != 1700000000000 {
		t.Errorf("open time = %d ms", candles[0].OpenTime.UnixMilli())
	}
}

func TestParseKlinesSkipsShortRows(t *testing.T) {
	body := []byte(`[[1700000000000, "1.0"], [1700000300000, "1", "2", "0.5", "1.5", "10", 1700000599999]]`)
	candles, err := parseKlines(body)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(candles) != 1 {
		t.Errorf("candles = %d, want the short row skipped", len(candles))
	}
}

func TestParseKlinesRejectsMalformedTimestamp(t *testing.T) {
	body := []byte(`[["not-a-number", "1", "2", "0.5", "1.5", "10", 1700000599999]]`)
	if _, err := parseKlines(body); err == nil {
		t.Fatal("malformed open time must return an error, not panic")
	} else if !strings.Contains(err.Error(), "open time") {
		t.Errorf("error = %v, want an open-time parse error", err)
	}
}
