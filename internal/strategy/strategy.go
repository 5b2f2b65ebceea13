// Package strategy holds the candidate generators. Each generator emits zero
// or one entry candidate per symbol per scan; the scan loop decides which
// generators are active under the current mode.
package strategy

import (
	"context"

	"futures-trading-engine/internal/brain"
)

// Generator produces entry candidates for one symbol.
type Generator interface {
	Name() string
	// Generate returns nil when the symbol offers no candidate this scan.
	Generate(ctx context.Context, symbol string, price float64) (*brain.Candidate, error)
}
