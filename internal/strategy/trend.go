package strategy

import (
	"context"

	"futures-trading-engine/internal/brain"
)

// TrendFollow is the trend-mode generator: the decision brain's scored and
// filtered output is the trend-follow / breakout candidate stream.
type TrendFollow struct {
	brain *brain.Brain
}

// NewTrendFollow wraps the decision brain as a generator.
func NewTrendFollow(b *brain.Brain) *TrendFollow {
	return &TrendFollow{brain: b}
}

func (t *TrendFollow) Name() string { return "trend_follow" }

func (t *TrendFollow) Generate(ctx context.Context, symbol string, price float64) (*brain.Candidate, error) {
	return t.brain.Evaluate(ctx, symbol, price)
}
