package brain

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"futures-trading-engine/internal/database"
	"futures-trading-engine/internal/logging"
)

// configStore is the slice of the state store the snapshot loader reads.
type configStore interface {
	GetSymbolRatings(ctx context.Context) (map[string]*database.SymbolRating, error)
	GetActiveBlacklist(ctx context.Context) ([]*database.SignalBlacklistEntry, error)
	GetSignalQualityStats(ctx context.Context) (map[string]*database.SignalQualityStat, error)
	GetScoringWeights(ctx context.Context) (map[string]*database.ScoringWeight, error)
	GetAdaptiveParams(ctx context.Context) (map[string]*database.AdaptiveParam, error)
}

// Snapshot is one immutable view of the adaptive configuration. The brain
// reads exactly one snapshot per scan; reloads swap the pointer atomically.
type Snapshot struct {
	Ratings   map[string]*database.SymbolRating
	Blacklist map[string]bool // "signalType|side"
	Quality   map[string]*database.SignalQualityStat
	Weights   map[string]*database.ScoringWeight
	Params    map[string]*database.AdaptiveParam
	LoadedAt  time.Time
}

// Weight returns the active multiplier for a (component, side), default 1.0.
func (s *Snapshot) Weight(component, side string) float64 {
	w, ok := s.Weights[component]
	if !ok || !w.IsActive {
		return 1.0
	}
	if side == database.SideShort {
		return w.WeightShort
	}
	return w.WeightLong
}

// IsBlacklisted reports whether a (fingerprint, side) pair is disabled.
func (s *Snapshot) IsBlacklisted(fingerprint, side string) bool {
	return s.Blacklist[fingerprint+"|"+side]
}

// ThresholdAdjustment returns the quality manager's threshold raise for a
// (fingerprint, side). Never negative: quality may raise the bar, not lower it.
func (s *Snapshot) ThresholdAdjustment(fingerprint, side string) float64 {
	q, ok := s.Quality[fingerprint+"|"+side]
	if !ok || q.ThresholdAdjustment < 0 {
		return 0
	}
	return q.ThresholdAdjustment
}

// Param returns one adaptive parameter value, or the fallback.
func (s *Snapshot) Param(paramType, key string, fallback float64) float64 {
	p, ok := s.Params[paramType+"|"+key]
	if !ok {
		return fallback
	}
	return p.ParamValue
}

// Forbidden reports whether a symbol's rating bars it from entry. Unrated
// symbols are tradable.
func (s *Snapshot) Forbidden(symbol string) bool {
	r, ok := s.Ratings[symbol]
	return ok && r.RatingLevel >= database.RatingForbidden
}

// RatingMultiplier returns the position-size multiplier for a symbol,
// default 1.0 for unrated symbols.
func (s *Snapshot) RatingMultiplier(symbol string) float64 {
	r, ok := s.Ratings[symbol]
	if !ok || r.MarginMultiplier <= 0 {
		return 1.0
	}
	return r.MarginMultiplier
}

// SnapshotLoader loads and atomically publishes configuration snapshots.
type SnapshotLoader struct {
	store   configStore
	log     *logging.Logger
	current atomic.Pointer[Snapshot]
}

// NewSnapshotLoader builds the loader with an empty snapshot so callers never
// see nil.
func NewSnapshotLoader(store configStore, log *logging.Logger) *SnapshotLoader {
	l := &SnapshotLoader{store: store, log: log.WithComponent("brain")}
	l.current.Store(emptySnapshot())
	return l
}

func emptySnapshot() *Snapshot {
	return &Snapshot{
		Ratings:   map[string]*database.SymbolRating{},
		Blacklist: map[string]bool{},
		Quality:   map[string]*database.SignalQualityStat{},
		Weights:   map[string]*database.ScoringWeight{},
		Params:    map[string]*database.AdaptiveParam{},
		LoadedAt:  time.Now().UTC(),
	}
}

// Current returns the latest snapshot. Never nil.
func (l *SnapshotLoader) Current() *Snapshot {
	return l.current.Load()
}

// Reload reads all adaptive tables and swaps in a fresh snapshot. On failure
// the previous snapshot stays in place.
func (l *SnapshotLoader) Reload(ctx context.Context) error {
	ratings, err := l.store.GetSymbolRatings(ctx)
	if err != nil {
		return fmt.Errorf("failed to load ratings: %w", err)
	}
	blacklistRows, err := l.store.GetActiveBlacklist(ctx)
	if err != nil {
		return fmt.Errorf("failed to load blacklist: %w", err)
	}
	quality, err := l.store.GetSignalQualityStats(ctx)
	if err != nil {
		return fmt.Errorf("failed to load quality stats: %w", err)
	}
	weights, err := l.store.GetScoringWeights(ctx)
	if err != nil {
		return fmt.Errorf("failed to load scoring weights: %w", err)
	}
	params, err := l.store.GetAdaptiveParams(ctx)
	if err != nil {
		return fmt.Errorf("failed to load adaptive params: %w", err)
	}

	blacklist := make(map[string]bool, len(blacklistRows))
	for _, e := range blacklistRows {
		blacklist[e.SignalType+"|"+e.PositionSide] = true
	}

	l.current.Store(&Snapshot{
		Ratings:   ratings,
		Blacklist: blacklist,
		Quality:   quality,
		Weights:   weights,
		Params:    params,
		LoadedAt:  time.Now().UTC(),
	})
	l.log.Info("config snapshot reloaded",
		"ratings", len(ratings), "blacklist", len(blacklist), "weights", len(weights))
	return nil
}
