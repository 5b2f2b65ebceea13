package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// GetSymbolRatings returns all symbol ratings keyed by symbol.
func (db *DB) GetSymbolRatings(ctx context.Context) (map[string]*SymbolRating, error) {
	rows, err := db.Pool.Query(ctx,
		`SELECT symbol, rating_level, margin_multiplier, reason, updated_at FROM trading_symbol_rating`)
	if err != nil {
		return nil, fmt.Errorf("failed to query symbol ratings: %w", err)
	}
	defer rows.Close()

	ratings := make(map[string]*SymbolRating)
	for rows.Next() {
		r := &SymbolRating{}
		if err := rows.Scan(&r.Symbol, &r.RatingLevel, &r.MarginMultiplier, &r.Reason, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan symbol rating: %w", err)
		}
		ratings[r.Symbol] = r
	}
	return ratings, rows.Err()
}

// UpsertSymbolRating writes one symbol's rating.
func (db *DB) UpsertSymbolRating(ctx context.Context, r *SymbolRating) error {
	_, err := db.Pool.Exec(ctx,
		`INSERT INTO trading_symbol_rating (symbol, rating_level, margin_multiplier, reason, updated_at)
		 VALUES ($1, $2, $3, $4, NOW())
		 ON CONFLICT (symbol) DO UPDATE SET
			rating_level = EXCLUDED.rating_level,
			margin_multiplier = EXCLUDED.margin_multiplier,
			reason = EXCLUDED.reason,
			updated_at = NOW()`,
		r.Symbol, r.RatingLevel, r.MarginMultiplier, r.Reason,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert rating for %s: %w", r.Symbol, err)
	}
	return nil
}

// GetActiveBlacklist returns active (fingerprint, side) blacklist entries.
func (db *DB) GetActiveBlacklist(ctx context.Context) ([]*SignalBlacklistEntry, error) {
	rows, err := db.Pool.Query(ctx,
		`SELECT signal_type, position_side, is_active, reason, updated_at
		 FROM signal_blacklist WHERE is_active = TRUE`)
	if err != nil {
		return nil, fmt.Errorf("failed to query blacklist: %w", err)
	}
	defer rows.Close()

	var entries []*SignalBlacklistEntry
	for rows.Next() {
		e := &SignalBlacklistEntry{}
		if err := rows.Scan(&e.SignalType, &e.PositionSide, &e.IsActive, &e.Reason, &e.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan blacklist entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// SetBlacklistEntry activates or deactivates one (fingerprint, side) pair.
func (db *DB) SetBlacklistEntry(ctx context.Context, signalType, side string, active bool, reason string) error {
	_, err := db.Pool.Exec(ctx,
		`INSERT INTO signal_blacklist (signal_type, position_side, is_active, reason, updated_at)
		 VALUES ($1, $2, $3, $4, NOW())
		 ON CONFLICT (signal_type, position_side) DO UPDATE SET
			is_active = EXCLUDED.is_active,
			reason = EXCLUDED.reason,
			updated_at = NOW()`,
		signalType, side, active, reason,
	)
	if err != nil {
		return fmt.Errorf("failed to set blacklist entry %s/%s: %w", signalType, side, err)
	}
	return nil
}

// GetSignalQualityStats returns quality stats keyed by "signalType|side".
func (db *DB) GetSignalQualityStats(ctx context.Context) (map[string]*SignalQualityStat, error) {
	rows, err := db.Pool.Query(ctx,
		`SELECT signal_type, position_side, sample_count, win_rate, avg_pnl, threshold_adjustment, updated_at
		 FROM signal_quality_stats`)
	if err != nil {
		return nil, fmt.Errorf("failed to query signal quality stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[string]*SignalQualityStat)
	for rows.Next() {
		s := &SignalQualityStat{}
		if err := rows.Scan(&s.SignalType, &s.PositionSide, &s.SampleCount, &s.WinRate,
			&s.AvgPnL, &s.ThresholdAdjustment, &s.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan quality stat: %w", err)
		}
		stats[s.SignalType+"|"+s.PositionSide] = s
	}
	return stats, rows.Err()
}

// GetSignalQualityStat reads one (fingerprint, side) row, or nil.
func (db *DB) GetSignalQualityStat(ctx context.Context, signalType, side string) (*SignalQualityStat, error) {
	s := &SignalQualityStat{}
	err := db.Pool.QueryRow(ctx,
		`SELECT signal_type, position_side, sample_count, win_rate, avg_pnl, threshold_adjustment, updated_at
		 FROM signal_quality_stats WHERE signal_type = $1 AND position_side = $2`,
		signalType, side,
	).Scan(&s.SignalType, &s.PositionSide, &s.SampleCount, &s.WinRate,
		&s.AvgPnL, &s.ThresholdAdjustment, &s.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get quality stat %s/%s: %w", signalType, side, err)
	}
	return s, nil
}

// UpsertSignalQualityStat writes the mined stats for one (fingerprint, side).
func (db *DB) UpsertSignalQualityStat(ctx context.Context, s *SignalQualityStat) error {
	_, err := db.Pool.Exec(ctx,
		`INSERT INTO signal_quality_stats
			(signal_type, position_side, sample_count, win_rate, avg_pnl, threshold_adjustment, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, NOW())
		 ON CONFLICT (signal_type, position_side) DO UPDATE SET
			sample_count = EXCLUDED.sample_count,
			win_rate = EXCLUDED.win_rate,
			avg_pnl = EXCLUDED.avg_pnl,
			threshold_adjustment = EXCLUDED.threshold_adjustment,
			updated_at = NOW()`,
		s.SignalType, s.PositionSide, s.SampleCount, s.WinRate, s.AvgPnL, s.ThresholdAdjustment,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert quality stat %s/%s: %w", s.SignalType, s.PositionSide, err)
	}
	return nil
}

// GetScoringWeights returns active per-component weights keyed by component.
func (db *DB) GetScoringWeights(ctx context.Context) (map[string]*ScoringWeight, error) {
	rows, err := db.Pool.Query(ctx,
		`SELECT signal_component, weight_long, weight_short, is_active
		 FROM signal_scoring_weights WHERE is_active = TRUE`)
	if err != nil {
		return nil, fmt.Errorf("failed to query scoring weights: %w", err)
	}
	defer rows.Close()

	weights := make(map[string]*ScoringWeight)
	for rows.Next() {
		w := &ScoringWeight{}
		if err := rows.Scan(&w.SignalComponent, &w.WeightLong, &w.WeightShort, &w.IsActive); err != nil {
			return nil, fmt.Errorf("failed to scan scoring weight: %w", err)
		}
		weights[w.SignalComponent] = w
	}
	return weights, rows.Err()
}

// UpsertScoringWeight writes one component weight.
func (db *DB) UpsertScoringWeight(ctx context.Context, w *ScoringWeight) error {
	_, err := db.Pool.Exec(ctx,
		`INSERT INTO signal_scoring_weights (signal_component, weight_long, weight_short, is_active)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (signal_component) DO UPDATE SET
			weight_long = EXCLUDED.weight_long,
			weight_short = EXCLUDED.weight_short,
			is_active = EXCLUDED.is_active`,
		w.SignalComponent, w.WeightLong, w.WeightShort, w.IsActive,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert scoring weight %s: %w", w.SignalComponent, err)
	}
	return nil
}

// GetAdaptiveParams returns all tunables keyed by "type|key".
func (db *DB) GetAdaptiveParams(ctx context.Context) (map[string]*AdaptiveParam, error) {
	rows, err := db.Pool.Query(ctx,
		`SELECT param_type, param_key, param_value, updated_at FROM adaptive_params`)
	if err != nil {
		return nil, fmt.Errorf("failed to query adaptive params: %w", err)
	}
	defer rows.Close()

	params := make(map[string]*AdaptiveParam)
	for rows.Next() {
		p := &AdaptiveParam{}
		if err := rows.Scan(&p.ParamType, &p.ParamKey, &p.ParamValue, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan adaptive param: %w", err)
		}
		params[p.ParamType+"|"+p.ParamKey] = p
	}
	return params, rows.Err()
}

// UpsertAdaptiveParam writes one tunable.
func (db *DB) UpsertAdaptiveParam(ctx context.Context, paramType, paramKey string, value float64) error {
	_, err := db.Pool.Exec(ctx,
		`INSERT INTO adaptive_params (param_type, param_key, param_value, updated_at)
		 VALUES ($1, $2, $3, NOW())
		 ON CONFLICT (param_type, param_key) DO UPDATE SET
			param_value = EXCLUDED.param_value,
			updated_at = NOW()`,
		paramType, paramKey, value,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert adaptive param %s/%s: %w", paramType, paramKey, err)
	}
	return nil
}

// GetVolatilityProfile returns the fixed take-profit profile for one symbol,
// or nil when the optimizer has not derived one yet.
func (db *DB) GetVolatilityProfile(ctx context.Context, symbol string) (*VolatilityProfile, error) {
	v := &VolatilityProfile{}
	err := db.Pool.QueryRow(ctx,
		`SELECT symbol, long_fixed_tp_pct, short_fixed_tp_pct, sample_count, updated_at
		 FROM symbol_volatility_profile WHERE symbol = $1`,
		symbol,
	).Scan(&v.Symbol, &v.LongFixedTPPct, &v.ShortFixedTPPct, &v.SampleCount, &v.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get volatility profile for %s: %w", symbol, err)
	}
	return v, nil
}

// UpsertVolatilityProfile writes one symbol's derived take-profit profile.
func (db *DB) UpsertVolatilityProfile(ctx context.Context, v *VolatilityProfile) error {
	_, err := db.Pool.Exec(ctx,
		`INSERT INTO symbol_volatility_profile
			(symbol, long_fixed_tp_pct, short_fixed_tp_pct, sample_count, updated_at)
		 VALUES ($1, $2, $3, $4, NOW())
		 ON CONFLICT (symbol) DO UPDATE SET
			long_fixed_tp_pct = EXCLUDED.long_fixed_tp_pct,
			short_fixed_tp_pct = EXCLUDED.short_fixed_tp_pct,
			sample_count = EXCLUDED.sample_count,
			updated_at = NOW()`,
		v.Symbol, v.LongFixedTPPct, v.ShortFixedTPPct, v.SampleCount,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert volatility profile for %s: %w", v.Symbol, err)
	}
	return nil
}

// IsTradingEnabled reads the kill switch. A missing row means enabled.
func (db *DB) IsTradingEnabled(ctx context.Context, accountID int64) (bool, error) {
	var enabled bool
	err := db.Pool.QueryRow(ctx,
		`SELECT trading_enabled FROM trading_control
		 WHERE account_id = $1 AND trading_type = $2`,
		accountID, TradingTypeFutures,
	).Scan(&enabled)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return true, nil
		}
		return false, fmt.Errorf("failed to read trading control: %w", err)
	}
	return enabled, nil
}

// SetTradingEnabled flips the kill switch.
func (db *DB) SetTradingEnabled(ctx context.Context, accountID int64, enabled bool) error {
	_, err := db.Pool.Exec(ctx,
		`INSERT INTO trading_control (account_id, trading_type, trading_enabled, updated_at)
		 VALUES ($1, $2, $3, NOW())
		 ON CONFLICT (account_id, trading_type) DO UPDATE SET
			trading_enabled = EXCLUDED.trading_enabled,
			updated_at = NOW()`,
		accountID, TradingTypeFutures, enabled,
	)
	if err != nil {
		return fmt.Errorf("failed to set trading control: %w", err)
	}
	return nil
}

// GetModeState reads the persisted market mode, or nil when never written.
func (db *DB) GetModeState(ctx context.Context, accountID int64) (*ModeState, error) {
	m := &ModeState{}
	err := db.Pool.QueryRow(ctx,
		`SELECT account_id, trading_type, mode_type, switched_at, switch_reason,
		        trigger_signal, trigger_strength
		 FROM market_mode_state WHERE account_id = $1 AND trading_type = $2`,
		accountID, TradingTypeFutures,
	).Scan(&m.AccountID, &m.TradingType, &m.ModeType, &m.SwitchedAt, &m.SwitchReason,
		&m.TriggerSignal, &m.TriggerStrength)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get mode state: %w", err)
	}
	return m, nil
}

// SaveModeState persists a mode switch so restarts resume in the same mode.
func (db *DB) SaveModeState(ctx context.Context, m *ModeState) error {
	_, err := db.Pool.Exec(ctx,
		`INSERT INTO market_mode_state
			(account_id, trading_type, mode_type, switched_at, switch_reason, trigger_signal, trigger_strength)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (account_id, trading_type) DO UPDATE SET
			mode_type = EXCLUDED.mode_type,
			switched_at = EXCLUDED.switched_at,
			switch_reason = EXCLUDED.switch_reason,
			trigger_signal = EXCLUDED.trigger_signal,
			trigger_strength = EXCLUDED.trigger_strength`,
		m.AccountID, m.TradingType, m.ModeType, m.SwitchedAt.UTC(), m.SwitchReason,
		m.TriggerSignal, m.TriggerStrength,
	)
	if err != nil {
		return fmt.Errorf("failed to save mode state: %w", err)
	}
	return nil
}

// SwitchCount returns how many mode switches were persisted after the cutoff.
func (db *DB) SwitchCount(ctx context.Context, accountID int64, since time.Time) (int, error) {
	var count int
	err := db.Pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM market_mode_state
		 WHERE account_id = $1 AND switched_at >= $2`,
		accountID, since,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count mode switches: %w", err)
	}
	return count, nil
}
