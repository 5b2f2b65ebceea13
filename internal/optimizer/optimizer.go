// Package optimizer is the daily self-optimization job: it mines the last
// day of realized outcomes and adjusts signal quality statistics, blacklists,
// adaptive parameters, scoring weights, symbol ratings, and volatility
// profiles. With auto-apply off it only reports.
package optimizer

import (
	"context"
	"fmt"
	"strings"
	"time"

	"futures-trading-engine/internal/database"
	"futures-trading-engine/internal/logging"
)

// Mining thresholds.
const (
	DefaultLookback         = 24 * time.Hour
	DefaultMinSamples       = 5
	problemWinRate          = 0.40
	blacklistWinRate        = 0.25
	blacklistConsecLosses   = 3
	thresholdRaiseProblem   = 5.0
	thresholdRaiseBlacklist = 10.0
)

// store is the state-store slice the optimizer reads and writes.
type store interface {
	GetClosedPositionsSince(ctx context.Context, accountID int64, since time.Time) ([]*database.FuturesPosition, error)
	GetSignalQualityStat(ctx context.Context, signalType, side string) (*database.SignalQualityStat, error)
	UpsertSignalQualityStat(ctx context.Context, s *database.SignalQualityStat) error
	SetBlacklistEntry(ctx context.Context, signalType, side string, active bool, reason string) error
	GetSymbolRatings(ctx context.Context) (map[string]*database.SymbolRating, error)
	UpsertSymbolRating(ctx context.Context, r *database.SymbolRating) error
	GetAdaptiveParams(ctx context.Context) (map[string]*database.AdaptiveParam, error)
	UpsertAdaptiveParam(ctx context.Context, paramType, paramKey string, value float64) error
	GetScoringWeights(ctx context.Context) (map[string]*database.ScoringWeight, error)
	UpsertScoringWeight(ctx context.Context, w *database.ScoringWeight) error
	UpsertVolatilityProfile(ctx context.Context, v *database.VolatilityProfile) error
	GetKlines(ctx context.Context, symbol, interval string, limit int) ([]*database.Kline, error)
}

// reloader lets the optimizer push applied changes into the decision path.
type reloader interface {
	Reload(ctx context.Context) error
}

// Config carries the optimizer tunables.
type Config struct {
	AccountID  int64
	AutoApply  bool
	Lookback   time.Duration
	MinSamples int
}

func (c *Config) applyDefaults() {
	if c.Lookback <= 0 {
		c.Lookback = DefaultLookback
	}
	if c.MinSamples <= 0 {
		c.MinSamples = DefaultMinSamples
	}
}

// Optimizer runs the daily job.
type Optimizer struct {
	cfg    Config
	store  store
	brain  reloader
	log    *logging.Logger
}

// New wires the optimizer. brain may be nil when nothing consumes reloads.
func New(cfg Config, st store, brain reloader, log *logging.Logger) *Optimizer {
	cfg.applyDefaults()
	return &Optimizer{cfg: cfg, store: st, brain: brain, log: log.WithComponent("optimizer")}
}

// signalGroup aggregates the realized outcomes of one (fingerprint, side).
type signalGroup struct {
	fingerprint  string
	side         string
	samples      int
	wins         int
	pnlSum       float64
	consecLosses int
	worstStreak  int
	components   map[string]bool
}

func (g *signalGroup) winRate() float64 {
	if g.samples == 0 {
		return 0
	}
	return float64(g.wins) / float64(g.samples)
}

func (g *signalGroup) avgPnL() float64 {
	if g.samples == 0 {
		return 0
	}
	return g.pnlSum / float64(g.samples)
}

// Finding is one report line for a (fingerprint, side).
type Finding struct {
	Fingerprint string
	Side        string
	Samples     int
	WinRate     float64
	AvgPnL      float64
	Problematic bool
	Blacklist   bool
}

// Report is the outcome of one optimizer run.
type Report struct {
	RanAt             time.Time
	PositionsMined    int
	Findings          []Finding
	ParamsAdjusted    int
	WeightsAdjusted   int
	RatingsAdjusted   int
	ProfilesRefreshed int
	Applied           bool
}

// Run executes one optimization pass.
func (o *Optimizer) Run(ctx context.Context) (*Report, error) {
	since := time.Now().UTC().Add(-o.cfg.Lookback)
	positions, err := o.store.GetClosedPositionsSince(ctx, o.cfg.AccountID, since)
	if err != nil {
		return nil, fmt.Errorf("failed to load closed positions: %w", err)
	}

	report := &Report{RanAt: time.Now().UTC(), PositionsMined: len(positions), Applied: o.cfg.AutoApply}
	groups := mineGroups(positions)

	for _, g := range groups {
		f := Finding{
			Fingerprint: g.fingerprint,
			Side:        g.side,
			Samples:     g.samples,
			WinRate:     g.winRate(),
			AvgPnL:      g.avgPnL(),
		}
		if g.samples >= o.cfg.MinSamples && f.WinRate < problemWinRate && f.AvgPnL < 0 {
			f.Problematic = true
		}
		if f.Problematic && f.WinRate < blacklistWinRate && g.worstStreak >= blacklistConsecLosses {
			f.Blacklist = true
		}
		report.Findings = append(report.Findings, f)

		o.log.Info("signal mined",
			"fingerprint", g.fingerprint, "side", g.side, "samples", g.samples,
			"win_rate", f.WinRate, "avg_pnl", f.AvgPnL,
			"problematic", f.Problematic, "blacklist", f.Blacklist)

		if o.cfg.AutoApply {
			if err := o.applySignalFinding(ctx, f); err != nil {
				o.log.Warn("signal finding not applied", "fingerprint", g.fingerprint, "error", err.Error())
			}
		}
	}

	if o.cfg.AutoApply {
		report.ParamsAdjusted = o.adjustParams(ctx, positions)
		report.WeightsAdjusted = o.adjustWeights(ctx, groups)
		report.RatingsAdjusted = o.refreshRatings(ctx, positions)
	}
	report.ProfilesRefreshed = o.refreshVolatilityProfiles(ctx, positions)

	if o.cfg.AutoApply && o.brain != nil {
		if err := o.brain.Reload(ctx); err != nil {
			o.log.Warn("brain reload after apply failed", "error", err.Error())
		}
	}

	o.log.Info("optimizer run finished",
		"positions", report.PositionsMined, "findings", len(report.Findings),
		"params", report.ParamsAdjusted, "weights", report.WeightsAdjusted,
		"ratings", report.RatingsAdjusted, "profiles", report.ProfilesRefreshed,
		"applied", report.Applied)
	return report, nil
}

// mineGroups buckets closed positions by (fingerprint, side), oldest first so
// loss streaks come out in close order.
func mineGroups(positions []*database.FuturesPosition) map[string]*signalGroup {
	groups := make(map[string]*signalGroup)
	for _, p := range positions {
		if p.EntrySignalType == "" {
			continue
		}
		key := p.EntrySignalType + "|" + p.PositionSide
		g, ok := groups[key]
		if !ok {
			g = &signalGroup{
				fingerprint: p.EntrySignalType,
				side:        p.PositionSide,
				components:  make(map[string]bool),
			}
			groups[key] = g
		}
		g.samples++
		g.pnlSum += p.RealizedPnL
		if p.RealizedPnL > 0 {
			g.wins++
			g.consecLosses = 0
		} else {
			g.consecLosses++
			if g.consecLosses > g.worstStreak {
				g.worstStreak = g.consecLosses
			}
		}
		for _, c := range p.SignalComponents {
			g.components[c] = true
		}
	}
	return groups
}

// applySignalFinding writes the threshold raise and, for the worst signals,
// the blacklist row.
func (o *Optimizer) applySignalFinding(ctx context.Context, f Finding) error {
	stat, err := o.store.GetSignalQualityStat(ctx, f.Fingerprint, f.Side)
	if err != nil {
		return err
	}
	if stat == nil {
		stat = &database.SignalQualityStat{SignalType: f.Fingerprint, PositionSide: f.Side}
	}
	stat.SampleCount = f.Samples
	stat.WinRate = f.WinRate
	stat.AvgPnL = f.AvgPnL
	stat.UpdatedAt = time.Now().UTC()

	switch {
	case f.Blacklist:
		stat.ThresholdAdjustment = thresholdRaiseBlacklist
	case f.Problematic:
		stat.ThresholdAdjustment = thresholdRaiseProblem
	default:
		stat.ThresholdAdjustment = 0
	}
	if err := o.store.UpsertSignalQualityStat(ctx, stat); err != nil {
		return err
	}

	if f.Blacklist {
		reason := fmt.Sprintf("连续亏损: %d样本, 胜率%.0f%%, 均亏%.2f",
			f.Samples, f.WinRate*100, f.AvgPnL)
		return o.store.SetBlacklistEntry(ctx, f.Fingerprint, f.Side, true, reason)
	}
	return nil
}

// fingerprintComponents splits a fingerprint back into its component names.
func fingerprintComponents(fingerprint string) []string {
	return strings.Split(fingerprint, "+")
}
