package optimizer

import (
	"context"
	"fmt"
	"strings"
	"time"

	"futures-trading-engine/internal/database"
)

// Adjustment factors and bounds. Adjustments are multiplicative and clamped
// so a bad day can never push a parameter outside its sane band.
const (
	stopWidenFactor    = 1.2
	stopNarrowFactor   = 0.9
	stopLossPctMin     = 1.0
	stopLossPctMax     = 5.0
	sizeShrinkFactor   = 0.8
	sizeGrowFactor     = 1.1
	sizeMultMin        = 0.5
	sizeMultMax        = 1.5
	holdShrinkFactor   = 0.9
	holdGrowFactor     = 1.05
	holdScaleMin       = 0.5
	holdScaleMax       = 1.5
	weightShrinkFactor = 0.9
	weightGrowFactor   = 1.05
	weightMin          = 0.5
	weightMax          = 1.5

	badWinRate       = 0.35
	goodWinRate      = 0.60
	stopShareTrip    = 0.5
	timeoutShareTrip = 0.5
)

// Rating margin multipliers by level. Level 3 forbids entry.
var ratingMultipliers = [4]float64{1.0, 0.75, 0.5, 0}

// sideOutcome aggregates one side's day.
type sideOutcome struct {
	samples  int
	wins     int
	pnlSum   float64
	stops    int
	timeouts int
}

// adjustParams tunes the per-side stop-loss width, the position size
// multiplier, and the holding-time scale from the day's outcomes.
func (o *Optimizer) adjustParams(ctx context.Context, positions []*database.FuturesPosition) int {
	params, err := o.store.GetAdaptiveParams(ctx)
	if err != nil {
		o.log.Warn("param load failed, skipping adjustments", "error", err.Error())
		return 0
	}
	outcomes := map[string]*sideOutcome{
		database.SideLong:  {},
		database.SideShort: {},
	}
	for _, p := range positions {
		out, ok := outcomes[p.PositionSide]
		if !ok {
			continue
		}
		out.samples++
		out.pnlSum += p.RealizedPnL
		if p.RealizedPnL > 0 {
			out.wins++
		}
		if strings.Contains(p.Notes, "止损") {
			out.stops++
		}
		if strings.Contains(p.Notes, "超时") {
			out.timeouts++
		}
	}

	paramValue := func(key string, fallback float64) float64 {
		if p, ok := params[database.ParamTypeRisk+"|"+key]; ok {
			return p.ParamValue
		}
		return fallback
	}

	adjusted := 0
	for side, out := range outcomes {
		if out.samples < o.cfg.MinSamples {
			continue
		}
		stopShare := float64(out.stops) / float64(out.samples)
		timeoutShare := float64(out.timeouts) / float64(out.samples)

		slKey := database.ParamKeyLongStopLoss
		if side == database.SideShort {
			slKey = database.ParamKeyShortStopLoss
		}
		slPct := paramValue(slKey, 2.0)

		// A day dominated by stop-outs while losing reads as a stop set
		// too tight; a winning day with few stops lets it narrow back.
		switch {
		case out.pnlSum < 0 && stopShare >= stopShareTrip:
			if o.upsertParam(ctx, slKey, clamp(slPct*stopWidenFactor, stopLossPctMin, stopLossPctMax)) {
				adjusted++
			}
		case out.pnlSum > 0 && stopShare < 0.2 && slPct > 2.0:
			if o.upsertParam(ctx, slKey, clamp(slPct*stopNarrowFactor, stopLossPctMin, stopLossPctMax)) {
				adjusted++
			}
		}

		if out.pnlSum < 0 && timeoutShare >= timeoutShareTrip {
			scale := paramValue(database.ParamKeyHoldScale, 1.0)
			if o.upsertParam(ctx, database.ParamKeyHoldScale, clamp(scale*holdShrinkFactor, holdScaleMin, holdScaleMax)) {
				adjusted++
			}
		}
	}

	// The size multiplier reacts to the whole account's day.
	total := sideOutcome{}
	for _, out := range outcomes {
		total.samples += out.samples
		total.wins += out.wins
		total.pnlSum += out.pnlSum
	}
	if total.samples >= o.cfg.MinSamples {
		winRate := float64(total.wins) / float64(total.samples)
		size := paramValue(database.ParamKeySizeMultiplier, 1.0)
		switch {
		case winRate < badWinRate && total.pnlSum < 0:
			if o.upsertParam(ctx, database.ParamKeySizeMultiplier, clamp(size*sizeShrinkFactor, sizeMultMin, sizeMultMax)) {
				adjusted++
			}
		case winRate >= goodWinRate && total.pnlSum > 0 && size < 1.0:
			if o.upsertParam(ctx, database.ParamKeySizeMultiplier, clamp(size*sizeGrowFactor, sizeMultMin, sizeMultMax)) {
				adjusted++
			}
		}
	}
	return adjusted
}

func (o *Optimizer) upsertParam(ctx context.Context, key string, value float64) bool {
	if err := o.store.UpsertAdaptiveParam(ctx, database.ParamTypeRisk, key, value); err != nil {
		o.log.Warn("param adjustment failed", "key", key, "error", err.Error())
		return false
	}
	o.log.Info("param adjusted", "key", key, "value", value)
	return true
}

// adjustWeights shifts component weights toward the side of their realized
// contribution: components riding losing signals lose weight, components on
// winning signals gain a little.
func (o *Optimizer) adjustWeights(ctx context.Context, groups map[string]*signalGroup) int {
	weights, err := o.store.GetScoringWeights(ctx)
	if err != nil {
		o.log.Warn("weight load failed, skipping adjustments", "error", err.Error())
		return 0
	}

	type contribution struct {
		samples int
		pnlSum  float64
	}
	perComponent := map[string]map[string]*contribution{
		database.SideLong:  {},
		database.SideShort: {},
	}
	for _, g := range groups {
		bySide, ok := perComponent[g.side]
		if !ok {
			continue
		}
		components := make([]string, 0, len(g.components))
		for c := range g.components {
			components = append(components, c)
		}
		if len(components) == 0 {
			components = fingerprintComponents(g.fingerprint)
		}
		for _, c := range components {
			contrib, ok := bySide[c]
			if !ok {
				contrib = &contribution{}
				bySide[c] = contrib
			}
			contrib.samples += g.samples
			contrib.pnlSum += g.pnlSum
		}
	}

	adjusted := 0
	for side, bySide := range perComponent {
		for component, contrib := range bySide {
			if contrib.samples < o.cfg.MinSamples || contrib.pnlSum == 0 {
				continue
			}
			w, ok := weights[component]
			if !ok {
				w = &database.ScoringWeight{
					SignalComponent: component,
					WeightLong:      1.0,
					WeightShort:     1.0,
					IsActive:        true,
				}
				weights[component] = w
			}

			factor := weightGrowFactor
			if contrib.pnlSum < 0 {
				factor = weightShrinkFactor
			}
			if side == database.SideShort {
				w.WeightShort = clamp(w.WeightShort*factor, weightMin, weightMax)
			} else {
				w.WeightLong = clamp(w.WeightLong*factor, weightMin, weightMax)
			}
			if err := o.store.UpsertScoringWeight(ctx, w); err != nil {
				o.log.Warn("weight adjustment failed", "component", component, "error", err.Error())
				continue
			}
			adjusted++
		}
	}
	return adjusted
}

// refreshRatings promotes or demotes the per-symbol rating level from the
// day's hit rate and cumulative drawdown.
func (o *Optimizer) refreshRatings(ctx context.Context, positions []*database.FuturesPosition) int {
	ratings, err := o.store.GetSymbolRatings(ctx)
	if err != nil {
		o.log.Warn("rating load failed, skipping refresh", "error", err.Error())
		return 0
	}

	type symbolDay struct {
		samples  int
		wins     int
		pnlSum   float64
		drawdown float64 // most negative running pnl, closed in time order
		running  float64
	}
	days := map[string]*symbolDay{}
	for _, p := range positions {
		d, ok := days[p.Symbol]
		if !ok {
			d = &symbolDay{}
			days[p.Symbol] = d
		}
		d.samples++
		d.pnlSum += p.RealizedPnL
		d.running += p.RealizedPnL
		if d.running < d.drawdown {
			d.drawdown = d.running
		}
		if p.RealizedPnL > 0 {
			d.wins++
		}
	}

	adjusted := 0
	for symbol, d := range days {
		if d.samples < o.cfg.MinSamples {
			continue
		}
		hitRate := float64(d.wins) / float64(d.samples)

		level := 0
		if r, ok := ratings[symbol]; ok {
			level = r.RatingLevel
		}
		newLevel := level
		var reason string
		switch {
		case hitRate < 0.3 && d.pnlSum < 0:
			newLevel = level + 1
			reason = fmt.Sprintf("降级: 胜率%.0f%%, 日内回撤%.2f", hitRate*100, d.drawdown)
		case hitRate >= 0.55 && d.pnlSum > 0 && level > 0:
			newLevel = level - 1
			reason = fmt.Sprintf("升级: 胜率%.0f%%, 日内盈利%.2f", hitRate*100, d.pnlSum)
		default:
			continue
		}
		newLevel = int(clamp(float64(newLevel), 0, float64(database.RatingForbidden)))
		if newLevel == level {
			continue
		}

		err := o.store.UpsertSymbolRating(ctx, &database.SymbolRating{
			Symbol:           symbol,
			RatingLevel:      newLevel,
			MarginMultiplier: ratingMultipliers[newLevel],
			Reason:           reason,
			UpdatedAt:        time.Now().UTC(),
		})
		if err != nil {
			o.log.Warn("rating refresh failed", "symbol", symbol, "error", err.Error())
			continue
		}
		o.log.Info("symbol rating changed", "symbol", symbol, "from", level, "to", newLevel)
		adjusted++
	}
	return adjusted
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
