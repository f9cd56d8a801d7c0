package engine

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sort"

	"github.com/wattwindow/wattwindow/pkg/log"
	"github.com/wattwindow/wattwindow/pkg/types"
)

// ErrInconsistentIntervals is returned when the price series mixes interval
// durations. Individual bad entries are skipped, but a mixed series means
// the feed itself is broken and ranking it would be meaningless.
var ErrInconsistentIntervals = errors.New("price intervals have inconsistent durations")

// ChargeFilter can suppress a charge candidate before ranking, e.g. when a
// solar forecast is expected to cover the battery anyway.
type ChargeFilter interface {
	SkipCharge(iv types.PriceInterval) bool
}

// Engine ranks a day of price intervals into charge and discharge windows
// and classifies the current moment into an operating state. Apart from an
// optional charge pre-filter, both operations are pure functions of their
// inputs.
type Engine struct {
	chargeFilter ChargeFilter
}

// New creates a new Engine.
func New() *Engine {
	return &Engine{}
}

// SetChargeFilter installs an optional pre-filter for charge candidates.
func (e *Engine) SetChargeFilter(f ChargeFilter) {
	e.chargeFilter = f
}

// Select ranks one day of price intervals and returns the selected charge,
// discharge, and aggressive-discharge windows plus derived statistics.
// The tomorrow flag picks which parameter set of the config applies.
func (e *Engine) Select(ctx context.Context, prices []types.PriceInterval, cfg types.Config, tomorrow bool) (types.Selection, error) {
	day := cfg.Day(tomorrow)

	valid, err := validIntervals(ctx, prices)
	if err != nil {
		return types.Selection{}, err
	}

	sel := types.Selection{
		Prices:            valid,
		MinSpreadRequired: day.MinSpread,
	}
	if len(valid) == 0 {
		log.Ctx(ctx).DebugContext(ctx, "no valid price intervals, returning empty selection", slog.Bool("tomorrow", tomorrow))
		return sel, nil
	}

	pool := valid
	if day.CalculationWindowEnabled {
		calcRange, err := types.ParseClockRange(day.CalculationWindowStart, day.CalculationWindowEnd)
		if err != nil {
			log.Ctx(ctx).WarnContext(ctx, "invalid calculation window, ignoring", slog.Any("error", err))
		} else {
			pool = nil
			for _, iv := range valid {
				if calcRange.Contains(iv.TSStart) {
					pool = append(pool, iv)
				}
			}
			sel.CalculationWindowActive = true
		}
	}
	if len(pool) == 0 {
		log.Ctx(ctx).DebugContext(ctx, "calculation window excluded all intervals", slog.Bool("tomorrow", tomorrow))
		return sel, nil
	}

	poolValues := make([]float64, len(pool))
	for i, iv := range pool {
		poolValues[i] = iv.Value
	}
	sort.Float64s(poolValues)
	cheapThreshold := percentile(poolValues, day.CheapPercentile)
	expensiveThreshold := percentile(poolValues, 100-day.ExpensivePercentile)

	// charge selection: cheapest first
	chargeCandidates := sortedByValue(pool, false)
	chargeCandidates = filterIntervals(chargeCandidates, func(iv types.PriceInterval) bool {
		if iv.Value > cheapThreshold {
			return false
		}
		if cfg.SolarEnabled && e.chargeFilter != nil && e.chargeFilter.SkipCharge(iv) {
			log.Ctx(ctx).DebugContext(
				ctx,
				"charge candidate skipped by solar filter",
				slog.Time("start", iv.TSStart),
				slog.Float64("price", iv.Value),
			)
			return false
		}
		return true
	})
	charge := pickWindows(chargeCandidates, day.ChargeWindowCount, day.MinPriceDifference)

	// price override: force-include anything at or below the threshold,
	// additive to the ranked selection
	if day.PriceOverrideEnabled {
		for _, iv := range pool {
			if iv.Value > day.PriceOverrideThreshold {
				continue
			}
			sel.PriceOverrideActive = true
			if !containsInterval(charge, iv) {
				log.Ctx(ctx).DebugContext(
					ctx,
					"price override forcing charge window",
					slog.Time("start", iv.TSStart),
					slog.Float64("price", iv.Value),
					slog.Float64("threshold", day.PriceOverrideThreshold),
				)
				charge = append(charge, iv)
			}
		}
	}

	// discharge selection: most expensive first, from the intervals not
	// already claimed for charging
	var quietRange types.ClockRange
	quietEnabled := false
	if cfg.QuietHoursEnabled {
		r, err := types.ParseClockRange(cfg.QuietHoursStart, cfg.QuietHoursEnd)
		if err != nil {
			log.Ctx(ctx).WarnContext(ctx, "invalid quiet hours, ignoring", slog.Any("error", err))
		} else {
			quietRange = r
			quietEnabled = true
		}
	}
	dischargeCandidates := sortedByValue(pool, true)
	dischargeCandidates = filterIntervals(dischargeCandidates, func(iv types.PriceInterval) bool {
		if iv.Value < expensiveThreshold {
			return false
		}
		if containsInterval(charge, iv) {
			return false
		}
		if quietEnabled && quietRange.Contains(iv.TSStart) {
			return false
		}
		return true
	})
	discharge := pickWindows(dischargeCandidates, day.DischargeWindowCount, day.MinPriceDifference)

	// the aggressive tier continues down the same ranking beyond the
	// standard tranche so the two tiers never overlap
	aggressiveCandidates := filterIntervals(dischargeCandidates, func(iv types.PriceInterval) bool {
		return !containsInterval(discharge, iv)
	})
	aggressive := pickWindows(aggressiveCandidates, day.DischargeWindowCount, day.MinPriceDifference)

	// spread gating
	avgCheap := meanValue(charge)
	avgDischarge := meanValue(discharge)
	avgAggressive := meanValue(aggressive)

	sel.SpreadPercentage = spreadPct(avgCheap, avgDischarge)
	sel.SpreadMet = len(charge) > 0 && len(discharge) > 0 && sel.SpreadPercentage >= day.MinSpread
	sel.DischargeSpreadMet = len(charge) > 0 && len(discharge) > 0 && sel.SpreadPercentage >= day.MinSpreadDischarge
	sel.AggressiveSpreadMet = len(charge) > 0 && len(aggressive) > 0 &&
		spreadPct(avgCheap, avgAggressive) >= day.AggressiveDischargeSpread

	if (!sel.SpreadMet || !sel.DischargeSpreadMet) && len(discharge) > 0 {
		log.Ctx(ctx).DebugContext(
			ctx,
			"discharge spread not met, clearing discharge windows",
			slog.Float64("spread", sel.SpreadPercentage),
			slog.Float64("required", day.MinSpreadDischarge),
		)
		discharge = nil
	}
	if !sel.AggressiveSpreadMet && len(aggressive) > 0 {
		log.Ctx(ctx).DebugContext(
			ctx,
			"aggressive spread not met, clearing aggressive windows",
			slog.Float64("required", day.AggressiveDischargeSpread),
		)
		aggressive = nil
	}

	sel.ChargeWindows = toWindows(charge)
	sel.DischargeWindows = toWindows(discharge)
	sel.AggressiveDischargeWindows = toWindows(aggressive)
	sel.AvgCheapPrice = meanWindowPrice(sel.ChargeWindows)
	sel.AvgExpensivePrice = meanWindowPrice(append(append([]types.Window{}, sel.DischargeWindows...), sel.AggressiveDischargeWindows...))
	sel.NumWindows = len(sel.ChargeWindows)

	log.Ctx(ctx).DebugContext(
		ctx,
		"selection complete",
		slog.Bool("tomorrow", tomorrow),
		slog.Int("charge", len(sel.ChargeWindows)),
		slog.Int("discharge", len(sel.DischargeWindows)),
		slog.Int("aggressive", len(sel.AggressiveDischargeWindows)),
		slog.Float64("avgCheap", sel.AvgCheapPrice),
		slog.Float64("avgExpensive", sel.AvgExpensivePrice),
		slog.Float64("spread", sel.SpreadPercentage),
		slog.Bool("priceOverride", sel.PriceOverrideActive),
	)

	return sel, nil
}

// validIntervals filters out malformed entries and verifies the remaining
// series has a single interval duration. The result is sorted by start.
func validIntervals(ctx context.Context, prices []types.PriceInterval) ([]types.PriceInterval, error) {
	var valid []types.PriceInterval
	for _, iv := range prices {
		if math.IsNaN(iv.Value) || math.IsInf(iv.Value, 0) {
			log.Ctx(ctx).WarnContext(ctx, "dropping interval with invalid price", slog.Time("start", iv.TSStart))
			continue
		}
		if !iv.TSEnd.After(iv.TSStart) {
			log.Ctx(ctx).WarnContext(
				ctx,
				"dropping interval with invalid bounds",
				slog.Time("start", iv.TSStart),
				slog.Time("end", iv.TSEnd),
			)
			continue
		}
		valid = append(valid, iv)
	}
	if len(valid) == 0 {
		return nil, nil
	}

	dur := valid[0].Duration()
	for _, iv := range valid[1:] {
		if iv.Duration() != dur {
			return nil, ErrInconsistentIntervals
		}
	}

	sort.Slice(valid, func(i, j int) bool {
		return valid[i].TSStart.Before(valid[j].TSStart)
	})
	return valid, nil
}

// percentile computes the p-th percentile (0-100) of sorted using linear
// interpolation between closest ranks.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return math.NaN()
	}
	if len(sorted) == 1 {
		return sorted[0]
	}
	if p <= 0 {
		return sorted[0]
	}
	if p >= 100 {
		return sorted[len(sorted)-1]
	}
	rank := p / 100 * float64(len(sorted)-1)
	lower := int(math.Floor(rank))
	upper := int(math.Ceil(rank))
	if lower == upper {
		return sorted[lower]
	}
	frac := rank - float64(lower)
	return sorted[lower] + frac*(sorted[upper]-sorted[lower])
}

// sortedByValue returns a copy sorted by price, ties broken by earlier start.
func sortedByValue(ivs []types.PriceInterval, desc bool) []types.PriceInterval {
	sorted := make([]types.PriceInterval, len(ivs))
	copy(sorted, ivs)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Value != sorted[j].Value {
			if desc {
				return sorted[i].Value > sorted[j].Value
			}
			return sorted[i].Value < sorted[j].Value
		}
		return sorted[i].TSStart.Before(sorted[j].TSStart)
	})
	return sorted
}

func filterIntervals(ivs []types.PriceInterval, keep func(types.PriceInterval) bool) []types.PriceInterval {
	var out []types.PriceInterval
	for _, iv := range ivs {
		if keep(iv) {
			out = append(out, iv)
		}
	}
	return out
}

// pickWindows walks ranked candidates accepting up to count of them. A
// candidate priced within minDiff of the previously accepted one is put
// aside and only used if the count can't otherwise be reached.
func pickWindows(candidates []types.PriceInterval, count int, minDiff float64) []types.PriceInterval {
	if count <= 0 || len(candidates) == 0 {
		return nil
	}
	accepted := make([]types.PriceInterval, 0, count)
	var deferred []types.PriceInterval
	for _, cand := range candidates {
		if len(accepted) == count {
			break
		}
		if minDiff > 0 && len(accepted) > 0 &&
			math.Abs(cand.Value-accepted[len(accepted)-1].Value) < minDiff {
			deferred = append(deferred, cand)
			continue
		}
		accepted = append(accepted, cand)
	}
	for _, cand := range deferred {
		if len(accepted) == count {
			break
		}
		accepted = append(accepted, cand)
	}
	return accepted
}

func containsInterval(ivs []types.PriceInterval, iv types.PriceInterval) bool {
	for _, have := range ivs {
		if have.TSStart.Equal(iv.TSStart) {
			return true
		}
	}
	return false
}

func meanValue(ivs []types.PriceInterval) float64 {
	if len(ivs) == 0 {
		return 0
	}
	var sum float64
	for _, iv := range ivs {
		sum += iv.Value
	}
	return sum / float64(len(ivs))
}

func meanWindowPrice(ws []types.Window) float64 {
	if len(ws) == 0 {
		return 0
	}
	var sum float64
	for _, w := range ws {
		sum += w.Price
	}
	return sum / float64(len(ws))
}

// spreadPct is the expensive-over-cheap price difference as a percentage of
// the cheap price. Zero or negative cheap averages produce no spread.
func spreadPct(avgCheap, avgExpensive float64) float64 {
	if avgCheap <= 0 {
		return 0
	}
	return (avgExpensive - avgCheap) / avgCheap * 100
}

// toWindows converts selected intervals to windows sorted chronologically.
func toWindows(ivs []types.PriceInterval) []types.Window {
	if len(ivs) == 0 {
		return nil
	}
	ws := make([]types.Window, len(ivs))
	for i, iv := range ivs {
		ws[i] = types.Window{TSStart: iv.TSStart, TSEnd: iv.TSEnd, Price: iv.Value}
	}
	sort.Slice(ws, func(i, j int) bool {
		return ws[i].TSStart.Before(ws[j].TSStart)
	})
	return ws
}
