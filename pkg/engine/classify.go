package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/wattwindow/wattwindow/pkg/log"
	"github.com/wattwindow/wattwindow/pkg/types"
)

// Classify derives the current operating state and cost accounting from a
// Selection at the given moment. State is a pure function of the inputs and
// is recomputed on every call; nothing is persisted between calls.
func (e *Engine) Classify(ctx context.Context, sel types.Selection, now time.Time, cfg types.Config, tomorrow bool) types.Classification {
	if !cfg.Enabled {
		return types.Classification{State: types.StateOff}
	}

	cls := types.Classification{
		State:               types.StateIdle,
		PriceOverrideActive: sel.PriceOverrideActive,
	}

	cls.CompletedChargeWindows, cls.ActualChargeWindows = partitionWindows(sel.ChargeWindows, now)
	cls.CompletedDischargeWindows, cls.ActualDischargeWindows = partitionWindows(sel.DischargeWindows, now)
	cls.CompletedAggressiveWindows, cls.ActualAggressiveWindows = partitionWindows(sel.AggressiveDischargeWindows, now)

	for _, iv := range sel.Prices {
		if iv.Contains(now) {
			cls.CurrentPrice = iv.Value
			break
		}
	}

	// state resolution, in priority order
	overridden := false
	if cfg.TimeOverrideEnabled {
		r, err := types.ParseClockRange(cfg.TimeOverrideStart, cfg.TimeOverrideEnd)
		if err != nil {
			log.Ctx(ctx).WarnContext(ctx, "invalid time override range, ignoring", slog.Any("error", err))
		} else if r.Contains(now) {
			cls.State = cfg.TimeOverrideState
			cls.TimeOverrideActive = true
			overridden = true
		}
	}
	if !overridden {
		switch {
		case inAnyWindow(sel.AggressiveDischargeWindows, now) && sel.AggressiveSpreadMet:
			cls.State = types.StateDischargeAggressive
		case inAnyWindow(sel.DischargeWindows, now) && sel.DischargeSpreadMet:
			cls.State = types.StateDischarge
		case inAnyWindow(sel.ChargeWindows, now):
			cls.State = types.StateCharge
		}
	}

	// completed cost accounting
	for _, w := range cls.CompletedChargeWindows {
		cls.CompletedChargeCost += e.chargeCost(w, cfg)
	}
	for _, w := range cls.CompletedDischargeWindows {
		cls.CompletedDischargeRevenue += e.dischargeRevenue(w, cfg)
	}
	for _, w := range cls.CompletedAggressiveWindows {
		cls.CompletedDischargeRevenue += e.dischargeRevenue(w, cfg)
	}

	// base load accrues every elapsed interval, weighted by how much of it
	// the grid covers in that interval's state
	for _, iv := range sel.Prices {
		if iv.TSEnd.After(now) {
			continue
		}
		mult := e.baseUsageMultiplier(sel, iv, cfg)
		baseKWH := cfg.BaseUsageW / 1000 * iv.Duration().Hours()
		cls.CompletedBaseUsageCost += baseKWH * iv.Value * mult
		cls.CompletedBaseUsageBatteryKWH += baseKWH * (1 - mult)
	}

	cls.TotalCost = cls.CompletedChargeCost + cls.CompletedBaseUsageCost - cls.CompletedDischargeRevenue

	// projection over what hasn't elapsed yet, display-only
	var planned float64
	for _, w := range cls.ActualChargeWindows {
		planned += e.chargeCost(w, cfg)
	}
	for _, w := range cls.ActualDischargeWindows {
		planned -= e.dischargeRevenue(w, cfg)
	}
	for _, w := range cls.ActualAggressiveWindows {
		planned -= e.dischargeRevenue(w, cfg)
	}
	for _, iv := range sel.Prices {
		if !iv.TSEnd.After(now) {
			continue
		}
		mult := e.baseUsageMultiplier(sel, iv, cfg)
		baseKWH := cfg.BaseUsageW / 1000 * iv.Duration().Hours()
		planned += baseKWH * iv.Value * mult
	}
	cls.PlannedTotalCost = planned

	log.Ctx(ctx).DebugContext(
		ctx,
		"classification complete",
		slog.Bool("tomorrow", tomorrow),
		slog.String("state", string(cls.State)),
		slog.Float64("currentPrice", cls.CurrentPrice),
		slog.Float64("totalCost", cls.TotalCost),
		slog.Float64("plannedTotalCost", cls.PlannedTotalCost),
		slog.Bool("timeOverride", cls.TimeOverrideActive),
	)

	return cls
}

// chargeCost is the cost of grid energy bought during one charge window,
// including tax, VAT, and the per-kWh additional cost.
func (e *Engine) chargeCost(w types.Window, cfg types.Config) float64 {
	kwh := cfg.ChargePowerW / 1000 * w.TSEnd.Sub(w.TSStart).Hours()
	return w.Price*(1+cfg.TaxRate+cfg.VATRate)*kwh + cfg.AdditionalCostPerKWH*kwh
}

// dischargeRevenue is the grid cost avoided by discharging during one
// window. Delivered energy is derated by the round-trip efficiency; the
// avoided price mirrors the charge cost adders.
func (e *Engine) dischargeRevenue(w types.Window, cfg types.Config) float64 {
	kwh := cfg.DischargePowerW / 1000 * w.TSEnd.Sub(w.TSStart).Hours() * cfg.BatteryRTE / 100
	return w.Price*(1+cfg.TaxRate+cfg.VATRate)*kwh + cfg.AdditionalCostPerKWH*kwh
}

// baseUsageMultiplier is the fraction of base load the grid covers during
// the interval, per the strategy multiplier of the interval's window role.
func (e *Engine) baseUsageMultiplier(sel types.Selection, iv types.PriceInterval, cfg types.Config) float64 {
	switch {
	case windowAtStart(sel.AggressiveDischargeWindows, iv.TSStart):
		return cfg.BaseUsageAggressiveMultiplier
	case windowAtStart(sel.DischargeWindows, iv.TSStart):
		return cfg.BaseUsageDischargeMultiplier
	case windowAtStart(sel.ChargeWindows, iv.TSStart):
		return cfg.BaseUsageChargeMultiplier
	}
	return cfg.BaseUsageIdleMultiplier
}

// partitionWindows splits windows into completed (fully elapsed) and actual
// (in progress or upcoming). A window ending exactly at now is completed.
func partitionWindows(ws []types.Window, now time.Time) (completed, actual []types.Window) {
	for _, w := range ws {
		if !w.TSEnd.After(now) {
			completed = append(completed, w)
		} else {
			actual = append(actual, w)
		}
	}
	return completed, actual
}

func inAnyWindow(ws []types.Window, now time.Time) bool {
	for _, w := range ws {
		if w.Contains(now) {
			return true
		}
	}
	return false
}

func windowAtStart(ws []types.Window, start time.Time) bool {
	for _, w := range ws {
		if w.TSStart.Equal(start) {
			return true
		}
	}
	return false
}
