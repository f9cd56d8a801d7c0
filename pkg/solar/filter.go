package solar

import (
	"time"

	"github.com/wattwindow/wattwindow/pkg/types"
)

// ChargeFilter suppresses charge candidates on days where the forecasted
// production from an interval's start onwards already covers the usable
// battery capacity plus the estimated household consumption.
type ChargeFilter struct {
	forecast     *Forecast
	thresholdPct float64
	capacityWh   float64
	consumptionW float64
	dayEnd       time.Time
}

// NewChargeFilter builds a filter for one day from the aggregated
// forecast and the instance config.
func NewChargeFilter(f *Forecast, cfg types.Config, day time.Time) *ChargeFilter {
	y, m, d := day.Date()
	return &ChargeFilter{
		forecast:     f,
		thresholdPct: cfg.SkipChargeSolarThreshold,
		capacityWh:   cfg.BatteryUsableCapacityKWH * 1000,
		consumptionW: cfg.ConsumptionEstimateW,
		dayEnd:       time.Date(y, m, d+1, 0, 0, 0, 0, day.Location()),
	}
}

// SkipCharge reports whether the interval should be dropped as a charge
// candidate.
func (f *ChargeFilter) SkipCharge(iv types.PriceInterval) bool {
	if f.forecast == nil || f.thresholdPct <= 0 {
		return false
	}
	remainingWh := f.forecast.RemainingWh(iv.TSStart)

	hoursLeft := f.dayEnd.Sub(iv.TSStart).Hours()
	if hoursLeft < 0 {
		hoursLeft = 0
	}
	neededWh := f.capacityWh + f.consumptionW*hoursLeft
	if neededWh <= 0 {
		return false
	}
	return remainingWh >= f.thresholdPct/100*neededWh
}
