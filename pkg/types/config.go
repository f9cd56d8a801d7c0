package types

import (
	"fmt"
)

// CurrentConfigVersion is the current version of the config struct.
// Increment this value when adding new fields that require default values.
const CurrentConfigVersion = 3

// DayParams holds the selection parameters for a single day. Today and
// tomorrow each get their own set so tomorrow's plan can be tuned before
// the day rolls over.
type DayParams struct {
	// How many intervals to select for charging and discharging.
	ChargeWindowCount    int `json:"chargeWindowCount"`
	DischargeWindowCount int `json:"dischargeWindowCount"`

	// CheapPercentile is the percentile (0-100) a charge candidate must be
	// at or below. ExpensivePercentile is measured from the top: 25 means a
	// discharge candidate must be in the most expensive 25%.
	CheapPercentile     float64 `json:"cheapPercentile"`
	ExpensivePercentile float64 `json:"expensivePercentile"`

	// Spread thresholds in percent, comparing the average expensive price
	// against the average cheap price.
	MinSpread                 float64 `json:"minSpread"`
	MinSpreadDischarge        float64 `json:"minSpreadDischarge"`
	AggressiveDischargeSpread float64 `json:"aggressiveDischargeSpread"`

	// MinPriceDifference is the minimum price gap between consecutively
	// accepted candidates, unless relaxing it is required to fill the count.
	MinPriceDifference float64 `json:"minPriceDifference"`

	// Force-include any interval priced at or below the threshold into the
	// charge set regardless of ranking.
	PriceOverrideEnabled   bool    `json:"priceOverrideEnabled"`
	PriceOverrideThreshold float64 `json:"priceOverrideThreshold"`

	// Restrict selection to intervals starting within this clock range
	// ("HH:MM", half-open, may wrap midnight).
	CalculationWindowEnabled bool   `json:"calculationWindowEnabled"`
	CalculationWindowStart   string `json:"calculationWindowStart"`
	CalculationWindowEnd     string `json:"calculationWindowEnd"`
}

// Config represents the engine configuration stored in the database.
// These are dynamic settings that can be changed without redeploying.
type Config struct {
	// Enabled gates the whole automation. When false every classification
	// is "off" with zeroed accounting.
	Enabled bool `json:"enabled"`

	// TomorrowEnabled switches tomorrow's selection to the Tomorrow
	// parameter set instead of reusing Today's.
	TomorrowEnabled bool      `json:"tomorrowEnabled"`
	Today           DayParams `json:"today"`
	Tomorrow        DayParams `json:"tomorrow"`

	// Quiet hours suppress discharge selection (standard and aggressive)
	// for intervals starting within the range. Charging is unaffected.
	QuietHoursEnabled bool   `json:"quietHoursEnabled"`
	QuietHoursStart   string `json:"quietHoursStart"`
	QuietHoursEnd     string `json:"quietHoursEnd"`

	// Time override forces a specific state during a clock range,
	// regardless of window membership.
	TimeOverrideEnabled bool   `json:"timeOverrideEnabled"`
	TimeOverrideStart   string `json:"timeOverrideStart"`
	TimeOverrideEnd     string `json:"timeOverrideEnd"`
	TimeOverrideState   State  `json:"timeOverrideState"`

	// Cost model
	TaxRate              float64 `json:"taxRate"`
	VATRate              float64 `json:"vatRate"`
	AdditionalCostPerKWH float64 `json:"additionalCostPerKWH"`
	// BatteryRTE is the round-trip efficiency in percent.
	BatteryRTE      float64 `json:"batteryRTE"`
	ChargePowerW    float64 `json:"chargePowerW"`
	DischargePowerW float64 `json:"dischargePowerW"`

	// Base household load and how much of it is drawn from the grid per
	// state (1 = all grid, 0 = all battery).
	BaseUsageW                    float64 `json:"baseUsageW"`
	BaseUsageChargeMultiplier     float64 `json:"baseUsageChargeMultiplier"`
	BaseUsageIdleMultiplier       float64 `json:"baseUsageIdleMultiplier"`
	BaseUsageDischargeMultiplier  float64 `json:"baseUsageDischargeMultiplier"`
	BaseUsageAggressiveMultiplier float64 `json:"baseUsageAggressiveMultiplier"`

	// Solar
	SolarEnabled bool `json:"solarEnabled"`
	// SkipChargeSolarThreshold skips charge windows when the solar forecast
	// is expected to cover this percent of the usable battery capacity.
	SkipChargeSolarThreshold float64 `json:"skipChargeSolarThreshold"`
	BatteryUsableCapacityKWH float64 `json:"batteryUsableCapacityKWH"`
	ConsumptionEstimateW     float64 `json:"consumptionEstimateW"`
}

// Day returns the parameter set for today or tomorrow. Tomorrow falls back
// to today's parameters unless TomorrowEnabled is set.
func (c Config) Day(tomorrow bool) DayParams {
	if tomorrow && c.TomorrowEnabled {
		return c.Tomorrow
	}
	return c.Today
}

// Hash returns a stable hash of the config so refresh cycles can tell
// whether a recalculation is needed.
func (c Config) Hash() string {
	h, err := hashJSON(c)
	if err != nil {
		// Config contains no unmarshalable types, so this cannot happen.
		panic(err)
	}
	return h
}

func clampDay(d DayParams) DayParams {
	if d.ChargeWindowCount < 0 {
		d.ChargeWindowCount = 0
	}
	if d.DischargeWindowCount < 0 {
		d.DischargeWindowCount = 0
	}
	d.CheapPercentile = clampFloat(d.CheapPercentile, 0, 100)
	d.ExpensivePercentile = clampFloat(d.ExpensivePercentile, 0, 100)
	if d.MinSpread < 0 {
		d.MinSpread = 0
	}
	if d.MinSpreadDischarge < 0 {
		d.MinSpreadDischarge = 0
	}
	if d.AggressiveDischargeSpread < 0 {
		d.AggressiveDischargeSpread = 0
	}
	if d.MinPriceDifference < 0 {
		d.MinPriceDifference = 0
	}
	return d
}

func clampFloat(v, min, max float64) float64 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

// Clamp coerces out-of-range values to their nearest valid value instead of
// rejecting the config outright.
func (c Config) Clamp() Config {
	c.Today = clampDay(c.Today)
	c.Tomorrow = clampDay(c.Tomorrow)
	c.TaxRate = clampFloat(c.TaxRate, 0, 1)
	c.VATRate = clampFloat(c.VATRate, 0, 1)
	if c.AdditionalCostPerKWH < 0 {
		c.AdditionalCostPerKWH = 0
	}
	c.BatteryRTE = clampFloat(c.BatteryRTE, 0, 100)
	if c.ChargePowerW < 0 {
		c.ChargePowerW = 0
	}
	if c.DischargePowerW < 0 {
		c.DischargePowerW = 0
	}
	if c.BaseUsageW < 0 {
		c.BaseUsageW = 0
	}
	c.BaseUsageChargeMultiplier = clampFloat(c.BaseUsageChargeMultiplier, 0, 1)
	c.BaseUsageIdleMultiplier = clampFloat(c.BaseUsageIdleMultiplier, 0, 1)
	c.BaseUsageDischargeMultiplier = clampFloat(c.BaseUsageDischargeMultiplier, 0, 1)
	c.BaseUsageAggressiveMultiplier = clampFloat(c.BaseUsageAggressiveMultiplier, 0, 1)
	c.SkipChargeSolarThreshold = clampFloat(c.SkipChargeSolarThreshold, 0, 100)
	if c.BatteryUsableCapacityKWH < 0 {
		c.BatteryUsableCapacityKWH = 0
	}
	if c.ConsumptionEstimateW < 0 {
		c.ConsumptionEstimateW = 0
	}
	if !c.TimeOverrideState.Valid() {
		c.TimeOverrideState = StateIdle
	}
	return c
}

// MigrateConfig migrates the config to the current version.
// It returns the migrated config, a boolean indicating if changes were made, and an error if migration failed.
func MigrateConfig(c Config, currentVersion int) (Config, bool, error) {
	if currentVersion >= CurrentConfigVersion {
		return c, false, nil
	}

	migrated := false
	// Loop through versions to apply migrations sequentially
	for version := currentVersion + 1; version <= CurrentConfigVersion; version++ {
		switch version {
		case 1:
			// version 1: initial defaults
			if c.Today.ChargeWindowCount == 0 {
				c.Today.ChargeWindowCount = 4
				migrated = true
			}
			if c.Today.DischargeWindowCount == 0 {
				c.Today.DischargeWindowCount = 4
				migrated = true
			}
			if c.Today.CheapPercentile == 0 {
				c.Today.CheapPercentile = 25
				migrated = true
			}
			if c.Today.ExpensivePercentile == 0 {
				c.Today.ExpensivePercentile = 25
				migrated = true
			}
			if c.Today.MinSpread == 0 {
				c.Today.MinSpread = 10
				migrated = true
			}
			if c.Today.MinSpreadDischarge == 0 {
				c.Today.MinSpreadDischarge = 20
				migrated = true
			}
			if c.Today.AggressiveDischargeSpread == 0 {
				c.Today.AggressiveDischargeSpread = 40
				migrated = true
			}
			if c.Today.MinPriceDifference == 0 {
				c.Today.MinPriceDifference = 0.05
				migrated = true
			}
			if c.Today.PriceOverrideThreshold == 0 {
				c.Today.PriceOverrideThreshold = 0.15
				migrated = true
			}
			if c.TaxRate == 0 {
				c.TaxRate = 0.12286
				migrated = true
			}
			if c.VATRate == 0 {
				c.VATRate = 0.21
				migrated = true
			}
			if c.AdditionalCostPerKWH == 0 {
				c.AdditionalCostPerKWH = 0.02398
				migrated = true
			}
			if c.BatteryRTE == 0 {
				c.BatteryRTE = 90
				migrated = true
			}
			if c.ChargePowerW == 0 {
				c.ChargePowerW = 2400
				migrated = true
			}
			if c.DischargePowerW == 0 {
				c.DischargePowerW = 2400
				migrated = true
			}
			if c.BaseUsageW == 0 {
				c.BaseUsageW = 400
				migrated = true
			}
			if c.BaseUsageChargeMultiplier == 0 {
				c.BaseUsageChargeMultiplier = 1
				migrated = true
			}
			if c.BaseUsageIdleMultiplier == 0 {
				c.BaseUsageIdleMultiplier = 1
				migrated = true
			}
			// discharge multipliers default to 0: the battery covers base
			// load while discharging
		case 2:
			// version 2: separate tomorrow parameter set
			if (c.Tomorrow == DayParams{}) {
				c.Tomorrow = c.Today
				migrated = true
			}
			if c.TimeOverrideState == "" {
				c.TimeOverrideState = StateIdle
				migrated = true
			}
		case 3:
			// version 3: solar forecast support
			if c.BatteryUsableCapacityKWH == 0 {
				c.BatteryUsableCapacityKWH = 10
				migrated = true
			}
			if c.SkipChargeSolarThreshold == 0 {
				c.SkipChargeSolarThreshold = 80
				migrated = true
			}
			if c.ConsumptionEstimateW == 0 {
				c.ConsumptionEstimateW = 500
				migrated = true
			}
		default:
			return c, false, fmt.Errorf("unknown config version: %d", version)
		}
	}

	return c, migrated, nil
}
