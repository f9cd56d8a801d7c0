package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wattwindow/wattwindow/pkg/types"
)

// selectFor runs Select with the given prices and config, failing the test
// on error so subtests can classify the result directly.
func selectFor(t *testing.T, e *Engine, prices []types.PriceInterval, cfg types.Config) types.Selection {
	t.Helper()
	sel, err := e.Select(context.Background(), prices, cfg, false)
	require.NoError(t, err)
	return sel
}

func TestClassifyStates(t *testing.T) {
	e := New()
	ctx := context.Background()
	day := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)

	// hours 0-3 cheap, 12-13 expensive, 20-21 mid-expensive
	values := make([]float64, 24)
	for i := range values {
		values[i] = 0.15
	}
	values[0], values[1], values[2], values[3] = 0.05, 0.05, 0.05, 0.05
	values[12], values[13] = 0.50, 0.50
	values[20], values[21] = 0.40, 0.40
	prices := intervalsAt(day, time.Hour, values...)

	cfg := baseConfig(t)
	cfg.Today.ChargeWindowCount = 4
	cfg.Today.DischargeWindowCount = 2
	cfg.Today.ExpensivePercentile = 20
	cfg.Today.MinPriceDifference = 0
	cfg.Today.AggressiveDischargeSpread = 100

	sel := selectFor(t, e, prices, cfg)
	require.Len(t, sel.ChargeWindows, 4)
	require.Len(t, sel.DischargeWindows, 2)
	require.Len(t, sel.AggressiveDischargeWindows, 2)

	t.Run("Charge Window", func(t *testing.T) {
		cls := e.Classify(ctx, sel, day.Add(time.Hour+30*time.Minute), cfg, false)
		assert.Equal(t, types.StateCharge, cls.State)
		assert.Equal(t, 0.05, cls.CurrentPrice)
	})

	t.Run("Discharge Window", func(t *testing.T) {
		cls := e.Classify(ctx, sel, day.Add(12*time.Hour+15*time.Minute), cfg, false)
		assert.Equal(t, types.StateDischarge, cls.State)
		assert.Equal(t, 0.50, cls.CurrentPrice)
	})

	t.Run("Aggressive Window", func(t *testing.T) {
		cls := e.Classify(ctx, sel, day.Add(20*time.Hour+30*time.Minute), cfg, false)
		assert.Equal(t, types.StateDischargeAggressive, cls.State)
	})

	t.Run("Idle Between Windows", func(t *testing.T) {
		cls := e.Classify(ctx, sel, day.Add(8*time.Hour), cfg, false)
		assert.Equal(t, types.StateIdle, cls.State)
	})

	t.Run("Off Dominates", func(t *testing.T) {
		off := cfg
		off.Enabled = false
		cls := e.Classify(ctx, sel, day.Add(12*time.Hour+15*time.Minute), off, false)
		assert.Equal(t, types.StateOff, cls.State)
		assert.Zero(t, cls.CompletedChargeCost)
		assert.Zero(t, cls.CompletedDischargeRevenue)
		assert.Zero(t, cls.CompletedBaseUsageCost)
		assert.Zero(t, cls.TotalCost)
		assert.Empty(t, cls.ActualChargeWindows)
	})

	t.Run("Time Override", func(t *testing.T) {
		over := cfg
		over.TimeOverrideEnabled = true
		over.TimeOverrideStart = "12:00"
		over.TimeOverrideEnd = "14:00"
		over.TimeOverrideState = types.StateIdle

		cls := e.Classify(ctx, sel, day.Add(12*time.Hour+15*time.Minute), over, false)
		assert.Equal(t, types.StateIdle, cls.State)
		assert.True(t, cls.TimeOverrideActive)

		// outside the override range the normal state applies
		cls = e.Classify(ctx, sel, day.Add(14*time.Hour), over, false)
		assert.False(t, cls.TimeOverrideActive)
		assert.Equal(t, types.StateIdle, cls.State)
	})
}

func TestClassifyPartitioning(t *testing.T) {
	e := New()
	ctx := context.Background()
	day := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)

	values := make([]float64, 24)
	for i := range values {
		values[i] = 0.15
	}
	values[2], values[3] = 0.05, 0.05
	values[12], values[13] = 0.50, 0.50
	prices := intervalsAt(day, time.Hour, values...)

	cfg := baseConfig(t)
	cfg.Today.ChargeWindowCount = 2
	cfg.Today.DischargeWindowCount = 2
	cfg.Today.ExpensivePercentile = 10
	cfg.Today.MinPriceDifference = 0

	sel := selectFor(t, e, prices, cfg)
	require.Len(t, sel.ChargeWindows, 2)
	require.Len(t, sel.DischargeWindows, 2)

	t.Run("End Equals Now Is Completed", func(t *testing.T) {
		// first charge window ends at 03:00 exactly
		cls := e.Classify(ctx, sel, day.Add(3*time.Hour), cfg, false)
		require.Len(t, cls.CompletedChargeWindows, 1)
		assert.Equal(t, day.Add(2*time.Hour), cls.CompletedChargeWindows[0].TSStart)
		assert.Len(t, cls.ActualChargeWindows, 1)
	})

	t.Run("Partition Completeness", func(t *testing.T) {
		for _, now := range []time.Time{
			day, day.Add(2*time.Hour + 30*time.Minute), day.Add(3 * time.Hour),
			day.Add(13 * time.Hour), day.Add(24 * time.Hour),
		} {
			cls := e.Classify(ctx, sel, now, cfg, false)
			assert.Equal(t, len(sel.ChargeWindows), len(cls.CompletedChargeWindows)+len(cls.ActualChargeWindows), "at %v", now)
			assert.Equal(t, len(sel.DischargeWindows), len(cls.CompletedDischargeWindows)+len(cls.ActualDischargeWindows), "at %v", now)
		}
	})

	t.Run("All Completed At End Of Day", func(t *testing.T) {
		cls := e.Classify(ctx, sel, day.Add(24*time.Hour), cfg, false)
		assert.Len(t, cls.CompletedChargeWindows, 2)
		assert.Len(t, cls.CompletedDischargeWindows, 2)
		assert.Empty(t, cls.ActualChargeWindows)
		assert.Empty(t, cls.ActualDischargeWindows)
	})
}

func TestClassifyAccounting(t *testing.T) {
	e := New()
	ctx := context.Background()
	day := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)

	// 4 hourly intervals: charge at hour 0, discharge at hour 2
	prices := intervalsAt(day, time.Hour, 0.10, 0.20, 0.50, 0.20)

	cfg := baseConfig(t)
	cfg.Today.ChargeWindowCount = 1
	cfg.Today.DischargeWindowCount = 1
	cfg.Today.ExpensivePercentile = 30
	cfg.Today.MinPriceDifference = 0
	cfg.Today.MinSpread = 10
	cfg.Today.MinSpreadDischarge = 20
	cfg.TaxRate = 0.10
	cfg.VATRate = 0.20
	cfg.AdditionalCostPerKWH = 0.01
	cfg.ChargePowerW = 2000
	cfg.DischargePowerW = 2000
	cfg.BatteryRTE = 90
	cfg.BaseUsageW = 500
	cfg.BaseUsageChargeMultiplier = 1
	cfg.BaseUsageIdleMultiplier = 1
	cfg.BaseUsageDischargeMultiplier = 0

	sel := selectFor(t, e, prices, cfg)
	require.Len(t, sel.ChargeWindows, 1)
	require.Len(t, sel.DischargeWindows, 1)
	require.Equal(t, 0.10, sel.ChargeWindows[0].Price)
	require.Equal(t, 0.50, sel.DischargeWindows[0].Price)

	t.Run("Nothing Completed", func(t *testing.T) {
		cls := e.Classify(ctx, sel, day, cfg, false)
		assert.Zero(t, cls.CompletedChargeCost)
		assert.Zero(t, cls.CompletedDischargeRevenue)
		assert.Zero(t, cls.CompletedBaseUsageCost)
		assert.Zero(t, cls.TotalCost)
	})

	t.Run("After Charge Window", func(t *testing.T) {
		cls := e.Classify(ctx, sel, day.Add(time.Hour), cfg, false)
		// 2kWh at 0.10 * 1.3 plus 2kWh * 0.01 additional
		assert.InDelta(t, 0.10*1.3*2+0.01*2, cls.CompletedChargeCost, 0.0001)
		assert.Zero(t, cls.CompletedDischargeRevenue)
		// base: 0.5kWh at 0.10, full grid coverage while charging
		assert.InDelta(t, 0.5*0.10, cls.CompletedBaseUsageCost, 0.0001)
		assert.Zero(t, cls.CompletedBaseUsageBatteryKWH)
		assert.InDelta(t, cls.CompletedChargeCost+cls.CompletedBaseUsageCost, cls.TotalCost, 0.0001)
	})

	t.Run("After Discharge Window", func(t *testing.T) {
		cls := e.Classify(ctx, sel, day.Add(3*time.Hour), cfg, false)
		// delivered energy derated by 90% round trip
		wantRevenue := 0.50*1.3*(2*0.9) + 0.01*(2*0.9)
		assert.InDelta(t, wantRevenue, cls.CompletedDischargeRevenue, 0.0001)
		// battery covered base load during the discharge hour
		assert.InDelta(t, 0.5, cls.CompletedBaseUsageBatteryKWH, 0.0001)
		// base cost for hours 0 (charge) and 1 (idle) only
		assert.InDelta(t, 0.5*0.10+0.5*0.20, cls.CompletedBaseUsageCost, 0.0001)
		wantCharge := 0.10*1.3*2 + 0.01*2
		assert.InDelta(t, wantCharge+cls.CompletedBaseUsageCost-wantRevenue, cls.TotalCost, 0.0001)
	})

	t.Run("Planned Covers Remaining", func(t *testing.T) {
		cls := e.Classify(ctx, sel, day.Add(time.Hour), cfg, false)
		// remaining: discharge at hour 2, base usage for hours 1-3
		wantRevenue := 0.50*1.3*(2*0.9) + 0.01*(2*0.9)
		wantBase := 0.5*0.20 + 0.5*0.20 // hours 1 and 3 idle; hour 2 battery-covered
		assert.InDelta(t, wantBase-wantRevenue, cls.PlannedTotalCost, 0.0001)
	})
}

func TestClassifyEmptySelection(t *testing.T) {
	e := New()
	ctx := context.Background()

	cfg := baseConfig(t)
	sel, err := e.Select(ctx, nil, cfg, false)
	require.NoError(t, err)

	cls := e.Classify(ctx, sel, time.Now(), cfg, false)
	assert.Equal(t, types.StateIdle, cls.State)
	assert.Empty(t, cls.ActualChargeWindows)
	assert.Empty(t, cls.CompletedChargeWindows)
	assert.Zero(t, cls.TotalCost)
	assert.Zero(t, cls.PlannedTotalCost)
	assert.Zero(t, cls.CurrentPrice)
}
