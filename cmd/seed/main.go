package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/wattwindow/wattwindow/pkg/log"
	"github.com/wattwindow/wattwindow/pkg/storage"
	"github.com/wattwindow/wattwindow/pkg/types"
)

// seeds the Firestore emulator with a day of mock reports and a default
// config so the API has something to serve during local development.
func main() {
	os.Setenv("FIRESTORE_EMULATOR_HOST", "127.0.0.1:8087")
	s := storage.Configured()
	lflag.Configure()

	ctx := context.Background()
	const instanceID = "default"

	log.Ctx(ctx).InfoContext(ctx, "seeding mock data")

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	cfg, _, err := types.MigrateConfig(types.Config{}, 0)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to build default config", "error", err)
		os.Exit(1)
	}
	cfg.Enabled = true
	cfg.TomorrowEnabled = true
	if err := s.SetConfig(ctx, instanceID, cfg, types.CurrentConfigVersion); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to seed config", "error", err)
		os.Exit(1)
	}

	now := time.Now()
	start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())

	// Running totals carried hour to hour
	var chargeCost, dischargeRevenue, baseUsageCost float64

	for t := start; t.Before(now); t = t.Add(time.Hour) {
		hour := t.Hour()

		// Price shape: cheap overnight, lull mid-day, peak in the evening
		price := 0.20
		switch {
		case hour >= 2 && hour < 6:
			price = 0.08
		case hour >= 11 && hour < 15:
			price = 0.12
		case hour >= 17 && hour < 21:
			price = 0.38
		}
		price += (rng.Float64() * 0.02) - 0.01

		state := types.StateIdle
		switch {
		case hour >= 2 && hour < 6:
			state = types.StateCharge
			chargeCost += price * float64(cfg.ChargePowerW) / 1000
		case hour >= 17 && hour < 19:
			state = types.StateDischarge
			dischargeRevenue += price * float64(cfg.DischargePowerW) / 1000
		case hour >= 19 && hour < 21:
			state = types.StateDischargeAggressive
			dischargeRevenue += price * float64(cfg.DischargePowerW) / 1000
		}
		baseUsageCost += price * float64(cfg.BaseUsageW) / 1000

		report := types.Report{
			Timestamp: t,
			State:     state,
			Today: types.Classification{
				State:                     state,
				CurrentPrice:              price,
				CompletedChargeCost:       chargeCost,
				CompletedDischargeRevenue: dischargeRevenue,
				CompletedBaseUsageCost:    baseUsageCost,
				TotalCost:                 chargeCost + baseUsageCost - dischargeRevenue,
			},
			TotalCost: chargeCost + baseUsageCost - dischargeRevenue,
		}

		if err := s.InsertReport(ctx, instanceID, report); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to seed report", "error", err)
			os.Exit(1)
		}

		fmt.Printf("Seeded report at %s: %s (price: €%.3f, total: €%.2f)\n",
			t.Format(time.Kitchen), state, price, report.TotalCost)
	}

	log.Ctx(ctx).InfoContext(ctx, "seeded mock data successfully")
}
