// Package refresher drives the periodic recompute cycle: it pulls prices,
// loads config, runs selection and classification, and persists the results.
package refresher

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/wattwindow/wattwindow/pkg/engine"
	"github.com/wattwindow/wattwindow/pkg/log"
	"github.com/wattwindow/wattwindow/pkg/pricefeed"
	"github.com/wattwindow/wattwindow/pkg/solar"
	"github.com/wattwindow/wattwindow/pkg/storage"
	"github.com/wattwindow/wattwindow/pkg/types"
)

// Reasons a cycle recomputed, mirrored into the snapshot history.
const (
	ReasonFirstLoad     = "first_load"
	ReasonPriceChanged  = "price_data_changed"
	ReasonConfigChanged = "config_changed"
	ReasonScheduled     = "scheduled"
)

// SolarForecaster produces the day's production forecast for the charge
// pre-filter. Nil when no planes are configured.
type SolarForecaster interface {
	Forecast(ctx context.Context, day time.Time) (*solar.Forecast, error)
	Planes() int
}

// Result is the outcome of one refresh cycle.
type Result struct {
	Report   types.Report    `json:"report"`
	Today    types.Selection `json:"today"`
	Tomorrow types.Selection `json:"tomorrow,omitempty"`
	Reason   string          `json:"reason"`
	Config   types.Config    `json:"-"`
}

// Refresher periodically recomputes the window selection and state for one
// instance. Cycles are serialized; a forced refresh and the ticker share the
// same path.
type Refresher struct {
	feeds  *pricefeed.Map
	db     storage.Database
	engine *engine.Engine
	solar  SolarForecaster

	instanceID string
	interval   time.Duration

	mu        sync.Mutex
	last      *Result
	listeners []func(Result)

	// now is swapped out in tests
	now func() time.Time
}

// New creates a Refresher with explicit settings. Most callers should use
// Configured, which wires the same thing from flags.
func New(feeds *pricefeed.Map, db storage.Database, sc SolarForecaster, instanceID string, interval time.Duration) *Refresher {
	return &Refresher{
		feeds:      feeds,
		db:         db,
		engine:     engine.New(),
		solar:      sc,
		instanceID: instanceID,
		interval:   interval,
		now:        time.Now,
	}
}

// Configured initializes the Refresher with dependencies.
// It uses lflag to register command-line flags for configuration.
func Configured(feeds *pricefeed.Map, db storage.Database, sc *solar.Client) *Refresher {
	r := New(feeds, db, nil, "", 0)
	if sc != nil {
		r.solar = sc
	}
	interval := lflag.Duration("refresh-interval", 10*time.Second, "How often to recompute windows and state")
	instanceID := lflag.String("instance-id", "default", "Instance ID used as the storage key")

	lflag.Do(func() {
		r.interval = *interval
		r.instanceID = *instanceID
	})

	return r
}

// InstanceID returns the storage key this refresher operates on.
func (r *Refresher) InstanceID() string {
	return r.instanceID
}

// OnChange registers a listener that fires when a cycle actually recomputed
// because of new prices, a config change, or a state transition. Plain
// scheduled ticks and the first load do not fire.
func (r *Refresher) OnChange(fn func(Result)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, fn)
}

// Last returns the most recent cycle result, or nil before the first cycle.
func (r *Refresher) Last() *Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}

// Run starts the refresh loop and blocks until the context is canceled.
func (r *Refresher) Run(ctx context.Context) error {
	if r.interval <= 0 {
		return fmt.Errorf("invalid refresh interval: %s", r.interval)
	}
	log.Ctx(ctx).InfoContext(ctx, "starting refresher",
		slog.String("instanceID", r.instanceID),
		slog.Duration("interval", r.interval),
	)

	if _, err := r.Refresh(ctx); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "initial refresh failed", slog.Any("error", err))
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Ctx(ctx).InfoContext(ctx, "refresher stopping")
			return nil
		case <-ticker.C:
			if _, err := r.Refresh(ctx); err != nil {
				log.Ctx(ctx).ErrorContext(ctx, "refresh failed", slog.Any("error", err))
			}
		}
	}
}

// Refresh runs one full cycle and returns the result. Only one cycle runs at
// a time; a forced refresh from the API waits for any in-flight cycle.
func (r *Refresher) Refresh(ctx context.Context) (Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ctx = log.WithAttrs(ctx, slog.String("instanceID", r.instanceID))
	now := r.now()
	today := truncateDay(now)
	tomorrow := today.AddDate(0, 0, 1)

	src, err := r.feeds.Source()
	if err != nil {
		return Result{}, fmt.Errorf("no usable price source: %w", err)
	}

	todayPrices, err := src.Prices(ctx, today)
	if err != nil {
		return Result{}, fmt.Errorf("failed to fetch today's prices: %w", err)
	}
	tomorrowPrices, err := src.Prices(ctx, tomorrow)
	if err != nil {
		// tomorrow is best-effort, it's usually unpublished until mid-afternoon
		log.Ctx(ctx).WarnContext(ctx, "failed to fetch tomorrow's prices", slog.Any("error", err))
		tomorrowPrices = nil
	}

	cfg, err := r.loadConfig(ctx)
	if err != nil {
		return Result{}, err
	}

	snap, haveSnap, err := r.db.GetSnapshot(ctx, r.instanceID)
	if err != nil {
		return Result{}, fmt.Errorf("failed to load snapshot: %w", err)
	}

	todayHash := types.PricesHash(todayPrices)
	tomorrowHash := types.PricesHash(tomorrowPrices)
	configHash := cfg.Hash()

	reason := ReasonScheduled
	switch {
	case !haveSnap:
		reason = ReasonFirstLoad
	case todayHash != snap.TodayPricesHash || tomorrowHash != snap.TomorrowPricesHash:
		reason = ReasonPriceChanged
	case configHash != snap.ConfigHash:
		reason = ReasonConfigChanged
	}

	res := Result{Reason: reason, Config: cfg}

	r.engine.SetChargeFilter(r.chargeFilter(ctx, cfg, today))
	res.Today, err = r.engine.Select(ctx, todayPrices, cfg, false)
	if err != nil {
		return Result{}, fmt.Errorf("failed to select today's windows: %w", err)
	}
	clsToday := r.engine.Classify(ctx, res.Today, now, cfg, false)

	tomorrowValid := cfg.TomorrowEnabled && len(tomorrowPrices) > 0
	var clsTomorrow types.Classification
	if tomorrowValid {
		r.engine.SetChargeFilter(r.chargeFilter(ctx, cfg, tomorrow))
		res.Tomorrow, err = r.engine.Select(ctx, tomorrowPrices, cfg, true)
		if err != nil {
			return Result{}, fmt.Errorf("failed to select tomorrow's windows: %w", err)
		}
		clsTomorrow = r.engine.Classify(ctx, res.Tomorrow, now, cfg, true)
	}

	res.Report = types.Report{
		Timestamp:     now,
		State:         clsToday.State,
		Today:         clsToday,
		Tomorrow:      clsTomorrow,
		TomorrowValid: tomorrowValid,
		TotalCost:     clsToday.TotalCost,
	}

	stateChanged := r.last != nil && r.last.Report.State != res.Report.State
	if r.last == nil && haveSnap {
		// restarted process: compare against the last persisted report so a
		// transition across the restart still gets recorded
		prev, err := r.db.GetLatestReport(ctx, r.instanceID)
		if err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to load last report", slog.Any("error", err))
		} else if prev != nil {
			stateChanged = prev.State != res.Report.State
		}
	}

	if reason != ReasonScheduled {
		newSnap := types.Snapshot{
			TodayPrices:        todayPrices,
			TomorrowPrices:     tomorrowPrices,
			TomorrowValid:      tomorrowValid,
			TodayPricesHash:    todayHash,
			TomorrowPricesHash: tomorrowHash,
			ConfigHash:         configHash,
			LastPriceUpdate:    snap.LastPriceUpdate,
			LastConfigUpdate:   snap.LastConfigUpdate,
			UpdatedAt:          now,
		}
		if !haveSnap || todayHash != snap.TodayPricesHash || tomorrowHash != snap.TomorrowPricesHash {
			newSnap.LastPriceUpdate = now
		}
		if !haveSnap || configHash != snap.ConfigHash {
			newSnap.LastConfigUpdate = now
		}
		if err := r.db.SetSnapshot(ctx, r.instanceID, newSnap); err != nil {
			return Result{}, fmt.Errorf("failed to save snapshot: %w", err)
		}
	}

	if reason != ReasonScheduled || stateChanged {
		if err := r.db.InsertReport(ctx, r.instanceID, res.Report); err != nil {
			return Result{}, fmt.Errorf("failed to insert report: %w", err)
		}
	}

	log.Ctx(ctx).DebugContext(ctx, "refresh cycle complete",
		slog.String("reason", reason),
		slog.String("state", string(res.Report.State)),
		slog.Bool("tomorrowValid", tomorrowValid),
		slog.Int("chargeWindows", len(res.Today.ChargeWindows)),
		slog.Int("dischargeWindows", len(res.Today.DischargeWindows)),
	)

	r.last = &res

	// first load isn't a transition, nothing was computed before it
	if reason == ReasonPriceChanged || reason == ReasonConfigChanged || stateChanged {
		for _, fn := range r.listeners {
			fn(res)
		}
	}

	return res, nil
}

// loadConfig fetches the stored config, migrates it to the current version,
// and persists it back if the migration changed anything.
func (r *Refresher) loadConfig(ctx context.Context) (types.Config, error) {
	cfg, version, err := r.db.GetConfig(ctx, r.instanceID)
	if err != nil {
		return types.Config{}, fmt.Errorf("failed to load config: %w", err)
	}
	migrated, changed, err := types.MigrateConfig(cfg, version)
	if err != nil {
		return types.Config{}, fmt.Errorf("failed to migrate config: %w", err)
	}
	migrated = migrated.Clamp()
	if changed {
		log.Ctx(ctx).InfoContext(ctx, "migrated config",
			slog.Int("fromVersion", version),
			slog.Int("toVersion", types.CurrentConfigVersion),
		)
		if err := r.db.SetConfig(ctx, r.instanceID, migrated, types.CurrentConfigVersion); err != nil {
			return types.Config{}, fmt.Errorf("failed to save migrated config: %w", err)
		}
	}
	return migrated, nil
}

// chargeFilter builds the day's solar pre-filter, or nil when solar is
// disabled or no forecast is available. Forecast failures degrade to no
// filtering; a missing forecast should never block window selection.
func (r *Refresher) chargeFilter(ctx context.Context, cfg types.Config, day time.Time) engine.ChargeFilter {
	if !cfg.SolarEnabled || r.solar == nil || r.solar.Planes() == 0 {
		return nil
	}
	forecast, err := r.solar.Forecast(ctx, day)
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "solar forecast unavailable", slog.Any("error", err))
		return nil
	}
	return solar.NewChargeFilter(forecast, cfg, day)
}

func truncateDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}
