package refresher

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/wattwindow/wattwindow/pkg/engine"
	"github.com/wattwindow/wattwindow/pkg/pricefeed"
	"github.com/wattwindow/wattwindow/pkg/storage/storagemock"
	"github.com/wattwindow/wattwindow/pkg/types"
)

// staticSource serves a fixed series per day for tests.
type staticSource struct {
	mu     sync.Mutex
	prices map[string][]types.PriceInterval
}

func (s *staticSource) Prices(_ context.Context, day time.Time) ([]types.PriceInterval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.prices[day.Format("2006-01-02")], nil
}

func (s *staticSource) set(day time.Time, prices []types.PriceInterval) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prices[day.Format("2006-01-02")] = prices
}

// hourlySeries builds a 24-hour series with cheap hours 2-5 and a peak at
// hours 18-19.
func hourlySeries(day time.Time) []types.PriceInterval {
	prices := make([]types.PriceInterval, 0, 24)
	for h := 0; h < 24; h++ {
		value := 0.20
		if h >= 2 && h <= 5 {
			value = 0.05
		}
		if h == 18 || h == 19 {
			value = 0.50
		}
		prices = append(prices, types.PriceInterval{
			TSStart: day.Add(time.Duration(h) * time.Hour),
			TSEnd:   day.Add(time.Duration(h+1) * time.Hour),
			Value:   value,
		})
	}
	return prices
}

func enabledConfig(t *testing.T) types.Config {
	t.Helper()
	cfg, _, err := types.MigrateConfig(types.Config{}, 0)
	require.NoError(t, err)
	cfg.Enabled = true
	cfg.TomorrowEnabled = true
	return cfg
}

func newTestRefresher(src pricefeed.Source, db *storagemock.MockDatabase, now time.Time) *Refresher {
	feeds := pricefeed.NewMap()
	feeds.SetSource("static", src)
	return &Refresher{
		feeds:      feeds,
		db:         db,
		engine:     engine.New(),
		instanceID: "test",
		interval:   10 * time.Second,
		now:        func() time.Time { return now },
	}
}

func TestRefreshFirstLoad(t *testing.T) {
	day := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)
	now := day.Add(10 * time.Hour)
	src := &staticSource{prices: map[string][]types.PriceInterval{}}
	src.set(day, hourlySeries(day))

	db := &storagemock.MockDatabase{}
	// a fresh instance has no config and no snapshot
	db.On("GetConfig", mock.Anything, "test").Return(types.Config{}, 0, nil)
	db.On("SetConfig", mock.Anything, "test", mock.Anything, types.CurrentConfigVersion).Return(nil)
	db.On("GetSnapshot", mock.Anything, "test").Return(types.Snapshot{}, false, nil)
	var saved types.Snapshot
	db.On("SetSnapshot", mock.Anything, "test", mock.Anything).Run(func(args mock.Arguments) {
		saved = args.Get(2).(types.Snapshot)
	}).Return(nil)
	db.On("InsertReport", mock.Anything, "test", mock.Anything).Return(nil)

	r := newTestRefresher(src, db, now)
	var notified int
	r.OnChange(func(Result) { notified++ })

	res, err := r.Refresh(context.Background())
	require.NoError(t, err)

	assert.Equal(t, ReasonFirstLoad, res.Reason)
	// migration defaults leave the engine disabled
	assert.Equal(t, types.StateOff, res.Report.State)
	assert.Equal(t, 0, notified, "first load must not notify")

	db.AssertCalled(t, "SetConfig", mock.Anything, "test", mock.Anything, types.CurrentConfigVersion)
	assert.Equal(t, types.PricesHash(hourlySeries(day)), saved.TodayPricesHash)
	assert.True(t, saved.LastPriceUpdate.Equal(now))
	assert.True(t, saved.LastConfigUpdate.Equal(now))
	require.NotNil(t, r.Last())
	assert.Equal(t, res.Reason, r.Last().Reason)
}

func TestRefreshCycleDetection(t *testing.T) {
	day := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)
	now := day.Add(10 * time.Hour)
	src := &staticSource{prices: map[string][]types.PriceInterval{}}
	src.set(day, hourlySeries(day))

	cfg := enabledConfig(t)
	cfg2 := cfg
	cfg2.TaxRate = 0.30

	db := &storagemock.MockDatabase{}
	db.On("GetConfig", mock.Anything, "test").Return(cfg, types.CurrentConfigVersion, nil).Times(4)
	db.On("GetConfig", mock.Anything, "test").Return(cfg2, types.CurrentConfigVersion, nil)
	var saved types.Snapshot
	db.On("SetSnapshot", mock.Anything, "test", mock.Anything).Run(func(args mock.Arguments) {
		saved = args.Get(2).(types.Snapshot)
	}).Return(nil)
	db.On("InsertReport", mock.Anything, "test", mock.Anything).Return(nil)

	r := newTestRefresher(src, db, now)
	var notified []Result
	r.OnChange(func(res Result) { notified = append(notified, res) })
	ctx := context.Background()

	// cycle 1: no snapshot yet
	db.On("GetSnapshot", mock.Anything, "test").Return(types.Snapshot{}, false, nil).Once()
	res, err := r.Refresh(ctx)
	require.NoError(t, err)
	assert.Equal(t, ReasonFirstLoad, res.Reason)
	assert.Equal(t, types.StateIdle, res.Report.State)
	assert.Len(t, notified, 0)
	db.AssertNumberOfCalls(t, "SetSnapshot", 1)
	db.AssertNumberOfCalls(t, "InsertReport", 1)

	// cycle 2: nothing changed, plain tick
	db.On("GetSnapshot", mock.Anything, "test").Return(saved, true, nil).Once()
	res, err = r.Refresh(ctx)
	require.NoError(t, err)
	assert.Equal(t, ReasonScheduled, res.Reason)
	assert.Len(t, notified, 0)
	db.AssertNumberOfCalls(t, "SetSnapshot", 1)
	db.AssertNumberOfCalls(t, "InsertReport", 1)

	// cycle 3: same data but the clock moved into a charge window
	r.now = func() time.Time { return day.Add(2*time.Hour + 30*time.Minute) }
	db.On("GetSnapshot", mock.Anything, "test").Return(saved, true, nil).Once()
	res, err = r.Refresh(ctx)
	require.NoError(t, err)
	assert.Equal(t, ReasonScheduled, res.Reason)
	assert.Equal(t, types.StateCharge, res.Report.State)
	require.Len(t, notified, 1, "state transitions notify")
	assert.Equal(t, types.StateCharge, notified[0].Report.State)
	// scheduled ticks don't rewrite the snapshot
	db.AssertNumberOfCalls(t, "SetSnapshot", 1)
	db.AssertNumberOfCalls(t, "InsertReport", 2)

	// cycle 4: prices changed
	priceUpdateAt := day.Add(11 * time.Hour)
	r.now = func() time.Time { return priceUpdateAt }
	changed := hourlySeries(day)
	changed[21].Value = 0.25
	src.set(day, changed)
	firstLoadAt := saved.LastConfigUpdate
	db.On("GetSnapshot", mock.Anything, "test").Return(saved, true, nil).Once()
	res, err = r.Refresh(ctx)
	require.NoError(t, err)
	assert.Equal(t, ReasonPriceChanged, res.Reason)
	require.Len(t, notified, 2)
	assert.Equal(t, ReasonPriceChanged, notified[1].Reason)
	db.AssertNumberOfCalls(t, "SetSnapshot", 2)
	assert.True(t, saved.LastPriceUpdate.Equal(priceUpdateAt))
	assert.True(t, saved.LastConfigUpdate.Equal(firstLoadAt), "config timestamp untouched by price change")

	// cycle 5: config changed
	configUpdateAt := day.Add(12 * time.Hour)
	r.now = func() time.Time { return configUpdateAt }
	db.On("GetSnapshot", mock.Anything, "test").Return(saved, true, nil).Once()
	res, err = r.Refresh(ctx)
	require.NoError(t, err)
	assert.Equal(t, ReasonConfigChanged, res.Reason)
	require.Len(t, notified, 3)
	db.AssertNumberOfCalls(t, "SetSnapshot", 3)
	assert.True(t, saved.LastConfigUpdate.Equal(configUpdateAt))
	assert.True(t, saved.LastPriceUpdate.Equal(priceUpdateAt), "price timestamp untouched by config change")
}

func TestRefreshRestartStateChange(t *testing.T) {
	day := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)
	src := &staticSource{prices: map[string][]types.PriceInterval{}}
	src.set(day, hourlySeries(day))

	cfg := enabledConfig(t)
	db := &storagemock.MockDatabase{}
	db.On("GetConfig", mock.Anything, "test").Return(cfg, types.CurrentConfigVersion, nil)
	// snapshot matches the feed, so this is a plain tick after a restart
	db.On("GetSnapshot", mock.Anything, "test").Return(types.Snapshot{
		TodayPricesHash:    types.PricesHash(hourlySeries(day)),
		TomorrowPricesHash: types.PricesHash(nil),
		ConfigHash:         cfg.Hash(),
	}, true, nil)
	// but the last report was written before a charge window started
	db.On("GetLatestReport", mock.Anything, "test").Return(&types.Report{
		Timestamp: day.Add(1 * time.Hour),
		State:     types.StateIdle,
	}, nil)
	db.On("InsertReport", mock.Anything, "test", mock.Anything).Return(nil)

	r := newTestRefresher(src, db, day.Add(3*time.Hour))
	var notified int
	r.OnChange(func(Result) { notified++ })

	res, err := r.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ReasonScheduled, res.Reason)
	assert.Equal(t, types.StateCharge, res.Report.State)
	assert.Equal(t, 1, notified, "cross-restart transition notifies")
	db.AssertCalled(t, "InsertReport", mock.Anything, "test", mock.Anything)
	db.AssertNotCalled(t, "SetSnapshot", mock.Anything, mock.Anything, mock.Anything)
}

func TestRefreshTomorrow(t *testing.T) {
	day := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)
	tomorrow := day.AddDate(0, 0, 1)
	now := day.Add(16 * time.Hour)
	src := &staticSource{prices: map[string][]types.PriceInterval{}}
	src.set(day, hourlySeries(day))

	cfg := enabledConfig(t)
	db := &storagemock.MockDatabase{}
	db.On("GetConfig", mock.Anything, "test").Return(cfg, types.CurrentConfigVersion, nil)
	db.On("GetSnapshot", mock.Anything, "test").Return(types.Snapshot{}, false, nil).Once()
	db.On("SetSnapshot", mock.Anything, "test", mock.Anything).Return(nil)
	db.On("InsertReport", mock.Anything, "test", mock.Anything).Return(nil)

	r := newTestRefresher(src, db, now)
	ctx := context.Background()

	res, err := r.Refresh(ctx)
	require.NoError(t, err)
	assert.False(t, res.Report.TomorrowValid, "tomorrow not published yet")
	assert.Empty(t, res.Tomorrow.ChargeWindows)

	// tomorrow's auction settles
	src.set(tomorrow, hourlySeries(tomorrow))
	db.On("GetSnapshot", mock.Anything, "test").Return(types.Snapshot{
		TodayPricesHash: types.PricesHash(hourlySeries(day)),
		ConfigHash:      cfg.Hash(),
	}, true, nil).Once()
	res, err = r.Refresh(ctx)
	require.NoError(t, err)
	assert.Equal(t, ReasonPriceChanged, res.Reason)
	assert.True(t, res.Report.TomorrowValid)
	assert.Len(t, res.Tomorrow.ChargeWindows, cfg.Tomorrow.ChargeWindowCount)
}

func TestRefreshDisabledTomorrow(t *testing.T) {
	day := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)
	tomorrow := day.AddDate(0, 0, 1)
	src := &staticSource{prices: map[string][]types.PriceInterval{}}
	src.set(day, hourlySeries(day))
	src.set(tomorrow, hourlySeries(tomorrow))

	cfg := enabledConfig(t)
	cfg.TomorrowEnabled = false
	db := &storagemock.MockDatabase{}
	db.On("GetConfig", mock.Anything, "test").Return(cfg, types.CurrentConfigVersion, nil)
	db.On("GetSnapshot", mock.Anything, "test").Return(types.Snapshot{}, false, nil)
	db.On("SetSnapshot", mock.Anything, "test", mock.Anything).Return(nil)
	db.On("InsertReport", mock.Anything, "test", mock.Anything).Return(nil)

	r := newTestRefresher(src, db, day.Add(16*time.Hour))
	res, err := r.Refresh(context.Background())
	require.NoError(t, err)
	assert.False(t, res.Report.TomorrowValid, "tomorrow disabled in config")
}
