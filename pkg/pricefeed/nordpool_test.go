package pricefeed

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wattwindow/wattwindow/pkg/common"
	"github.com/wattwindow/wattwindow/pkg/types"
)

const nordpoolSample = `{
	"deliveryDateCET": "2025-03-10",
	"market": "DayAhead",
	"currency": "EUR",
	"multiAreaEntries": [
		{
			"deliveryStart": "2025-03-09T23:00:00Z",
			"deliveryEnd": "2025-03-10T00:00:00Z",
			"entryPerArea": {"NL": 85.40, "BE": 90.12}
		},
		{
			"deliveryStart": "2025-03-10T00:00:00Z",
			"deliveryEnd": "2025-03-10T01:00:00Z",
			"entryPerArea": {"NL": 72.10, "BE": 75.00}
		}
	]
}`

func newTestNordPool(apiURL string) *NordPool {
	return &NordPool{
		apiURL:    apiURL,
		area:      "NL",
		market:    "DayAhead",
		currency:  "EUR",
		client:    common.HTTPClient(5 * time.Second),
		cache:     make(map[string][]types.PriceInterval),
		cacheTime: make(map[string]time.Time),
	}
}

func TestNordPoolPrices(t *testing.T) {
	ctx := context.Background()
	day := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)

	var requests int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		assert.Equal(t, "2025-03-10", r.URL.Query().Get("date"))
		assert.Equal(t, "NL", r.URL.Query().Get("deliveryArea"))
		assert.Equal(t, "EUR", r.URL.Query().Get("currency"))
		w.Header().Set("Content-Type", "application/json")
		if _, err := w.Write([]byte(nordpoolSample)); err != nil {
			t.Error(err)
		}
	}))
	defer server.Close()

	n := newTestNordPool(server.URL)

	prices, err := n.Prices(ctx, day)
	require.NoError(t, err)
	require.Len(t, prices, 2)

	// EUR/MWh normalized to EUR/kWh, area filtered
	assert.InDelta(t, 0.0854, prices[0].Value, 0.00001)
	assert.InDelta(t, 0.0721, prices[1].Value, 0.00001)
	assert.Equal(t, time.Date(2025, 3, 9, 23, 0, 0, 0, time.UTC), prices[0].TSStart.UTC())
	assert.Equal(t, time.Hour, prices[0].Duration())

	// second call hits the cache
	_, err = n.Prices(ctx, day)
	require.NoError(t, err)
	assert.Equal(t, 1, requests)
}

func TestNordPoolPricesUnpublished(t *testing.T) {
	ctx := context.Background()

	t.Run("No Content", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		}))
		defer server.Close()

		n := newTestNordPool(server.URL)
		prices, err := n.Prices(ctx, time.Now())
		require.NoError(t, err)
		assert.Empty(t, prices)
	})

	t.Run("Empty Body", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))
		defer server.Close()

		n := newTestNordPool(server.URL)
		prices, err := n.Prices(ctx, time.Now())
		require.NoError(t, err)
		assert.Empty(t, prices)
	})

	t.Run("Server Error", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer server.Close()

		n := newTestNordPool(server.URL)
		_, err := n.Prices(ctx, time.Now())
		assert.Error(t, err)
	})
}

func TestMapSetSource(t *testing.T) {
	m := NewMap()
	src := &staticSource{}
	m.SetSource("mock", src)

	got, err := m.Source()
	require.NoError(t, err)
	assert.Same(t, src, got)
}

func TestMapUnknownProvider(t *testing.T) {
	m := NewMap()
	m.provider = "nope"
	_, err := m.Source()
	assert.Error(t, err)
}

type staticSource struct {
	prices []types.PriceInterval
	err    error
}

func (s *staticSource) Prices(_ context.Context, _ time.Time) ([]types.PriceInterval, error) {
	return s.prices, s.err
}
