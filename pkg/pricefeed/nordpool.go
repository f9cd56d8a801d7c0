package pricefeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/wattwindow/wattwindow/pkg/common"
	"github.com/wattwindow/wattwindow/pkg/log"
	"github.com/wattwindow/wattwindow/pkg/types"
)

// NordPool implements the Source interface against the Nord Pool
// day-ahead data portal. Prices arrive in currency/MWh and are normalized
// to currency/kWh.
type NordPool struct {
	apiURL   string
	area     string
	market   string
	currency string
	client   *http.Client

	mu        sync.Mutex
	cache     map[string][]types.PriceInterval
	cacheTime map[string]time.Time
}

// configuredNordPool sets up flags for Nord Pool and returns the instance.
// It uses lflag to register command-line flags for configuration.
func configuredNordPool() *NordPool {
	n := &NordPool{
		client:    common.HTTPClient(10 * time.Second),
		cache:     make(map[string][]types.PriceInterval),
		cacheTime: make(map[string]time.Time),
	}
	apiURL := lflag.String("nordpool-api-url", "https://dataportal-api.nordpoolgroup.com/api/DayAheadPrices", "URL for the Nord Pool day-ahead API")
	area := lflag.String("nordpool-area", "NL", "Nord Pool delivery area")
	market := lflag.String("nordpool-market", "DayAhead", "Nord Pool market")
	currency := lflag.String("nordpool-currency", "EUR", "Currency for Nord Pool prices")

	lflag.Do(func() {
		n.apiURL = *apiURL
		n.area = *area
		n.market = *market
		n.currency = *currency
	})

	return n
}

// Validate ensures the configuration is valid.
func (n *NordPool) Validate() error {
	if n.apiURL == "" {
		return fmt.Errorf("nordpool-api-url is required")
	}
	if _, err := url.Parse(n.apiURL); err != nil {
		return fmt.Errorf("failed to parse nordpool url (%s): %w", n.apiURL, err)
	}
	if n.area == "" {
		return fmt.Errorf("nordpool-area is required")
	}
	return nil
}

// dayAheadResponse represents the structure of the JSON returned by the
// Nord Pool data portal.
type dayAheadResponse struct {
	DeliveryDateCET  string `json:"deliveryDateCET"`
	Market           string `json:"market"`
	Currency         string `json:"currency"`
	MultiAreaEntries []struct {
		DeliveryStart string             `json:"deliveryStart"`
		DeliveryEnd   string             `json:"deliveryEnd"`
		EntryPerArea  map[string]float64 `json:"entryPerArea"`
	} `json:"multiAreaEntries"`
}

// Prices returns the normalized day-ahead series for the given local day.
// Responses are cached for 5 minutes per day.
func (n *NordPool) Prices(ctx context.Context, day time.Time) ([]types.PriceInterval, error) {
	dateStr := day.Format("2006-01-02")

	n.mu.Lock()
	if fetched, ok := n.cacheTime[dateStr]; ok && time.Since(fetched) < 5*time.Minute {
		prices := n.cache[dateStr]
		n.mu.Unlock()
		return prices, nil
	}
	n.mu.Unlock()

	u, err := url.Parse(n.apiURL)
	if err != nil {
		return nil, fmt.Errorf("invalid api url: %w", err)
	}
	params := url.Values{}
	params.Set("date", dateStr)
	params.Set("market", n.market)
	params.Set("deliveryArea", n.area)
	params.Set("currency", n.currency)
	u.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, "GET", u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	log.Ctx(ctx).DebugContext(ctx, "fetching prices from nordpool", slog.String("url", u.String()))

	resp, err := n.client.Do(req)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to fetch nordpool prices", slog.Any("error", err))
		return nil, fmt.Errorf("failed to fetch prices: %w", err)
	}
	defer resp.Body.Close()

	// the portal returns 204 until the day's auction has settled
	if resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("nordpool api returned status: %d", resp.StatusCode)
	}

	var data dayAheadResponse
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		if errors.Is(err, io.EOF) {
			// empty body: no data published for this date yet
			return nil, nil
		}
		log.Ctx(ctx).ErrorContext(ctx, "failed to decode nordpool response", slog.Any("error", err))
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	var prices []types.PriceInterval
	for _, entry := range data.MultiAreaEntries {
		price, ok := entry.EntryPerArea[n.area]
		if !ok {
			continue
		}
		start, err := time.Parse(time.RFC3339, entry.DeliveryStart)
		if err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to parse nordpool delivery start", slog.String("value", entry.DeliveryStart), slog.Any("error", err))
			continue
		}
		end, err := time.Parse(time.RFC3339, entry.DeliveryEnd)
		if err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to parse nordpool delivery end", slog.String("value", entry.DeliveryEnd), slog.Any("error", err))
			continue
		}
		prices = append(prices, types.PriceInterval{
			TSStart: start.In(day.Location()),
			TSEnd:   end.In(day.Location()),
			// currency/MWh to currency/kWh
			Value: price / 1000,
		})
	}

	sort.Slice(prices, func(i, j int) bool {
		return prices[i].TSStart.Before(prices[j].TSStart)
	})

	log.Ctx(ctx).DebugContext(
		ctx,
		"fetched nordpool prices",
		slog.String("date", dateStr),
		slog.String("area", n.area),
		slog.Int("count", len(prices)),
	)

	n.mu.Lock()
	n.cache[dateStr] = prices
	n.cacheTime[dateStr] = time.Now()
	n.mu.Unlock()

	return prices, nil
}
