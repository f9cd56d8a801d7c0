package solar

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/sixdouglas/suncalc"
	"github.com/wattwindow/wattwindow/pkg/common"
	"github.com/wattwindow/wattwindow/pkg/log"
)

// Client fetches production estimates from the Forecast.Solar API and
// aggregates them across all configured planes.
type Client struct {
	apiURL string
	apiKey string
	planes []Plane
	client *http.Client

	mu        sync.Mutex
	cache     map[string]*Forecast
	cacheTime map[string]time.Time
}

// Configured sets up flags for the Forecast.Solar client and returns the
// instance. It uses lflag to register command-line flags for configuration.
func Configured() *Client {
	c := &Client{
		client:    common.HTTPClient(15 * time.Second),
		cache:     make(map[string]*Forecast),
		cacheTime: make(map[string]time.Time),
	}
	apiURL := lflag.String("solar-api-url", "https://api.forecast.solar", "URL for the Forecast.Solar API")
	apiKey := lflag.String("solar-api-key", "", "Optional Forecast.Solar API key for the paid tiers")
	planes := lflag.String("solar-planes", "", "Panel planes as lat,lon,declination,azimuth,kwp separated by semicolons")

	lflag.Do(func() {
		c.apiURL = *apiURL
		c.apiKey = *apiKey
		parsed, err := ParsePlanes(*planes)
		if err != nil {
			log.Ctx(context.Background()).Error("invalid solar-planes value", slog.Any("error", err))
		}
		c.planes = parsed
	})

	return c
}

// Validate ensures the configuration is valid.
func (c *Client) Validate() error {
	if c.apiURL == "" {
		return fmt.Errorf("solar-api-url is required")
	}
	if _, err := url.Parse(c.apiURL); err != nil {
		return fmt.Errorf("failed to parse solar url (%s): %w", c.apiURL, err)
	}
	if len(c.planes) == 0 {
		return fmt.Errorf("solar-planes is required")
	}
	return nil
}

// Planes reports whether any panel planes are configured.
func (c *Client) Planes() int {
	return len(c.planes)
}

// estimateResponse represents the JSON returned by Forecast.Solar. The
// watts and watt_hours_period maps are keyed by local timestamps.
type estimateResponse struct {
	Result struct {
		Watts           map[string]float64 `json:"watts"`
		WattHoursPeriod map[string]float64 `json:"watt_hours_period"`
	} `json:"result"`
	Message struct {
		Code int    `json:"code"`
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"message"`
}

// Forecast returns the aggregated production forecast for the given local
// day. Responses are cached for an hour; the public API tier is heavily
// rate limited.
func (c *Client) Forecast(ctx context.Context, day time.Time) (*Forecast, error) {
	dateStr := day.Format("2006-01-02")

	c.mu.Lock()
	if fetched, ok := c.cacheTime[dateStr]; ok && time.Since(fetched) < time.Hour {
		f := c.cache[dateStr]
		c.mu.Unlock()
		return f, nil
	}
	c.mu.Unlock()

	perPlane := make([][]Point, 0, len(c.planes))
	for _, p := range c.planes {
		points, err := c.planeForecast(ctx, p, day)
		if err != nil {
			return nil, err
		}
		perPlane = append(perPlane, boundDaylight(points, p, day))
	}
	f := aggregate(perPlane)

	log.Ctx(ctx).DebugContext(
		ctx,
		"fetched solar forecast",
		slog.String("date", dateStr),
		slog.Int("planes", len(c.planes)),
		slog.Int("points", len(f.Points)),
		slog.Float64("totalWh", f.TotalWh()),
	)

	c.mu.Lock()
	c.cache[dateStr] = f
	c.cacheTime[dateStr] = time.Now()
	c.mu.Unlock()

	return f, nil
}

func (c *Client) planeForecast(ctx context.Context, p Plane, day time.Time) ([]Point, error) {
	base := strings.TrimRight(c.apiURL, "/")
	if c.apiKey != "" {
		base += "/" + c.apiKey
	}
	u := fmt.Sprintf("%s/estimate/%g/%g/%g/%g/%g", base, p.Latitude, p.Longitude, p.Declination, p.Azimuth, p.KWp)

	req, err := http.NewRequestWithContext(ctx, "GET", u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	log.Ctx(ctx).DebugContext(ctx, "fetching solar estimate", slog.String("url", u))

	resp, err := c.client.Do(req)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to fetch solar estimate", slog.Any("error", err))
		return nil, fmt.Errorf("failed to fetch estimate: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, fmt.Errorf("solar api rate limited")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("solar api returned status: %d", resp.StatusCode)
	}

	var data estimateResponse
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to decode solar response", slog.Any("error", err))
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	dateStr := day.Format("2006-01-02")
	var points []Point
	for tsStr, wh := range data.Result.WattHoursPeriod {
		if !strings.HasPrefix(tsStr, dateStr) {
			continue
		}
		ts, err := time.ParseInLocation("2006-01-02 15:04:05", tsStr, day.Location())
		if err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to parse solar timestamp", slog.String("value", tsStr), slog.Any("error", err))
			continue
		}
		points = append(points, Point{
			Timestamp: ts,
			Watts:     data.Result.Watts[tsStr],
			WattHours: wh,
		})
	}
	return points, nil
}

// boundDaylight drops forecast points outside the plane's local sunrise
// and sunset. The API occasionally reports stray nonzero values in the
// dark hours.
func boundDaylight(points []Point, p Plane, day time.Time) []Point {
	times := suncalc.GetTimes(day, p.Latitude, p.Longitude)
	sunrise := times["sunrise"].Value
	sunset := times["sunset"].Value
	if sunrise.IsZero() || sunset.IsZero() {
		return points
	}
	bounded := points[:0]
	for _, pt := range points {
		if pt.Timestamp.Before(sunrise) || pt.Timestamp.After(sunset) {
			continue
		}
		bounded = append(bounded, pt)
	}
	return bounded
}
