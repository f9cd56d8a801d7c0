package pricefeed

import (
	"context"
	"encoding/xml"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/wattwindow/wattwindow/pkg/common"
	"github.com/wattwindow/wattwindow/pkg/log"
	"github.com/wattwindow/wattwindow/pkg/types"
)

// ENTSOE implements the Source interface against the ENTSO-E transparency
// platform day-ahead price document (documentType A44).
type ENTSOE struct {
	apiURL string
	token  string
	domain string
	client *http.Client
}

// configuredENTSOE sets up flags for ENTSO-E and returns the instance.
func configuredENTSOE() *ENTSOE {
	e := &ENTSOE{
		client: common.HTTPClient(30 * time.Second),
	}
	apiURL := lflag.String("entsoe-api-url", "https://web-api.tp.entsoe.eu/api", "URL for the ENTSO-E transparency API")
	token := lflag.String("entsoe-token", "", "Security token for the ENTSO-E API")
	domain := lflag.String("entsoe-domain", "10YNL----------L", "ENTSO-E bidding zone domain (EIC code)")

	lflag.Do(func() {
		e.apiURL = *apiURL
		e.token = *token
		e.domain = *domain
	})

	return e
}

// Validate ensures the configuration is valid.
func (e *ENTSOE) Validate() error {
	if e.apiURL == "" {
		return fmt.Errorf("entsoe-api-url is required")
	}
	if _, err := url.Parse(e.apiURL); err != nil {
		return fmt.Errorf("failed to parse entsoe url (%s): %w", e.apiURL, err)
	}
	if e.token == "" {
		return fmt.Errorf("entsoe-token is required")
	}
	if e.domain == "" {
		return fmt.Errorf("entsoe-domain is required")
	}
	return nil
}

// publicationMarketDocument is the subset of the A44 XML document we need.
type publicationMarketDocument struct {
	XMLName    xml.Name           `xml:"Publication_MarketDocument"`
	TimeSeries []entsoeTimeSeries `xml:"TimeSeries"`
}

type entsoeTimeSeries struct {
	CurrencyUnitName     string       `xml:"currency_Unit.name"`
	PriceMeasureUnitName string       `xml:"price_Measure_Unit.name"`
	CurveType            string       `xml:"curveType"`
	Period               entsoePeriod `xml:"Period"`
}

type entsoePeriod struct {
	TimeInterval entsoeTimeInterval `xml:"timeInterval"`
	Resolution   string             `xml:"resolution"`
	Points       []entsoePoint      `xml:"Point"`
}

type entsoeTimeInterval struct {
	Start string `xml:"start"`
	End   string `xml:"end"`
}

type entsoePoint struct {
	Position int     `xml:"position"`
	Price    float64 `xml:"price.amount"`
}

// Prices returns the normalized day-ahead series for the given local day.
func (e *ENTSOE) Prices(ctx context.Context, day time.Time) ([]types.PriceInterval, error) {
	dayStart := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, day.Location())
	dayEnd := dayStart.AddDate(0, 0, 1)

	u, err := url.Parse(e.apiURL)
	if err != nil {
		return nil, fmt.Errorf("invalid api url: %w", err)
	}
	params := url.Values{}
	params.Set("securityToken", e.token)
	params.Set("documentType", "A44")
	params.Set("in_Domain", e.domain)
	params.Set("out_Domain", e.domain)
	params.Set("periodStart", dayStart.UTC().Format("200601021504"))
	params.Set("periodEnd", dayEnd.UTC().Format("200601021504"))
	u.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, "GET", u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	log.Ctx(ctx).DebugContext(ctx, "fetching prices from entsoe", slog.String("domain", e.domain), slog.Time("day", dayStart))

	resp, err := e.client.Do(req)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to fetch entsoe prices", slog.Any("error", err))
		return nil, fmt.Errorf("failed to fetch prices: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("entsoe api returned status: %d", resp.StatusCode)
	}

	var doc publicationMarketDocument
	if err := xml.NewDecoder(resp.Body).Decode(&doc); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to decode entsoe response", slog.Any("error", err))
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	prices, err := decodeMarketDocument(ctx, &doc, day.Location())
	if err != nil {
		return nil, err
	}

	// keep only the requested day; the platform may return adjacent periods
	var filtered []types.PriceInterval
	for _, p := range prices {
		if p.TSStart.Before(dayStart) || !p.TSStart.Before(dayEnd) {
			continue
		}
		filtered = append(filtered, p)
	}

	log.Ctx(ctx).DebugContext(
		ctx,
		"fetched entsoe prices",
		slog.Time("day", dayStart),
		slog.Int("count", len(filtered)),
	)
	return filtered, nil
}

// decodeMarketDocument flattens an A44 document into normalized intervals.
// Prices arrive in currency/MWh. Documents with curve type A03 omit points
// whose price repeats the previous position, so gaps are filled forward.
func decodeMarketDocument(ctx context.Context, doc *publicationMarketDocument, loc *time.Location) ([]types.PriceInterval, error) {
	var prices []types.PriceInterval
	for _, ts := range doc.TimeSeries {
		resolution, err := parseISO8601Duration(ts.Period.Resolution)
		if err != nil {
			return nil, fmt.Errorf("failed to parse resolution: %w", err)
		}
		start, err := parseENTSOETime(ts.Period.TimeInterval.Start)
		if err != nil {
			return nil, fmt.Errorf("failed to parse period start: %w", err)
		}
		end, err := parseENTSOETime(ts.Period.TimeInterval.End)
		if err != nil {
			return nil, fmt.Errorf("failed to parse period end: %w", err)
		}
		positions := int(end.Sub(start) / resolution)

		byPosition := make(map[int]float64, len(ts.Period.Points))
		for _, pt := range ts.Period.Points {
			byPosition[pt.Position] = pt.Price
		}

		var last float64
		var seen bool
		for pos := 1; pos <= positions; pos++ {
			price, ok := byPosition[pos]
			if !ok {
				if !seen {
					log.Ctx(ctx).WarnContext(ctx, "entsoe period missing first position", slog.Time("start", start))
					continue
				}
				// forward-fill gap
				price = last
			}
			last = price
			seen = true

			ivStart := start.Add(time.Duration(pos-1) * resolution).In(loc)
			prices = append(prices, types.PriceInterval{
				TSStart: ivStart,
				TSEnd:   ivStart.Add(resolution),
				// currency/MWh to currency/kWh
				Value: price / 1000,
			})
		}
	}

	sort.Slice(prices, func(i, j int) bool {
		return prices[i].TSStart.Before(prices[j].TSStart)
	})
	return prices, nil
}

// parseENTSOETime parses the timestamp formats used in ENTSO-E documents.
func parseENTSOETime(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04Z", "2006-01-02T15:04Z07:00"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unable to parse time string: %s", s)
}

// parseISO8601Duration parses the subset of ISO 8601 durations ENTSO-E
// uses for resolutions (PT15M, PT30M, PT60M, P1D).
func parseISO8601Duration(s string) (time.Duration, error) {
	switch {
	case s == "P1D":
		return 24 * time.Hour, nil
	case strings.HasPrefix(s, "PT") && strings.HasSuffix(s, "M"):
		minutes, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(s, "PT"), "M"))
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q: %w", s, err)
		}
		return time.Duration(minutes) * time.Minute, nil
	case strings.HasPrefix(s, "PT") && strings.HasSuffix(s, "H"):
		hours, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(s, "PT"), "H"))
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q: %w", s, err)
		}
		return time.Duration(hours) * time.Hour, nil
	}
	return 0, fmt.Errorf("unsupported duration: %s", s)
}
