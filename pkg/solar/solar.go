// Package solar provides a solar production forecast used to skip charge
// windows on days where the panels are expected to fill the battery anyway.
package solar

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Plane describes a single panel plane for the forecast API.
type Plane struct {
	Latitude    float64
	Longitude   float64
	Declination float64
	Azimuth     float64
	KWp         float64
}

// ParsePlanes parses a plane list of the form
// "lat,lon,declination,azimuth,kwp[;lat,lon,...]".
func ParsePlanes(s string) ([]Plane, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	var planes []Plane
	for _, part := range strings.Split(s, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		fields := strings.Split(part, ",")
		if len(fields) != 5 {
			return nil, fmt.Errorf("plane %q: expected 5 comma-separated values", part)
		}
		vals := make([]float64, 5)
		for i, f := range fields {
			v, err := strconv.ParseFloat(strings.TrimSpace(f), 64)
			if err != nil {
				return nil, fmt.Errorf("plane %q: %w", part, err)
			}
			vals[i] = v
		}
		planes = append(planes, Plane{
			Latitude:    vals[0],
			Longitude:   vals[1],
			Declination: vals[2],
			Azimuth:     vals[3],
			KWp:         vals[4],
		})
	}
	return planes, nil
}

// Point is a single forecasted production interval.
type Point struct {
	Timestamp time.Time
	Watts     float64
	WattHours float64
}

// Forecast is the aggregated production forecast for one day.
type Forecast struct {
	Points []Point
}

// TotalWh returns the forecasted production for the whole day in Wh.
func (f *Forecast) TotalWh() float64 {
	var total float64
	for _, p := range f.Points {
		total += p.WattHours
	}
	return total
}

// RemainingWh returns the forecasted production in Wh from the given time
// onwards.
func (f *Forecast) RemainingWh(from time.Time) float64 {
	var total float64
	for _, p := range f.Points {
		if !p.Timestamp.Before(from) {
			total += p.WattHours
		}
	}
	return total
}

// merge sums another plane's points into an aggregation map keyed by
// timestamp and returns the combined, sorted forecast.
func aggregate(perPlane [][]Point) *Forecast {
	byTS := make(map[int64]*Point)
	for _, points := range perPlane {
		for _, p := range points {
			key := p.Timestamp.Unix()
			if existing, ok := byTS[key]; ok {
				existing.Watts += p.Watts
				existing.WattHours += p.WattHours
			} else {
				cp := p
				byTS[key] = &cp
			}
		}
	}
	f := &Forecast{Points: make([]Point, 0, len(byTS))}
	for _, p := range byTS {
		f.Points = append(f.Points, *p)
	}
	sort.Slice(f.Points, func(i, j int) bool {
		return f.Points[i].Timestamp.Before(f.Points[j].Timestamp)
	})
	return f
}
