package types

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ClockMinutes parses an "HH:MM" string into minutes since midnight.
func ClockMinutes(s string) (int, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return 0, fmt.Errorf("invalid clock time %q: expected HH:MM", s)
	}
	hours, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, fmt.Errorf("invalid clock time %q: %w", s, err)
	}
	minutes, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, fmt.Errorf("invalid clock time %q: %w", s, err)
	}
	if hours < 0 || hours > 23 {
		return 0, fmt.Errorf("invalid clock time %q: hour out of range", s)
	}
	if minutes < 0 || minutes > 59 {
		return 0, fmt.Errorf("invalid clock time %q: minute out of range", s)
	}
	return hours*60 + minutes, nil
}

// ClockRange is a half-open [Start, End) range of minutes within a day.
// A range whose end is before its start wraps past midnight. Start == End
// is an empty range.
type ClockRange struct {
	Start int
	End   int
}

// ParseClockRange parses a pair of "HH:MM" strings into a ClockRange.
func ParseClockRange(start, end string) (ClockRange, error) {
	s, err := ClockMinutes(start)
	if err != nil {
		return ClockRange{}, err
	}
	e, err := ClockMinutes(end)
	if err != nil {
		return ClockRange{}, err
	}
	return ClockRange{Start: s, End: e}, nil
}

// Contains returns true if t's local wall-clock time falls within the range.
func (c ClockRange) Contains(t time.Time) bool {
	if c.Start == c.End {
		return false
	}
	m := t.Hour()*60 + t.Minute()
	if c.Start < c.End {
		return m >= c.Start && m < c.End
	}
	// wraps past midnight
	return m >= c.Start || m < c.End
}
