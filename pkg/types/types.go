package types

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"sort"
	"time"
)

// State is the externally-visible operating state of the battery.
type State string

const (
	StateOff                 State = "off"
	StateCharge              State = "charge"
	StateDischarge           State = "discharge"
	StateDischargeAggressive State = "discharge_aggressive"
	StateIdle                State = "idle"
)

// Valid returns true if the state is one of the known states.
func (s State) Valid() bool {
	switch s {
	case StateOff, StateCharge, StateDischarge, StateDischargeAggressive, StateIdle:
		return true
	}
	return false
}

// PriceInterval is a single pricing interval from a market feed.
// Value is the price for energy delivered between TSStart (inclusive) and
// TSEnd (exclusive).
type PriceInterval struct {
	TSStart time.Time `json:"start"`
	TSEnd   time.Time `json:"end"`
	Value   float64   `json:"value"`
}

// Contains returns true if t falls within the interval [TSStart, TSEnd).
func (p PriceInterval) Contains(t time.Time) bool {
	return !t.Before(p.TSStart) && t.Before(p.TSEnd)
}

// Duration returns the length of the interval.
func (p PriceInterval) Duration() time.Duration {
	return p.TSEnd.Sub(p.TSStart)
}

// Window is a pricing interval that was selected for charging or discharging.
type Window struct {
	TSStart time.Time `json:"start"`
	TSEnd   time.Time `json:"end"`
	Price   float64   `json:"price"`
}

// Contains returns true if t falls within the window [TSStart, TSEnd).
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.TSStart) && t.Before(w.TSEnd)
}

// Selection is the result of ranking a day of price intervals.
// The three window sets are pairwise disjoint and sorted chronologically.
type Selection struct {
	// Prices holds the validated intervals the selection was computed from,
	// sorted chronologically. Downstream accounting walks these.
	Prices []PriceInterval `json:"prices,omitempty"`

	ChargeWindows              []Window `json:"chargeWindows"`
	DischargeWindows           []Window `json:"dischargeWindows"`
	AggressiveDischargeWindows []Window `json:"aggressiveDischargeWindows"`

	AvgCheapPrice     float64 `json:"avgCheapPrice"`
	AvgExpensivePrice float64 `json:"avgExpensivePrice"`

	// MinSpreadRequired is the configured overall spread threshold (percent).
	MinSpreadRequired float64 `json:"minSpreadRequired"`
	// SpreadPercentage is the measured spread between the cheap and expensive
	// candidates before any spread gate cleared a set.
	SpreadPercentage        float64 `json:"spreadPercentage"`
	SpreadMet               bool    `json:"spreadMet"`
	DischargeSpreadMet      bool    `json:"dischargeSpreadMet"`
	AggressiveSpreadMet     bool    `json:"aggressiveSpreadMet"`
	PriceOverrideActive     bool    `json:"priceOverrideActive"`
	NumWindows              int     `json:"numWindows"`
	CalculationWindowActive bool    `json:"calculationWindowActive"`
}

// Classification is the result of classifying a Selection at a point in time.
type Classification struct {
	State State `json:"state"`

	// Actual windows are those still upcoming or in progress; completed
	// windows ended at or before the classification time.
	ActualChargeWindows        []Window `json:"actualChargeWindows"`
	ActualDischargeWindows     []Window `json:"actualDischargeWindows"`
	ActualAggressiveWindows    []Window `json:"actualAggressiveWindows"`
	CompletedChargeWindows     []Window `json:"completedChargeWindows"`
	CompletedDischargeWindows  []Window `json:"completedDischargeWindows"`
	CompletedAggressiveWindows []Window `json:"completedAggressiveWindows"`

	// CompletedChargeCost is the money spent charging during completed
	// charge windows, including tax, VAT and per-kWh additional cost.
	CompletedChargeCost float64 `json:"completedChargeCost"`
	// CompletedDischargeRevenue is the money earned discharging during
	// completed discharge windows, derated by round-trip efficiency.
	CompletedDischargeRevenue float64 `json:"completedDischargeRevenue"`
	// CompletedBaseUsageCost is the cost of household base load over all
	// elapsed intervals, weighted by the per-state strategy multiplier.
	CompletedBaseUsageCost float64 `json:"completedBaseUsageCost"`
	// CompletedBaseUsageBatteryKWH is the energy the battery covered for
	// base load during elapsed intervals.
	CompletedBaseUsageBatteryKWH float64 `json:"completedBaseUsageBatteryKWH"`

	TotalCost        float64 `json:"totalCost"`
	PlannedTotalCost float64 `json:"plannedTotalCost"`

	CurrentPrice        float64 `json:"currentPrice"`
	TimeOverrideActive  bool    `json:"timeOverrideActive"`
	PriceOverrideActive bool    `json:"priceOverrideActive"`
}

// Report is a point-in-time record of what the engine computed. One is
// persisted per refresh cycle so history can be inspected later.
type Report struct {
	Timestamp     time.Time      `json:"timestamp"`
	State         State          `json:"state"`
	Today         Classification `json:"today"`
	Tomorrow      Classification `json:"tomorrow,omitempty"`
	TomorrowValid bool           `json:"tomorrowValid"`
	TotalCost     float64        `json:"totalCost"`
}

// Snapshot is the persisted view of the last refresh cycle, used to detect
// price and config changes across restarts.
type Snapshot struct {
	TodayPrices    []PriceInterval `json:"todayPrices"`
	TomorrowPrices []PriceInterval `json:"tomorrowPrices,omitempty"`
	TomorrowValid  bool            `json:"tomorrowValid"`

	TodayPricesHash    string `json:"todayPricesHash"`
	TomorrowPricesHash string `json:"tomorrowPricesHash"`
	ConfigHash         string `json:"configHash"`

	LastPriceUpdate  time.Time `json:"lastPriceUpdate"`
	LastConfigUpdate time.Time `json:"lastConfigUpdate"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// PricesHash returns a stable hash of a price series. The series is sorted
// before hashing so feed ordering doesn't produce spurious change events.
func PricesHash(prices []PriceInterval) string {
	sorted := make([]PriceInterval, len(prices))
	copy(sorted, prices)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].TSStart.Before(sorted[j].TSStart)
	})

	h := fnv.New64a()
	for _, p := range sorted {
		fmt.Fprintf(h, "%d|%d|%.9f\n", p.TSStart.UnixMilli(), p.TSEnd.UnixMilli(), p.Value)
	}
	return fmt.Sprintf("%016x", h.Sum64())
}

// hashJSON hashes the canonical JSON encoding of v. encoding/json emits
// struct fields in declaration order, so the encoding is deterministic.
func hashJSON(v interface{}) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to marshal for hashing: %w", err)
	}
	h := fnv.New64a()
	h.Write(b)
	return fmt.Sprintf("%016x", h.Sum64()), nil
}
