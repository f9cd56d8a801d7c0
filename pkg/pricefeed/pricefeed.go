package pricefeed

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/wattwindow/wattwindow/pkg/types"
)

// Source defines the interface for fetching day-ahead energy prices.
type Source interface {
	// Prices returns the normalized price series for the local day
	// containing day. A day whose prices are not yet published returns an
	// empty series, not an error.
	Prices(ctx context.Context, day time.Time) ([]types.PriceInterval, error)
}

// Configured sets up the price feed sources and returns a Map.
func Configured() *Map {
	m := NewMap()
	provider := lflag.String("pricefeed-provider", "nordpool", "Price feed to use (available: nordpool, entsoe)")
	m.baseNordPool = configuredNordPool()
	m.baseENTSOE = configuredENTSOE()

	lflag.Do(func() {
		m.provider = *provider
	})

	return m
}

// Map manages price feed sources.
type Map struct {
	mu           sync.Mutex
	provider     string
	baseNordPool *NordPool
	baseENTSOE   *ENTSOE
	sources      map[string]Source
}

// NewMap creates a new price feed Map.
func NewMap() *Map {
	return &Map{
		sources: make(map[string]Source),
	}
}

// Source returns the configured price feed source.
func (m *Map) Source() (Source, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.sources[m.provider]; ok {
		return s, nil
	}

	switch m.provider {
	case "nordpool":
		if m.baseNordPool == nil {
			return nil, fmt.Errorf("nordpool source not configured")
		}
		if err := m.baseNordPool.Validate(); err != nil {
			return nil, err
		}
		m.sources[m.provider] = m.baseNordPool
		return m.baseNordPool, nil
	case "entsoe":
		if m.baseENTSOE == nil {
			return nil, fmt.Errorf("entsoe source not configured")
		}
		if err := m.baseENTSOE.Validate(); err != nil {
			return nil, err
		}
		m.sources[m.provider] = m.baseENTSOE
		return m.baseENTSOE, nil
	default:
		return nil, fmt.Errorf("unknown price feed provider: %s", m.provider)
	}
}

// SetSource sets a mock source for testing.
func (m *Map) SetSource(name string, source Source) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.provider = name
	m.sources[name] = source
}
