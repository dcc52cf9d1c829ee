package exchange

import (
	"fmt"

	"trade-execution-core/config"
)

// Registry maps venue names to their adapters.
type Registry struct {
	adapters map[string]Adapter
}

// NewRegistry builds adapters for every supported venue from the
// exchange configuration.
func NewRegistry(cfg config.ExchangeConfig) *Registry {
	return &Registry{
		adapters: map[string]Adapter{
			VenueBinance: NewBinanceAdapter(cfg.BinanceBaseURL, cfg.RequestTimeout),
			VenueBybit:   NewBybitAdapter(cfg.BybitBaseURL, cfg.RequestTimeout),
		},
	}
}

// NewRegistryWith builds a registry from explicit adapters. Tests use
// this to install mocks.
func NewRegistryWith(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[string]Adapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[a.Venue()] = a
	}
	return r
}

// Get returns the adapter for a venue.
func (r *Registry) Get(venue string) (Adapter, error) {
	a, ok := r.adapters[venue]
	if !ok {
		return nil, fmt.Errorf("unsupported venue: %s", venue)
	}
	return a, nil
}

// Venues lists the registered venue names.
func (r *Registry) Venues() []string {
	venues := make([]string, 0, len(r.adapters))
	for v := range r.adapters {
		venues = append(venues, v)
	}
	return venues
}
