package clients

import (
	"sort"
	"sync"

	"marketplace-sync-service/internal/models"
)

// Registry maps marketplace identifiers to their adapters. Adding a
// marketplace means registering one more adapter; callers never switch on
// the marketplace themselves.
type Registry struct {
	mu       sync.RWMutex
	adapters map[models.Marketplace]Adapter
}

// NewRegistry creates a registry pre-populated with the given adapters
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[models.Marketplace]Adapter)}
	for _, a := range adapters {
		r.Register(a)
	}
	return r
}

// Register adds or replaces the adapter for its marketplace
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Marketplace()] = a
}

// Get returns the adapter for a marketplace or an UnsupportedMarketplaceError
func (r *Registry) Get(m models.Marketplace) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[m]
	if !ok {
		return nil, &UnsupportedMarketplaceError{Marketplace: string(m)}
	}
	return a, nil
}

// Marketplaces returns the registered identifiers in stable order
func (r *Registry) Marketplaces() []models.Marketplace {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.Marketplace, 0, len(r.adapters))
	for m := range r.adapters {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
