package multibuilder

import (
	"sort"
	"sync"
)

type registryEntry struct {
	endpoint BuilderEndpoint
	// order is the registration sequence number, used as the tie breaker
	order int
}

// Registry is the catalog of known builders, keyed by builder id.
// It is read on every submission and written only by admin actions, hence the RWMutex.
type Registry struct {
	mu        sync.RWMutex
	builders  map[string]*registryEntry
	nextOrder int
}

func NewRegistry(endpoints ...BuilderEndpoint) *Registry {
	r := &Registry{
		builders: make(map[string]*registryEntry, len(endpoints)),
	}
	for _, e := range endpoints {
		r.RegisterBuilder(e)
	}
	return r
}

// RegisterBuilder inserts the endpoint or overwrites the one with the same id.
// An overwrite keeps the original registration order.
func (r *Registry) RegisterBuilder(endpoint BuilderEndpoint) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if entry, ok := r.builders[endpoint.ID]; ok {
		entry.endpoint = endpoint.clone()
		return
	}
	r.builders[endpoint.ID] = &registryEntry{endpoint: endpoint.clone(), order: r.nextOrder}
	r.nextOrder++
}

func (r *Registry) GetBuilder(id string) (BuilderEndpoint, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.builders[id]
	if !ok {
		return BuilderEndpoint{}, false
	}
	return entry.endpoint.clone(), true
}

// Activate marks the builder active. Unknown ids are ignored.
func (r *Registry) Activate(id string) {
	r.setActive(id, true)
}

// Deactivate marks the builder inactive. Unknown ids are ignored.
func (r *Registry) Deactivate(id string) {
	r.setActive(id, false)
}

func (r *Registry) setActive(id string, active bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if entry, ok := r.builders[id]; ok {
		entry.endpoint.Active = active
	}
}

// sorted returns copies of the entries matching filter, in registration order.
func (r *Registry) sorted(filter func(*BuilderEndpoint) bool) []*registryEntry {
	r.mu.RLock()
	entries := make([]*registryEntry, 0, len(r.builders))
	for _, entry := range r.builders {
		if filter != nil && !filter(&entry.endpoint) {
			continue
		}
		entries = append(entries, &registryEntry{endpoint: entry.endpoint.clone(), order: entry.order})
	}
	r.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].order < entries[j].order
	})
	return entries
}

func endpoints(entries []*registryEntry) []BuilderEndpoint {
	res := make([]BuilderEndpoint, len(entries))
	for i, entry := range entries {
		res[i] = entry.endpoint
	}
	return res
}

func isActive(e *BuilderEndpoint) bool {
	return e.Active
}

// GetAllBuilders returns every registered builder in registration order.
func (r *Registry) GetAllBuilders() []BuilderEndpoint {
	return endpoints(r.sorted(nil))
}

// GetActiveBuilders returns active builders in registration order.
func (r *Registry) GetActiveBuilders() []BuilderEndpoint {
	return endpoints(r.sorted(isActive))
}

// GetTopBuilders returns up to n active builders with the highest market share, descending.
// Equal shares keep registration order.
func (r *Registry) GetTopBuilders(n int) []BuilderEndpoint {
	if n <= 0 {
		return []BuilderEndpoint{}
	}
	entries := r.sorted(isActive)
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].endpoint.MarketShare > entries[j].endpoint.MarketShare
	})
	if len(entries) > n {
		entries = entries[:n]
	}
	return endpoints(entries)
}

// GetBuildersByPriority returns active builders sorted by priority, highest first.
func (r *Registry) GetBuildersByPriority() []BuilderEndpoint {
	entries := r.sorted(isActive)
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].endpoint.Priority > entries[j].endpoint.Priority
	})
	return endpoints(entries)
}

// GetTotalMarketShare sums the market share of the given builders.
func (r *Registry) GetTotalMarketShare(builders []BuilderEndpoint) float64 {
	total := 0.0
	for _, b := range builders {
		total += b.MarketShare
	}
	return total
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.builders)
}

// SortByPriority orders builders by priority, highest first, keeping the input order for ties.
func SortByPriority(builders []BuilderEndpoint) []BuilderEndpoint {
	out := append([]BuilderEndpoint(nil), builders...)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Priority > out[j].Priority
	})
	return out
}
