package resilience

import (
	"sync"
)

// Registry lazily creates and caches one breaker per integration target
// key. It is constructed explicitly and passed by reference to the
// dispatch layer and the admin API, never held as a package-level
// singleton, so tests can instantiate isolated registries.
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*Breaker
	defaults BreakerConfig
}

// NewRegistry creates an empty registry. defaults is applied to every
// breaker created without an explicit config.
func NewRegistry(defaults BreakerConfig) *Registry {
	return &Registry{
		breakers: make(map[string]*Breaker),
		defaults: defaults,
	}
}

// GetOrCreate returns the breaker for key, constructing it with the
// registry defaults on first reference. Idempotent keyed factory: the
// config of an existing breaker is never updated.
func (r *Registry) GetOrCreate(key string) *Breaker {
	return r.GetOrCreateWithConfig(key, r.defaults)
}

// GetOrCreateWithConfig is GetOrCreate with a per-target config, applied
// only when the breaker does not exist yet.
func (r *Registry) GetOrCreateWithConfig(key string, cfg BreakerConfig) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[key]; ok {
		return b
	}
	b := NewBreaker(key, cfg)
	r.breakers[key] = b
	return b
}

// Get returns the breaker for key if one has been created.
func (r *Registry) Get(key string) (*Breaker, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[key]
	return b, ok
}

// Stats returns a snapshot of every breaker keyed by target.
func (r *Registry) Stats() map[string]BreakerStats {
	r.mu.Lock()
	breakers := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		breakers = append(breakers, b)
	}
	r.mu.Unlock()

	stats := make(map[string]BreakerStats, len(breakers))
	for _, b := range breakers {
		stats[b.Key()] = b.Stats()
	}
	return stats
}

// Reset forces the breaker for key closed. Returns false if no breaker
// exists for key.
func (r *Registry) Reset(key string) bool {
	b, ok := r.Get(key)
	if !ok {
		return false
	}
	b.Reset()
	return true
}

// ResetAll forces every known breaker closed.
func (r *Registry) ResetAll() {
	r.mu.Lock()
	breakers := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		breakers = append(breakers, b)
	}
	r.mu.Unlock()

	for _, b := range breakers {
		b.Reset()
	}
}
