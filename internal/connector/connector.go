// Package connector maps integration-type identifiers to vendor adapters
// and wraps every adapter invocation in retry + circuit breaker.
//
// Each vendor adapter is a pure {TestConnection, Sync} pair with no shared
// state. To add a vendor, implement Adapter in
// internal/connector/adapters/<vendor>/ and call connector.Register in an
// init function; the package is blank-imported by the service binary.
package connector

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Config is the integration's stored configuration as passed to adapters:
// base URL, credentials and vendor-specific settings.
type Config map[string]any

// StringValue returns a string-typed config field, or "".
func (c Config) StringValue(key string) string {
	if v, ok := c[key].(string); ok {
		return v
	}
	return ""
}

// TestResult is the advisory outcome of a connectivity test. It is a
// result object, never an error: UI flows render it inline.
type TestResult struct {
	Success bool           `json:"success"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	// CircuitOpen marks a fast-fail while the vendor's breaker is open,
	// so callers can present "temporarily unavailable".
	CircuitOpen bool `json:"circuitOpen,omitempty"`
	// Pending marks an integration type whose adapter is not implemented
	// yet; the configuration itself is accepted.
	Pending bool `json:"pending,omitempty"`
}

// SyncItem is one record collected by a vendor sync.
type SyncItem struct {
	Kind  string         `json:"kind"`
	Title string         `json:"title"`
	Data  map[string]any `json:"data,omitempty"`
}

// SyncResult is the outcome of a full vendor sync.
type SyncResult struct {
	ItemsCollected int        `json:"itemsCollected"`
	Items          []SyncItem `json:"items,omitempty"`
	// Error marks an empty result for integration types without an
	// implemented adapter.
	Error string `json:"error,omitempty"`
}

// Adapter is one vendor's integration shim.
type Adapter interface {
	TestConnection(ctx context.Context, cfg Config) (TestResult, error)
	Sync(ctx context.Context, cfg Config) (SyncResult, error)
}

var (
	mu       sync.RWMutex
	adapters = make(map[string]Adapter)
)

// Register adds a vendor adapter for an integration type. Panics on
// duplicate registration; registration happens at init time only.
func Register(integrationType string, adapter Adapter) {
	mu.Lock()
	defer mu.Unlock()
	if _, exists := adapters[integrationType]; exists {
		panic(fmt.Sprintf("connector: adapter for %q already registered", integrationType))
	}
	adapters[integrationType] = adapter
}

// Lookup returns the adapter for an integration type.
func Lookup(integrationType string) (Adapter, bool) {
	mu.RLock()
	defer mu.RUnlock()
	adapter, ok := adapters[integrationType]
	return adapter, ok
}

// Types returns the registered integration types in sorted order.
func Types() []string {
	mu.RLock()
	defer mu.RUnlock()
	types := make([]string, 0, len(adapters))
	for integrationType := range adapters {
		types = append(types, integrationType)
	}
	sort.Strings(types)
	return types
}
