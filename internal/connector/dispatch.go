package connector

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/evidentia-grc/evidentia/internal/metrics"
	"github.com/evidentia-grc/evidentia/internal/resilience"
)

// BreakerKey derives the breaker identity for an integration type. Fault
// isolation is per vendor, not per collector configuration: multiple
// collectors pointed at the same vendor share one breaker.
func BreakerKey(integrationType string) string {
	return "integration:" + integrationType
}

// Dispatcher routes testConnection/sync calls to the registered vendor
// adapter, wrapped in retry + circuit breaker.
type Dispatcher struct {
	breakers *resilience.Registry
	fast     resilience.Policy
	standard resilience.Policy
	lookup   func(string) (Adapter, bool)
}

// NewDispatcher wires a dispatcher against an explicitly constructed
// breaker registry.
func NewDispatcher(breakers *resilience.Registry) *Dispatcher {
	return &Dispatcher{
		breakers: breakers,
		fast:     resilience.FastPolicy(),
		standard: resilience.StandardPolicy(),
		lookup:   Lookup,
	}
}

// WithAdapterTable overrides adapter lookup, for tests.
func (d *Dispatcher) WithAdapterTable(table map[string]Adapter) *Dispatcher {
	d.lookup = func(integrationType string) (Adapter, bool) {
		adapter, ok := table[integrationType]
		return adapter, ok
	}
	return d
}

// TestConnection runs the vendor's connectivity test through the fast
// retry profile inside the breaker. Advisory: breaker and timeout errors
// are translated into a structured failure result rather than raised.
// Unknown integration types degrade to an accepted-pending result.
func (d *Dispatcher) TestConnection(ctx context.Context, integrationType string, cfg Config) TestResult {
	adapter, ok := d.lookup(integrationType)
	if !ok {
		return TestResult{
			Success: true,
			Pending: true,
			Message: fmt.Sprintf("configuration validated, %s connector implementation pending", integrationType),
		}
	}

	breaker := d.breakers.GetOrCreate(BreakerKey(integrationType))
	if breaker.State() == resilience.StateOpen {
		return openCircuitResult(integrationType)
	}

	result, err := resilience.Call(breaker, ctx, func(callCtx context.Context) (TestResult, error) {
		return d.testOnce(callCtx, adapter, integrationType, cfg)
	})
	if err != nil {
		switch {
		case errors.Is(err, resilience.ErrBreakerOpen):
			return openCircuitResult(integrationType)
		case errors.Is(err, resilience.ErrCallTimeout):
			return TestResult{Success: false, Message: fmt.Sprintf("%s did not respond in time", integrationType)}
		default:
			return TestResult{Success: false, Message: err.Error()}
		}
	}
	return result
}

func (d *Dispatcher) testOnce(ctx context.Context, adapter Adapter, integrationType string, cfg Config) (TestResult, error) {
	result, err := resilience.Do(ctx, d.fast, func(attemptCtx context.Context) (TestResult, error) {
		r, err := adapter.TestConnection(attemptCtx, cfg)
		recordVendorCall(integrationType, err == nil && r.Success)
		if err != nil {
			return r, err
		}
		return r, nil
	})
	if err != nil {
		return TestResult{}, err
	}
	return result, nil
}

// Sync runs the vendor's full sync through the standard retry profile
// inside the breaker. Unlike TestConnection this is a pipeline step: on
// failure it returns an error the caller treats as fatal for that run.
// Unknown integration types yield an explicit empty-result-with-error
// marker so the platform stays usable for vendors without an adapter.
func (d *Dispatcher) Sync(ctx context.Context, integrationType string, cfg Config) (SyncResult, error) {
	adapter, ok := d.lookup(integrationType)
	if !ok {
		zap.S().Infof("No adapter registered for integration type %s, returning empty sync result", integrationType)
		return SyncResult{Error: fmt.Sprintf("connector for %s is not implemented", integrationType)}, nil
	}

	breaker := d.breakers.GetOrCreate(BreakerKey(integrationType))
	result, err := resilience.Call(breaker, ctx, func(callCtx context.Context) (SyncResult, error) {
		return resilience.Do(callCtx, d.standard, func(attemptCtx context.Context) (SyncResult, error) {
			r, syncErr := adapter.Sync(attemptCtx, cfg)
			recordVendorCall(integrationType, syncErr == nil)
			return r, syncErr
		})
	})
	if err != nil {
		return SyncResult{}, fmt.Errorf("sync of %s failed: %w", integrationType, err)
	}
	return result, nil
}

// Breakers exposes the registry for the admin endpoints.
func (d *Dispatcher) Breakers() *resilience.Registry {
	return d.breakers
}

func openCircuitResult(integrationType string) TestResult {
	return TestResult{
		Success:     false,
		CircuitOpen: true,
		Message:     fmt.Sprintf("%s is temporarily unavailable (circuit open)", integrationType),
	}
}

func recordVendorCall(integrationType string, success bool) {
	status := "success"
	if !success {
		status = "failure"
	}
	metrics.VendorCalls.WithLabelValues(integrationType, status).Inc()
}
