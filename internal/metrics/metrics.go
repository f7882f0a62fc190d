// Package metrics exposes the Prometheus instruments for the sync engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// VendorCalls counts completed vendor HTTP calls by integration target
	// and outcome (success/failure), for operational dashboards.
	VendorCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "evidence_sync_vendor_calls_total",
		Help: "Completed vendor HTTP calls by integration target and status",
	}, []string{"integration", "status"})

	// CollectorRuns counts completed collector runs by terminal status.
	CollectorRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "evidence_sync_collector_runs_total",
		Help: "Completed collector runs by terminal status",
	}, []string{"status"})

	// BreakerTransitions counts circuit breaker open/close transitions.
	BreakerTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "evidence_sync_breaker_transitions_total",
		Help: "Circuit breaker state transitions by target and new state",
	}, []string{"integration", "state"})

	// SchedulerPolls counts scheduler ticks by disposition (run/skipped).
	SchedulerPolls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "evidence_sync_scheduler_polls_total",
		Help: "Scheduler polls by disposition",
	}, []string{"disposition"})
)
