// Package scheduler drives periodic execution of due evidence collectors.
package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/evidentia-grc/evidentia/internal/collector"
	"github.com/evidentia-grc/evidentia/internal/metrics"
)

// SystemUserID is the fixed system-actor identity scheduled runs execute
// under, distinct from any real user.
const SystemUserID = "system:scheduler"

// DefaultPollInterval between scheduler ticks.
const DefaultPollInterval = 5 * time.Minute

// Runner executes a single collector run. Satisfied by *collector.Pipeline.
type Runner interface {
	Run(ctx context.Context, collectorID string, organizationID string, userID string) collector.RunResult
}

// DueSource queries the collectors eligible for scheduled execution.
type DueSource interface {
	DueCollectors(ctx context.Context, now time.Time) ([]collector.Collector, error)
}

// Scheduler polls for due collectors on a fixed interval and invokes the
// execution pipeline for each sequentially. Ticks are never queued: if a
// previous poll is still executing, the tick is skipped entirely.
type Scheduler struct {
	runner   Runner
	source   DueSource
	interval time.Duration

	inFlight atomic.Bool
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// New creates a scheduler. interval <= 0 means DefaultPollInterval.
func New(runner Runner, source DueSource, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Scheduler{
		runner:   runner,
		source:   source,
		interval: interval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start runs one poll immediately, then polls every interval until Stop
// is called or ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	go func() {
		defer close(s.done)
		zap.S().Infof("Collector scheduler started, polling every %s", s.interval)

		s.Poll(ctx)

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.Poll(ctx)
			case <-s.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop cancels the timer loop and waits for an in-progress poll to drain.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.stop)
	})
	<-s.done
	zap.S().Infof("Collector scheduler stopped")
}

// Poll finds due collectors and runs them sequentially. If a previous
// poll is still executing the call is a no-op; a slow poll causes the
// next tick(s) to be skipped rather than pile up. Also serves as the
// manual "trigger now" entry point. Returns the number of collectors
// processed.
func (s *Scheduler) Poll(ctx context.Context) int {
	if !s.inFlight.CompareAndSwap(false, true) {
		zap.S().Debugf("Skipping scheduler tick, previous poll still running")
		metrics.SchedulerPolls.WithLabelValues("skipped").Inc()
		return 0
	}
	defer s.inFlight.Store(false)
	metrics.SchedulerPolls.WithLabelValues("run").Inc()

	due, err := s.source.DueCollectors(ctx, time.Now().UTC())
	if err != nil {
		zap.S().Errorf("Failed to query due collectors: %s", err)
		return 0
	}
	if len(due) == 0 {
		return 0
	}
	zap.S().Infof("Scheduler found %d due collector(s)", len(due))

	processed := 0
	for i := range due {
		c := &due[i]
		select {
		case <-ctx.Done():
			zap.S().Warnf("Scheduler poll aborted, %d of %d collectors processed", processed, len(due))
			return processed
		default:
		}

		// A failure in one collector's run is isolated; the rest of the
		// batch still executes.
		result := s.runner.Run(ctx, c.ID, c.OrganizationID, SystemUserID)
		if !result.Success {
			zap.S().Warnf("Scheduled run of collector %s failed: %s", c.ID, result.Message)
		}
		processed++
	}
	return processed
}
