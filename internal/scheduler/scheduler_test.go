package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evidentia-grc/evidentia/internal/collector"
)

type fakeSource struct {
	mu       sync.Mutex
	due      []collector.Collector
	err      error
	dueCalls atomic.Int32
}

func (s *fakeSource) DueCollectors(_ context.Context, _ time.Time) ([]collector.Collector, error) {
	s.dueCalls.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.due, s.err
}

type fakeRunner struct {
	mu      sync.Mutex
	runs    []string
	results map[string]collector.RunResult
	block   chan struct{}
}

func (r *fakeRunner) Run(_ context.Context, collectorID string, _ string, userID string) collector.RunResult {
	if r.block != nil {
		<-r.block
	}
	r.mu.Lock()
	r.runs = append(r.runs, collectorID+"/"+userID)
	result, ok := r.results[collectorID]
	r.mu.Unlock()
	if !ok {
		return collector.RunResult{Success: true}
	}
	return result
}

func (r *fakeRunner) ranCollectors() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.runs...)
}

func dueCollector(id string) collector.Collector {
	return collector.Collector{ID: id, OrganizationID: "org-1"}
}

func TestPollRunsDueCollectorsAsSystemActor(t *testing.T) {
	source := &fakeSource{due: []collector.Collector{dueCollector("a"), dueCollector("b")}}
	runner := &fakeRunner{}
	s := New(runner, source, time.Hour)

	processed := s.Poll(context.Background())

	assert.Equal(t, 2, processed)
	assert.Equal(t, []string{"a/" + SystemUserID, "b/" + SystemUserID}, runner.ranCollectors())
}

func TestPollOverlapGuardSkipsConcurrentTick(t *testing.T) {
	source := &fakeSource{due: []collector.Collector{dueCollector("a")}}
	runner := &fakeRunner{block: make(chan struct{})}
	s := New(runner, source, time.Hour)

	firstDone := make(chan int, 1)
	go func() {
		firstDone <- s.Poll(context.Background())
	}()

	// Wait until the first poll fetched its batch and is blocked in a run.
	require.Eventually(t, func() bool {
		return source.dueCalls.Load() == 1
	}, time.Second, 5*time.Millisecond)

	// The second poll must be a complete no-op: no duplicate due fetch.
	assert.Equal(t, 0, s.Poll(context.Background()))
	assert.Equal(t, int32(1), source.dueCalls.Load())

	close(runner.block)
	assert.Equal(t, 1, <-firstDone)

	// Once the first poll drained, polling works again.
	assert.Equal(t, 1, s.Poll(context.Background()))
	assert.Equal(t, int32(2), source.dueCalls.Load())
}

func TestPollFailureIsolation(t *testing.T) {
	source := &fakeSource{due: []collector.Collector{dueCollector("a"), dueCollector("b"), dueCollector("c")}}
	runner := &fakeRunner{results: map[string]collector.RunResult{
		"b": {Success: false, Message: "vendor down"},
	}}
	s := New(runner, source, time.Hour)

	processed := s.Poll(context.Background())

	assert.Equal(t, 3, processed, "one failing collector must not abort the batch")
	assert.Len(t, runner.ranCollectors(), 3)
}

func TestPollQueryError(t *testing.T) {
	source := &fakeSource{err: errors.New("database unavailable")}
	runner := &fakeRunner{}
	s := New(runner, source, time.Hour)

	assert.Equal(t, 0, s.Poll(context.Background()))
	assert.Empty(t, runner.ranCollectors())
}

func TestStartPollsImmediatelyAndStops(t *testing.T) {
	source := &fakeSource{due: []collector.Collector{dueCollector("a")}}
	runner := &fakeRunner{}
	s := New(runner, source, time.Hour)

	s.Start(context.Background())
	require.Eventually(t, func() bool {
		return source.dueCalls.Load() >= 1
	}, time.Second, 5*time.Millisecond)

	s.Stop()
	// Stop is idempotent via sync.Once semantics on the channel close.
	calls := source.dueCalls.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, calls, source.dueCalls.Load(), "no polls after Stop")
}

func TestPollAbortsOnContextCancellation(t *testing.T) {
	source := &fakeSource{due: []collector.Collector{dueCollector("a"), dueCollector("b")}}
	ctx, cancel := context.WithCancel(context.Background())

	runner := &fakeRunner{}
	runner.results = map[string]collector.RunResult{}
	first := true
	blocking := &cancellingRunner{inner: runner, cancel: func() {
		if first {
			first = false
			cancel()
		}
	}}
	s := New(blocking, source, time.Hour)

	processed := s.Poll(ctx)
	assert.Equal(t, 1, processed, "cancellation after the first run stops the batch")
}

type cancellingRunner struct {
	inner  *fakeRunner
	cancel func()
}

func (r *cancellingRunner) Run(ctx context.Context, collectorID string, organizationID string, userID string) collector.RunResult {
	result := r.inner.Run(ctx, collectorID, organizationID, userID)
	r.cancel()
	return result
}
