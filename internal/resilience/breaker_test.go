package resilience

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testBreakerConfig() BreakerConfig {
	return BreakerConfig{
		CallTimeout:              time.Second,
		ResetTimeout:             50 * time.Millisecond,
		ErrorThresholdPercentage: 50,
		VolumeThreshold:          4,
	}
}

func failingOp(_ context.Context) (string, error) {
	return "", errors.New("vendor exploded")
}

func okOp(_ context.Context) (string, error) {
	return "ok", nil
}

func TestBreakerStaysClosedBelowThreshold(t *testing.T) {
	b := NewBreaker("integration:okta", testBreakerConfig())

	// 4 samples with 50% failures: not strictly above the 50% threshold.
	for i := 0; i < 2; i++ {
		_, _ = Call(b, context.Background(), failingOp)
		_, _ = Call(b, context.Background(), okOp)
	}

	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerOpensAboveThreshold(t *testing.T) {
	opened := make(chan string, 1)
	cfg := testBreakerConfig()
	cfg.OnOpen = func(key string) { opened <- key }
	b := NewBreaker("integration:okta", cfg)

	for i := 0; i < 3; i++ {
		_, _ = Call(b, context.Background(), failingOp)
	}
	_, _ = Call(b, context.Background(), okOp)

	assert.Equal(t, StateOpen, b.State())
	select {
	case key := <-opened:
		assert.Equal(t, "integration:okta", key)
	case <-time.After(time.Second):
		t.Fatal("OnOpen hook was not invoked")
	}
}

func TestBreakerFailsFastWhileOpen(t *testing.T) {
	b := NewBreaker("integration:jira", testBreakerConfig())
	for i := 0; i < 4; i++ {
		_, _ = Call(b, context.Background(), failingOp)
	}
	require.Equal(t, StateOpen, b.State())

	var invocations atomic.Int32
	_, err := Call(b, context.Background(), func(_ context.Context) (string, error) {
		invocations.Add(1)
		return "ok", nil
	})

	assert.ErrorIs(t, err, ErrBreakerOpen)
	assert.Equal(t, int32(0), invocations.Load(), "wrapped operation must not run while open")
}

func TestBreakerRecoversThroughHalfOpen(t *testing.T) {
	closed := make(chan string, 1)
	cfg := testBreakerConfig()
	cfg.OnClose = func(key string) { closed <- key }
	b := NewBreaker("integration:jira", cfg)

	for i := 0; i < 4; i++ {
		_, _ = Call(b, context.Background(), failingOp)
	}
	require.Equal(t, StateOpen, b.State())

	time.Sleep(cfg.ResetTimeout + 10*time.Millisecond)
	require.Equal(t, StateHalfOpen, b.State())

	result, err := Call(b, context.Background(), okOp)
	assert.NoError(t, err)
	assert.Equal(t, "ok", result)
	assert.Equal(t, StateClosed, b.State())

	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("OnClose hook was not invoked")
	}

	// Normal volume after recovery must not immediately re-trip.
	for i := 0; i < 4; i++ {
		_, err = Call(b, context.Background(), okOp)
		assert.NoError(t, err)
	}
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerFailedTrialReopens(t *testing.T) {
	b := NewBreaker("integration:jira", testBreakerConfig())
	for i := 0; i < 4; i++ {
		_, _ = Call(b, context.Background(), failingOp)
	}

	time.Sleep(60 * time.Millisecond)
	_, err := Call(b, context.Background(), failingOp)
	assert.Error(t, err)
	assert.Equal(t, StateOpen, b.State())

	// Freshly reopened: calls fail fast again.
	_, err = Call(b, context.Background(), okOp)
	assert.ErrorIs(t, err, ErrBreakerOpen)
}

func TestBreakerSingleTrialUnderConcurrency(t *testing.T) {
	b := NewBreaker("integration:okta", testBreakerConfig())
	for i := 0; i < 4; i++ {
		_, _ = Call(b, context.Background(), failingOp)
	}
	time.Sleep(60 * time.Millisecond)

	var invocations atomic.Int32
	var rejected atomic.Int32
	release := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := Call(b, context.Background(), func(_ context.Context) (string, error) {
				invocations.Add(1)
				<-release
				return "ok", nil
			})
			if errors.Is(err, ErrBreakerOpen) {
				rejected.Add(1)
			}
		}()
	}

	// Give the goroutines time to hit the breaker, then release the trial.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), invocations.Load(), "exactly one half-open trial may run")
	assert.Equal(t, int32(7), rejected.Load())
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerCallTimeout(t *testing.T) {
	cfg := testBreakerConfig()
	cfg.CallTimeout = 20 * time.Millisecond
	b := NewBreaker("integration:slow", cfg)

	started := time.Now()
	_, err := Call(b, context.Background(), func(ctx context.Context) (string, error) {
		select {
		case <-time.After(5 * time.Second):
			return "too late", nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	})

	assert.ErrorIs(t, err, ErrCallTimeout)
	assert.NotErrorIs(t, err, ErrBreakerOpen, "timeout must be distinguishable from breaker-open")
	assert.Less(t, time.Since(started), time.Second)
	assert.Equal(t, uint64(1), b.Stats().TotalTimeouts)
}

func TestBreakerTimeoutsCountAsFailures(t *testing.T) {
	cfg := testBreakerConfig()
	cfg.CallTimeout = 5 * time.Millisecond
	b := NewBreaker("integration:slow", cfg)

	slow := func(ctx context.Context) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}
	for i := 0; i < 4; i++ {
		_, _ = Call(b, context.Background(), slow)
	}

	assert.Equal(t, StateOpen, b.State())
}

func TestBreakerManualReset(t *testing.T) {
	b := NewBreaker("integration:okta", testBreakerConfig())
	for i := 0; i < 4; i++ {
		_, _ = Call(b, context.Background(), failingOp)
	}
	require.Equal(t, StateOpen, b.State())

	b.Reset()

	assert.Equal(t, StateClosed, b.State())
	stats := b.Stats()
	assert.Equal(t, 0, stats.WindowSize)
	assert.Nil(t, stats.LastOpenedAt)

	result, err := Call(b, context.Background(), okOp)
	assert.NoError(t, err)
	assert.Equal(t, "ok", result)
}

func TestBreakerStatsSnapshot(t *testing.T) {
	b := NewBreaker("integration:okta", testBreakerConfig())
	_, _ = Call(b, context.Background(), failingOp)
	_, _ = Call(b, context.Background(), okOp)

	stats := b.Stats()
	assert.Equal(t, "CLOSED", stats.State)
	assert.Equal(t, 2, stats.WindowSize)
	assert.Equal(t, 1, stats.WindowFailures)
	assert.InDelta(t, 50.0, stats.ErrorPercentage, 0.01)
	assert.Equal(t, uint64(2), stats.TotalCalls)
	assert.Equal(t, uint64(1), stats.TotalFailures)
}
