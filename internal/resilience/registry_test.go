package resilience

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryGetOrCreateIsIdempotent(t *testing.T) {
	r := NewRegistry(testBreakerConfig())

	first := r.GetOrCreate("integration:okta")
	second := r.GetOrCreate("integration:okta")
	other := r.GetOrCreate("integration:jira")

	assert.Same(t, first, second)
	assert.NotSame(t, first, other)
}

func TestRegistryConfigAppliedOnlyAtCreation(t *testing.T) {
	r := NewRegistry(testBreakerConfig())

	first := r.GetOrCreateWithConfig("integration:okta", BreakerConfig{
		CallTimeout:              time.Second,
		ResetTimeout:             time.Minute,
		ErrorThresholdPercentage: 10,
		VolumeThreshold:          2,
	})
	second := r.GetOrCreateWithConfig("integration:okta", BreakerConfig{
		ErrorThresholdPercentage: 90,
		VolumeThreshold:          100,
	})

	require.Same(t, first, second)
	// The first config stays in effect: 2 failures trip a 10% threshold.
	_, _ = Call(first, context.Background(), failingOp)
	_, _ = Call(first, context.Background(), failingOp)
	assert.Equal(t, StateOpen, first.State())
}

func TestRegistryConcurrentGetOrCreateSingleInstance(t *testing.T) {
	r := NewRegistry(testBreakerConfig())

	results := make([]*Breaker, 32)
	var wg sync.WaitGroup
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = r.GetOrCreate("integration:okta")
		}(i)
	}
	wg.Wait()

	for _, b := range results {
		assert.Same(t, results[0], b)
	}
}

func TestRegistryStats(t *testing.T) {
	r := NewRegistry(testBreakerConfig())
	okta := r.GetOrCreate("integration:okta")
	r.GetOrCreate("integration:jira")

	_, _ = Call(okta, context.Background(), failingOp)

	stats := r.Stats()
	require.Len(t, stats, 2)
	assert.Equal(t, uint64(1), stats["integration:okta"].TotalCalls)
	assert.Equal(t, uint64(0), stats["integration:jira"].TotalCalls)
}

func TestRegistryResetAndResetAll(t *testing.T) {
	r := NewRegistry(testBreakerConfig())
	okta := r.GetOrCreate("integration:okta")
	jira := r.GetOrCreate("integration:jira")

	for i := 0; i < 4; i++ {
		_, _ = Call(okta, context.Background(), failingOp)
		_, _ = Call(jira, context.Background(), failingOp)
	}
	require.Equal(t, StateOpen, okta.State())
	require.Equal(t, StateOpen, jira.State())

	assert.True(t, r.Reset("integration:okta"))
	assert.Equal(t, StateClosed, okta.State())
	assert.Equal(t, StateOpen, jira.State())

	assert.False(t, r.Reset("integration:unknown"))

	r.ResetAll()
	assert.Equal(t, StateClosed, jira.State())
}
