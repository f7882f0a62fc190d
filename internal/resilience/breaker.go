package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State of a circuit breaker.
type State int32

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	}
	return "UNKNOWN"
}

// BreakerConfig holds the tunables applied when a breaker is created.
type BreakerConfig struct {
	// CallTimeout races every wrapped operation against a timer. A timeout
	// counts as a failure for breaker purposes.
	CallTimeout time.Duration
	// ResetTimeout is how long the breaker stays open before allowing a
	// single half-open trial call.
	ResetTimeout time.Duration
	// ErrorThresholdPercentage trips the breaker when the rolling error
	// rate strictly exceeds it.
	ErrorThresholdPercentage int
	// VolumeThreshold is the minimum number of samples (and the rolling
	// window size) before the error rate is evaluated at all.
	VolumeThreshold int

	OnOpen  func(key string)
	OnClose func(key string)
}

// DefaultBreakerConfig mirrors the process-wide defaults; per-target
// overrides are applied at registry creation time.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		CallTimeout:              30 * time.Second,
		ResetTimeout:             60 * time.Second,
		ErrorThresholdPercentage: 50,
		VolumeThreshold:          10,
	}
}

// BreakerStats is a point-in-time snapshot for the admin API.
type BreakerStats struct {
	State           string     `json:"state"`
	WindowSize      int        `json:"windowSize"`
	WindowFailures  int        `json:"windowFailures"`
	ErrorPercentage float64    `json:"errorPercentage"`
	LastOpenedAt    *time.Time `json:"lastOpenedAt,omitempty"`
	TotalCalls      uint64     `json:"totalCalls"`
	TotalFailures   uint64     `json:"totalFailures"`
	TotalTimeouts   uint64     `json:"totalTimeouts"`
	TotalRejected   uint64     `json:"totalRejected"`
}

// Breaker is a per-target fault isolator. One instance is shared by every
// collector pointed at the same integration type, so its state transitions
// must hold up under concurrent callers.
type Breaker struct {
	key string
	cfg BreakerConfig

	mu            sync.Mutex
	state         State
	window        []bool // true = failure; ring buffer capped at VolumeThreshold
	windowPos     int
	windowLen     int
	windowFails   int
	lastOpenedAt  time.Time
	trialInFlight bool

	totalCalls    uint64
	totalFailures uint64
	totalTimeouts uint64
	totalRejected uint64
}

// NewBreaker creates a closed breaker for the given target key.
func NewBreaker(key string, cfg BreakerConfig) *Breaker {
	if cfg.VolumeThreshold <= 0 {
		cfg.VolumeThreshold = DefaultBreakerConfig().VolumeThreshold
	}
	return &Breaker{
		key:    key,
		cfg:    cfg,
		window: make([]bool, cfg.VolumeThreshold),
	}
}

// Key returns the integration target identity this breaker guards.
func (b *Breaker) Key() string {
	return b.key
}

// State returns the current state, accounting for an elapsed reset timeout.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && time.Since(b.lastOpenedAt) >= b.cfg.ResetTimeout {
		return StateHalfOpen
	}
	return b.state
}

// Call executes op through breaker b. While open it fails immediately with
// ErrBreakerOpen without invoking op. The operation is raced against the
// per-call timeout; on timeout the in-flight context is cancelled and
// ErrCallTimeout is returned.
func Call[T any](b *Breaker, ctx context.Context, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	trial, err := b.beforeCall()
	if err != nil {
		return zero, err
	}

	result, err := runWithTimeout(ctx, b.cfg.CallTimeout, op)
	if errors.Is(err, ErrCallTimeout) {
		b.mu.Lock()
		b.totalTimeouts++
		b.mu.Unlock()
	}
	b.afterCall(trial, err == nil)
	return result, err
}

// beforeCall decides whether the call may proceed and whether it is the
// single half-open trial. Returns ErrBreakerOpen on rejection.
func (b *Breaker) beforeCall() (trial bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalCalls++

	if b.state == StateOpen {
		if time.Since(b.lastOpenedAt) < b.cfg.ResetTimeout {
			b.totalRejected++
			return false, fmt.Errorf("%w: %s", ErrBreakerOpen, b.key)
		}
		b.state = StateHalfOpen
		b.trialInFlight = false
		zap.S().Infof("Circuit breaker %s reset timeout elapsed, allowing trial call", b.key)
	}

	if b.state == StateHalfOpen {
		if b.trialInFlight {
			// Exactly one concurrent trial is permitted.
			b.totalRejected++
			return false, fmt.Errorf("%w: %s (trial in flight)", ErrBreakerOpen, b.key)
		}
		b.trialInFlight = true
		return true, nil
	}

	return false, nil
}

// afterCall records the outcome and drives the state machine.
func (b *Breaker) afterCall(trial bool, success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !success {
		b.totalFailures++
	}

	if trial {
		b.trialInFlight = false
		if success {
			b.toClosedLocked()
		} else {
			b.toOpenLocked()
		}
		return
	}

	if b.state != StateClosed {
		// A non-trial call that was already in flight when the breaker
		// tripped; its outcome no longer affects the window.
		return
	}

	b.recordLocked(!success)
	if b.windowLen >= b.cfg.VolumeThreshold {
		pct := float64(b.windowFails) / float64(b.windowLen) * 100
		if pct > float64(b.cfg.ErrorThresholdPercentage) {
			b.toOpenLocked()
		}
	}
}

// recordLocked appends an outcome to the rolling window. Caller holds mu.
func (b *Breaker) recordLocked(failure bool) {
	if b.windowLen == len(b.window) {
		if b.window[b.windowPos] {
			b.windowFails--
		}
	} else {
		b.windowLen++
	}
	b.window[b.windowPos] = failure
	if failure {
		b.windowFails++
	}
	b.windowPos = (b.windowPos + 1) % len(b.window)
}

func (b *Breaker) toOpenLocked() {
	b.state = StateOpen
	b.lastOpenedAt = time.Now()
	b.resetWindowLocked()
	zap.S().Warnf("Circuit breaker %s opened", b.key)
	if b.cfg.OnOpen != nil {
		go b.cfg.OnOpen(b.key)
	}
}

func (b *Breaker) toClosedLocked() {
	b.state = StateClosed
	b.resetWindowLocked()
	zap.S().Infof("Circuit breaker %s closed", b.key)
	if b.cfg.OnClose != nil {
		go b.cfg.OnClose(b.key)
	}
}

func (b *Breaker) resetWindowLocked() {
	for i := range b.window {
		b.window[i] = false
	}
	b.windowPos = 0
	b.windowLen = 0
	b.windowFails = 0
}

// Reset forces the breaker closed and clears all counters regardless of
// current state. Administrative escape hatch, not part of the automatic
// state machine.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.trialInFlight = false
	b.lastOpenedAt = time.Time{}
	b.resetWindowLocked()
	zap.S().Infof("Circuit breaker %s manually reset", b.key)
}

// Stats returns a snapshot of the breaker for the admin API.
func (b *Breaker) Stats() BreakerStats {
	b.mu.Lock()
	defer b.mu.Unlock()

	stats := BreakerStats{
		State:          b.state.String(),
		WindowSize:     b.windowLen,
		WindowFailures: b.windowFails,
		TotalCalls:     b.totalCalls,
		TotalFailures:  b.totalFailures,
		TotalTimeouts:  b.totalTimeouts,
		TotalRejected:  b.totalRejected,
	}
	if b.windowLen > 0 {
		stats.ErrorPercentage = float64(b.windowFails) / float64(b.windowLen) * 100
	}
	if !b.lastOpenedAt.IsZero() {
		openedAt := b.lastOpenedAt
		stats.LastOpenedAt = &openedAt
	}
	return stats
}

// runWithTimeout races op against timeout. The operation receives a context
// cancelled on timeout so an in-flight HTTP request is torn down rather
// than leaked.
func runWithTimeout[T any](ctx context.Context, timeout time.Duration, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if timeout <= 0 {
		return op(ctx)
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		result T
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := op(callCtx)
		done <- outcome{result: result, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil && callCtx.Err() == context.DeadlineExceeded {
			return zero, fmt.Errorf("%w after %s", ErrCallTimeout, timeout)
		}
		return out.result, out.err
	case <-callCtx.Done():
		if callCtx.Err() == context.DeadlineExceeded {
			return zero, fmt.Errorf("%w after %s", ErrCallTimeout, timeout)
		}
		return zero, callCtx.Err()
	}
}
