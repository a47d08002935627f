package detect

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// ErrCircuitOpen is returned while the breaker is rejecting calls.
var ErrCircuitOpen = errors.New("detection circuit breaker is open")

// CircuitState represents the current state of the circuit breaker.
type CircuitState int32

const (
	// CircuitClosed lets every detection call through.
	CircuitClosed CircuitState = iota
	// CircuitOpen rejects calls until the cool-down has elapsed.
	CircuitOpen
	// CircuitHalfOpen lets calls through to probe whether the backend recovered.
	CircuitHalfOpen
)

// String returns a string representation of the CircuitState.
func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "CLOSED"
	case CircuitOpen:
		return "OPEN"
	case CircuitHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Breaker guards a Detector. After maxFailures consecutive errors it fails fast
// for cooldown, so a dead backend costs each frame one error return instead of
// a full request timeout. Frames rejected while open are dropped by the caller
// exactly like frames whose detection failed.
type Breaker struct {
	next Detector

	// state holds the current circuit state.
	state atomic.Int32
	// failureCount tracks consecutive failures.
	failureCount atomic.Int64
	// lastFailureTime is the unix-nano time of the latest failure.
	lastFailureTime atomic.Int64
	// successCount tracks successes while half-open.
	successCount atomic.Int64

	maxFailures       int64
	cooldown          time.Duration
	recoveryThreshold int64
	logger            *slog.Logger
	now               func() time.Time
}

// NewBreaker wraps next.
//
// maxFailures: consecutive failures before opening
// cooldown: how long to reject calls before probing again
// recoveryThreshold: successful probes needed to close again
func NewBreaker(next Detector, maxFailures int64, cooldown time.Duration, recoveryThreshold int64, logger *slog.Logger) *Breaker {
	if logger == nil {
		logger = slog.Default()
	}
	if maxFailures < 1 {
		maxFailures = 1
	}
	if recoveryThreshold < 1 {
		recoveryThreshold = 1
	}
	b := &Breaker{
		next:              next,
		maxFailures:       maxFailures,
		cooldown:          cooldown,
		recoveryThreshold: recoveryThreshold,
		logger:            logger,
		now:               time.Now,
	}
	b.state.Store(int32(CircuitClosed))
	return b
}

// Detect forwards to the wrapped detector unless the circuit is open.
func (b *Breaker) Detect(ctx context.Context, streamID string, frame []byte) ([]Tracking, error) {
	if CircuitState(b.state.Load()) == CircuitOpen {
		lastFailure := time.Unix(0, b.lastFailureTime.Load())
		elapsed := b.now().Sub(lastFailure)
		if elapsed <= b.cooldown {
			return nil, fmt.Errorf("%w: last failure %v ago", ErrCircuitOpen, elapsed.Round(time.Millisecond))
		}
		if b.state.CompareAndSwap(int32(CircuitOpen), int32(CircuitHalfOpen)) {
			b.successCount.Store(0)
			b.logger.Info("Detection circuit breaker state transition",
				"from", CircuitOpen,
				"to", CircuitHalfOpen,
				"cooldown_elapsed", elapsed)
		}
	}

	trackings, err := b.next.Detect(ctx, streamID, frame)
	if err != nil {
		// A cancelled caller says nothing about backend health.
		if ctx.Err() == nil {
			b.recordFailure()
		}
		return nil, err
	}
	b.recordSuccess()
	return trackings, nil
}

// State returns the current circuit state.
func (b *Breaker) State() CircuitState {
	return CircuitState(b.state.Load())
}

// FailureCount returns the number of consecutive failures.
func (b *Breaker) FailureCount() int64 {
	return b.failureCount.Load()
}

func (b *Breaker) recordFailure() {
	b.lastFailureTime.Store(b.now().UnixNano())
	failures := b.failureCount.Add(1)
	current := CircuitState(b.state.Load())

	switch {
	case current == CircuitHalfOpen:
		b.state.Store(int32(CircuitOpen))
		b.successCount.Store(0)
		b.logger.Warn("Detection circuit breaker state transition",
			"from", CircuitHalfOpen,
			"to", CircuitOpen,
			"reason", "failure_during_recovery")
	case failures >= b.maxFailures && current == CircuitClosed:
		b.state.Store(int32(CircuitOpen))
		b.logger.Warn("Detection circuit breaker state transition",
			"from", current,
			"to", CircuitOpen,
			"failure_count", failures,
			"max_failures", b.maxFailures)
	}
}

func (b *Breaker) recordSuccess() {
	b.failureCount.Store(0)

	if CircuitState(b.state.Load()) != CircuitHalfOpen {
		return
	}
	successes := b.successCount.Add(1)
	if successes >= b.recoveryThreshold && b.state.CompareAndSwap(int32(CircuitHalfOpen), int32(CircuitClosed)) {
		b.logger.Info("Detection circuit breaker state transition",
			"from", CircuitHalfOpen,
			"to", CircuitClosed,
			"success_count", successes)
	}
}
