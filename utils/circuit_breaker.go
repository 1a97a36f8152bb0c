package utils

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// CircuitBreakerState represents the current state of a circuit breaker
type CircuitBreakerState string

const (
	StateClosed   CircuitBreakerState = "closed"    // Normal operation
	StateOpen     CircuitBreakerState = "open"      // Circuit is open, rejecting calls
	StateHalfOpen CircuitBreakerState = "half_open" // Testing if service has recovered
)

var ErrCircuitBreakerOpen = errors.New("circuit breaker is open")

// CircuitBreakerConfig holds configuration for a circuit breaker
type CircuitBreakerConfig struct {
	// Failures within FailureWindow before opening the circuit
	FailureThreshold int
	FailureWindow    time.Duration

	// How long to wait before letting a probe call through
	RecoveryTimeout time.Duration

	// Successful probes needed in half-open state to close again
	HalfOpenMaxCalls int
}

func DefaultCircuitBreakerConfig() *CircuitBreakerConfig {
	return &CircuitBreakerConfig{
		FailureThreshold: 5,
		FailureWindow:    1 * time.Minute,
		RecoveryTimeout:  15 * time.Second,
		HalfOpenMaxCalls: 2,
	}
}

// CircuitBreaker guards calls to the translation backend. Only transport
// failures should be reported as failures; a 4xx answer means the
// backend is up.
type CircuitBreaker struct {
	name          string
	config        *CircuitBreakerConfig
	state         CircuitBreakerState
	failures      []time.Time
	openedAt      time.Time
	halfOpenCalls int
	halfOpenOK    int
	mutex         sync.Mutex
	logger        *Logger

	totalCalls    int64
	totalFailures int64
	rejected      int64
}

func NewCircuitBreaker(name string, config *CircuitBreakerConfig, logger *Logger) *CircuitBreaker {
	if config == nil {
		config = DefaultCircuitBreakerConfig()
	}

	return &CircuitBreaker{
		name:   name,
		config: config,
		state:  StateClosed,
		logger: logger,
	}
}

// Execute runs fn when the circuit allows it. failure decides whether the
// returned error counts against the circuit; nil means every error does.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error, failure func(error) bool) error {
	if !cb.allowCall() {
		return fmt.Errorf("circuit breaker %s: %w", cb.name, ErrCircuitBreakerOpen)
	}

	err := fn(ctx)
	failed := err != nil && (failure == nil || failure(err))
	cb.recordResult(failed, err)
	return err
}

func (cb *CircuitBreaker) allowCall() bool {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	cb.totalCalls++

	switch cb.state {
	case StateClosed:
		return true

	case StateOpen:
		if time.Since(cb.openedAt) >= cb.config.RecoveryTimeout {
			cb.transitionTo(StateHalfOpen)
			cb.halfOpenCalls = 1
			return true
		}

	case StateHalfOpen:
		if cb.halfOpenCalls < cb.config.HalfOpenMaxCalls {
			cb.halfOpenCalls++
			return true
		}
	}

	cb.rejected++
	return false
}

func (cb *CircuitBreaker) recordResult(failed bool, err error) {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	now := time.Now()

	if !failed {
		if cb.state == StateHalfOpen {
			cb.halfOpenOK++
			if cb.halfOpenOK >= cb.config.HalfOpenMaxCalls {
				cb.transitionTo(StateClosed)
			}
		}
		return
	}

	cb.totalFailures++
	cb.logger.WithField("circuit_breaker", cb.name).
		WithField("state", cb.state).
		WithError(err).
		Warn("Circuit breaker call failed")

	switch cb.state {
	case StateHalfOpen:
		cb.openedAt = now
		cb.transitionTo(StateOpen)
	case StateClosed:
		cb.failures = append(cb.failures, now)
		cb.cleanOldEntries(now)
		if len(cb.failures) >= cb.config.FailureThreshold {
			cb.openedAt = now
			cb.transitionTo(StateOpen)
		}
	}
}

// transitionTo changes the circuit breaker state; callers hold the mutex
func (cb *CircuitBreaker) transitionTo(newState CircuitBreakerState) {
	if cb.state == newState {
		return
	}

	oldState := cb.state
	cb.state = newState

	switch newState {
	case StateClosed:
		cb.failures = cb.failures[:0]
		cb.halfOpenCalls = 0
		cb.halfOpenOK = 0
	case StateOpen, StateHalfOpen:
		cb.halfOpenCalls = 0
		cb.halfOpenOK = 0
	}

	cb.logger.WithField("circuit_breaker", cb.name).
		WithField("old_state", oldState).
		WithField("new_state", newState).
		WithField("total_calls", cb.totalCalls).
		WithField("total_failures", cb.totalFailures).
		Info("Circuit breaker state transition")
}

func (cb *CircuitBreaker) cleanOldEntries(now time.Time) {
	cutoff := now.Add(-cb.config.FailureWindow)
	start := 0
	for start < len(cb.failures) && !cb.failures[start].After(cutoff) {
		start++
	}
	cb.failures = cb.failures[start:]
}

func (cb *CircuitBreaker) GetState() CircuitBreakerState {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) GetMetrics() map[string]interface{} {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	return map[string]interface{}{
		"name":            cb.name,
		"state":           cb.state,
		"total_calls":     cb.totalCalls,
		"total_failures":  cb.totalFailures,
		"rejected_calls":  cb.rejected,
		"recent_failures": len(cb.failures),
	}
}

func (cb *CircuitBreaker) Reset() {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	cb.transitionTo(StateClosed)
}
