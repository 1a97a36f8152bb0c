package utils

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestCircuitBreakerOpensAfterThreshold(t *testing.T) {
	cb := NewCircuitBreaker("backend", &CircuitBreakerConfig{
		FailureThreshold: 2,
		FailureWindow:    time.Minute,
		RecoveryTimeout:  time.Hour,
		HalfOpenMaxCalls: 1,
	}, NewNopLogger())

	boom := errors.New("connection refused")
	fail := func(context.Context) error { return boom }

	for i := 0; i < 2; i++ {
		if err := cb.Execute(context.Background(), fail, nil); !errors.Is(err, boom) {
			t.Fatalf("call %d: %v", i, err)
		}
	}
	if cb.GetState() != StateOpen {
		t.Fatalf("state = %s", cb.GetState())
	}

	called := false
	err := cb.Execute(context.Background(), func(context.Context) error { called = true; return nil }, nil)
	if !errors.Is(err, ErrCircuitBreakerOpen) || called {
		t.Fatalf("open circuit let a call through: %v", err)
	}
	if cb.GetMetrics()["rejected_calls"].(int64) != 1 {
		t.Errorf("metrics = %v", cb.GetMetrics())
	}
}

func TestCircuitBreakerIgnoresNonFailures(t *testing.T) {
	cb := NewCircuitBreaker("backend", &CircuitBreakerConfig{
		FailureThreshold: 1,
		FailureWindow:    time.Minute,
		RecoveryTimeout:  time.Hour,
		HalfOpenMaxCalls: 1,
	}, NewNopLogger())

	notFound := NewAPIError(ErrCodeTaskNotFound, "", 0)
	transportOnly := func(err error) bool { return AsAPIError(err).Code == ErrCodeNetwork }

	for i := 0; i < 5; i++ {
		cb.Execute(context.Background(), func(context.Context) error { return notFound }, transportOnly)
	}
	if cb.GetState() != StateClosed {
		t.Fatalf("4xx answers opened the circuit")
	}
}

func TestCircuitBreakerRecoversThroughHalfOpen(t *testing.T) {
	cb := NewCircuitBreaker("backend", &CircuitBreakerConfig{
		FailureThreshold: 1,
		FailureWindow:    time.Minute,
		RecoveryTimeout:  10 * time.Millisecond,
		HalfOpenMaxCalls: 1,
	}, NewNopLogger())

	cb.Execute(context.Background(), func(context.Context) error { return errors.New("eof") }, nil)
	if cb.GetState() != StateOpen {
		t.Fatal("circuit should be open")
	}

	time.Sleep(20 * time.Millisecond)
	if err := cb.Execute(context.Background(), func(context.Context) error { return nil }, nil); err != nil {
		t.Fatal(err)
	}
	if cb.GetState() != StateClosed {
		t.Fatalf("state = %s after a good probe", cb.GetState())
	}

	cb.Execute(context.Background(), func(context.Context) error { return errors.New("eof") }, nil)
	cb.Reset()
	if cb.GetState() != StateClosed {
		t.Fatal("Reset did not close the circuit")
	}
}
