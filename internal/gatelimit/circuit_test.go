package gatelimit

import (
	"testing"
	"time"
)

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	t.Parallel()

	metrics := NewInMemoryMetrics()
	cb := NewCircuitBreaker("redis", CircuitOptions{FailureThreshold: 3, Timeout: time.Hour, SuccessThreshold: 2}, metrics, nil)

	if !cb.Allow() {
		t.Fatalf("expected allow in closed state")
	}
	cb.OnFailure()
	cb.OnFailure()
	if cb.State() != CircuitClosed {
		t.Fatalf("expected closed below threshold")
	}
	cb.OnFailure()
	if cb.State() != CircuitOpen {
		t.Fatalf("expected open after threshold failures")
	}
	if cb.Allow() {
		t.Fatalf("expected fail-fast while open")
	}
	if metrics.Counter("circuit_breaker_transitions_total|redis|closed|open") != 1 {
		t.Fatalf("expected one closed->open transition")
	}
	if metrics.Gauge("circuit_breaker_state|redis") != 2 {
		t.Fatalf("expected state gauge 2 for open")
	}
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	t.Parallel()

	cb := NewCircuitBreaker("redis", CircuitOptions{FailureThreshold: 2, Timeout: time.Hour, SuccessThreshold: 1}, nil, nil)
	cb.OnFailure()
	cb.OnSuccess()
	cb.OnFailure()
	if cb.State() != CircuitClosed {
		t.Fatalf("success must reset the failure counter")
	}
}

func TestCircuitBreaker_HalfOpenRecovery(t *testing.T) {
	t.Parallel()

	cb := NewCircuitBreaker("redis", CircuitOptions{FailureThreshold: 1, Timeout: time.Minute, SuccessThreshold: 2}, nil, nil)
	clock := time.Unix(0, 0)
	cb.now = func() time.Time { return clock }

	cb.OnFailure()
	if cb.Allow() {
		t.Fatalf("expected open before timeout")
	}

	clock = clock.Add(61 * time.Second)
	if !cb.Allow() {
		t.Fatalf("expected first call through after timeout")
	}
	if cb.State() != CircuitHalfOpen {
		t.Fatalf("expected half-open after probe")
	}

	cb.OnSuccess()
	if cb.State() != CircuitHalfOpen {
		t.Fatalf("one success must not close with threshold 2")
	}
	cb.OnSuccess()
	if cb.State() != CircuitClosed {
		t.Fatalf("expected closed after success threshold")
	}
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	t.Parallel()

	cb := NewCircuitBreaker("redis", CircuitOptions{FailureThreshold: 1, Timeout: time.Minute, SuccessThreshold: 2}, nil, nil)
	clock := time.Unix(0, 0)
	cb.now = func() time.Time { return clock }

	cb.OnFailure()
	clock = clock.Add(61 * time.Second)
	if !cb.Allow() {
		t.Fatalf("expected probe after timeout")
	}
	cb.OnFailure()
	if cb.State() != CircuitOpen {
		t.Fatalf("expected half-open failure to reopen")
	}
	if cb.Allow() {
		t.Fatalf("expected timeout to reset on reopen")
	}
}
