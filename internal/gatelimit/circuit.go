// Package gatelimit provides a circuit breaker around the shared store.
package gatelimit

import (
	"sync"
	"time"
)

// CircuitState represents breaker state.
type CircuitState int32

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

// String returns the wire label for the state.
func (s CircuitState) String() string {
	switch s {
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// gaugeValue maps states to the exported gauge encoding (0=closed,1=half,2=open).
func (s CircuitState) gaugeValue() int {
	switch s {
	case CircuitHalfOpen:
		return 1
	case CircuitOpen:
		return 2
	default:
		return 0
	}
}

// CircuitOptions configures breaker thresholds.
type CircuitOptions struct {
	FailureThreshold int
	Timeout          time.Duration
	SuccessThreshold int
}

// CircuitBreaker tracks store failures and controls access.
type CircuitBreaker struct {
	resource string
	opts     CircuitOptions
	metrics  Metrics
	logger   Logger
	now      func() time.Time

	mu          sync.Mutex
	state       CircuitState
	failures    int
	successes   int
	nextAttempt time.Time
}

// NewCircuitBreaker constructs a breaker with defaults applied.
func NewCircuitBreaker(resource string, opts CircuitOptions, metrics Metrics, logger Logger) *CircuitBreaker {
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = 5
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	if opts.SuccessThreshold <= 0 {
		opts.SuccessThreshold = 2
	}
	if resource == "" {
		resource = "store"
	}
	if metrics == nil {
		metrics = NewInMemoryMetrics()
	}
	if logger == nil {
		logger = NopLogger{}
	}
	cb := &CircuitBreaker{
		resource: resource,
		opts:     opts,
		metrics:  metrics,
		logger:   logger,
		now:      time.Now,
		state:    CircuitClosed,
	}
	metrics.SetCircuitState(resource, CircuitClosed)
	return cb
}

// Allow reports whether the call should proceed.
func (cb *CircuitBreaker) Allow() bool {
	if cb == nil {
		return true
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.state {
	case CircuitClosed, CircuitHalfOpen:
		return true
	case CircuitOpen:
		if cb.now().Before(cb.nextAttempt) {
			return false
		}
		cb.transitionLocked(CircuitHalfOpen)
		cb.successes = 0
		return true
	default:
		return true
	}
}

// OnSuccess records a successful store call.
func (cb *CircuitBreaker) OnSuccess() {
	if cb == nil {
		return
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.state {
	case CircuitClosed:
		cb.failures = 0
	case CircuitHalfOpen:
		cb.successes++
		if cb.successes >= cb.opts.SuccessThreshold {
			cb.failures = 0
			cb.transitionLocked(CircuitClosed)
		}
	}
}

// OnFailure records a failed store call and updates state.
func (cb *CircuitBreaker) OnFailure() {
	if cb == nil {
		return
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.state {
	case CircuitClosed:
		cb.failures++
		if cb.failures >= cb.opts.FailureThreshold {
			cb.nextAttempt = cb.now().Add(cb.opts.Timeout)
			cb.transitionLocked(CircuitOpen)
		}
	case CircuitHalfOpen:
		cb.nextAttempt = cb.now().Add(cb.opts.Timeout)
		cb.transitionLocked(CircuitOpen)
	}
}

// State returns the current state.
func (cb *CircuitBreaker) State() CircuitState {
	if cb == nil {
		return CircuitClosed
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) transitionLocked(to CircuitState) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	cb.metrics.SetCircuitState(cb.resource, to)
	cb.metrics.IncCircuitTransition(cb.resource, from.String(), to.String())
	cb.logger.Info("circuit state changed", map[string]any{
		"resource": cb.resource,
		"from":     from.String(),
		"to":       to.String(),
	})
}
