// Package gatelimit provides telemetry recording.
package gatelimit

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Metrics records limiter telemetry.
type Metrics interface {
	IncRequest(tenantID, endpoint, result, state, mode string)
	ObserveCheckDuration(scope string, d time.Duration)
	SetBucketTokens(scope, tenantID string, tokens float64)
	SetBucketUsagePct(scope, tenantID, endpoint string, pct float64)
	IncPolicyCacheHit()
	IncPolicyCacheMiss()
	SetPolicyCacheHitRatio(ratio float64)
	IncFallbackActivation(reason string)
	SetCircuitState(resource string, state CircuitState)
	IncCircuitTransition(resource, from, to string)
	IncOverrideApplied(overrideType, source string)
	IncAbuseFlag(tenantID, severity string)
	IncAbuseJobRun(status string)
	IncCancelled()
}

// InMemoryMetrics stores counters and gauges for tests and snapshots.
type InMemoryMetrics struct {
	counters sync.Map
	gauges   sync.Map
}

// NewInMemoryMetrics constructs an in-memory metrics recorder.
func NewInMemoryMetrics() *InMemoryMetrics {
	return &InMemoryMetrics{}
}

// IncRequest increments the request counter.
func (m *InMemoryMetrics) IncRequest(tenantID, endpoint, result, state, mode string) {
	m.inc(fmt.Sprintf("requests_total|%s|%s|%s|%s|%s", tenantID, endpoint, result, state, mode))
}

// ObserveCheckDuration counts check duration samples per scope.
func (m *InMemoryMetrics) ObserveCheckDuration(scope string, d time.Duration) {
	m.inc("check_duration_ms|" + scope)
}

// SetBucketTokens records a token gauge.
func (m *InMemoryMetrics) SetBucketTokens(scope, tenantID string, tokens float64) {
	m.set(fmt.Sprintf("bucket_tokens|%s|%s", scope, tenantID), tokens)
}

// SetBucketUsagePct records a usage gauge.
func (m *InMemoryMetrics) SetBucketUsagePct(scope, tenantID, endpoint string, pct float64) {
	m.set(fmt.Sprintf("bucket_usage_pct|%s|%s|%s", scope, tenantID, endpoint), pct)
}

// IncPolicyCacheHit increments the cache hit counter.
func (m *InMemoryMetrics) IncPolicyCacheHit() { m.inc("policy_cache_hits_total") }

// IncPolicyCacheMiss increments the cache miss counter.
func (m *InMemoryMetrics) IncPolicyCacheMiss() { m.inc("policy_cache_misses_total") }

// SetPolicyCacheHitRatio records the hit ratio gauge.
func (m *InMemoryMetrics) SetPolicyCacheHitRatio(ratio float64) {
	m.set("policy_cache_hit_ratio", ratio)
}

// IncFallbackActivation increments the fallback counter.
func (m *InMemoryMetrics) IncFallbackActivation(reason string) {
	m.inc("fallback_activations_total|" + reason)
}

// SetCircuitState records the breaker state gauge.
func (m *InMemoryMetrics) SetCircuitState(resource string, state CircuitState) {
	m.set("circuit_breaker_state|"+resource, float64(state.gaugeValue()))
}

// IncCircuitTransition increments the transition counter.
func (m *InMemoryMetrics) IncCircuitTransition(resource, from, to string) {
	m.inc(fmt.Sprintf("circuit_breaker_transitions_total|%s|%s|%s", resource, from, to))
}

// IncOverrideApplied increments the override counter.
func (m *InMemoryMetrics) IncOverrideApplied(overrideType, source string) {
	m.inc(fmt.Sprintf("override_applied_total|%s|%s", overrideType, source))
}

// IncAbuseFlag increments the abuse flag counter.
func (m *InMemoryMetrics) IncAbuseFlag(tenantID, severity string) {
	m.inc(fmt.Sprintf("abuse_detection_flags_total|%s|%s", tenantID, severity))
}

// IncAbuseJobRun increments the detector job counter.
func (m *InMemoryMetrics) IncAbuseJobRun(status string) {
	m.inc("abuse_detection_job_runs_total|" + status)
}

// IncCancelled increments the cancellation counter.
func (m *InMemoryMetrics) IncCancelled() { m.inc("requests_cancelled_total") }

// Counter returns a counter value, for tests.
func (m *InMemoryMetrics) Counter(key string) int64 {
	if m == nil {
		return 0
	}
	if value, ok := m.counters.Load(key); ok {
		if counter, ok := value.(*atomic.Int64); ok {
			return counter.Load()
		}
	}
	return 0
}

// CounterSum sums every counter whose key starts with the prefix, for tests.
func (m *InMemoryMetrics) CounterSum(prefix string) int64 {
	if m == nil {
		return 0
	}
	var total int64
	m.counters.Range(func(key, value any) bool {
		k, ok := key.(string)
		if !ok {
			return true
		}
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			if counter, ok := value.(*atomic.Int64); ok {
				total += counter.Load()
			}
		}
		return true
	})
	return total
}

// Gauge returns a gauge value, for tests.
func (m *InMemoryMetrics) Gauge(key string) float64 {
	if m == nil {
		return 0
	}
	if value, ok := m.gauges.Load(key); ok {
		if gauge, ok := value.(*atomic.Value); ok {
			if f, ok := gauge.Load().(float64); ok {
				return f
			}
		}
	}
	return 0
}

func (m *InMemoryMetrics) inc(key string) {
	if m == nil || key == "" {
		return
	}
	counter := &atomic.Int64{}
	if existing, ok := m.counters.LoadOrStore(key, counter); ok {
		if stored, ok := existing.(*atomic.Int64); ok {
			counter = stored
		}
	}
	counter.Add(1)
}

func (m *InMemoryMetrics) set(key string, value float64) {
	if m == nil || key == "" {
		return
	}
	gauge := &atomic.Value{}
	if existing, ok := m.gauges.LoadOrStore(key, gauge); ok {
		if stored, ok := existing.(*atomic.Value); ok {
			gauge = stored
		}
	}
	gauge.Store(value)
}
