// Package gatelimit provides the Prometheus metrics implementation.
package gatelimit

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusMetrics implements Metrics on a prometheus registry.
type PrometheusMetrics struct {
	registry *prometheus.Registry

	requests          *prometheus.CounterVec
	checkDuration     *prometheus.HistogramVec
	bucketTokens      *prometheus.GaugeVec
	bucketUsagePct    *prometheus.GaugeVec
	cacheHits         prometheus.Counter
	cacheMisses       prometheus.Counter
	cacheHitRatio     prometheus.Gauge
	fallbacks         *prometheus.CounterVec
	circuitState      *prometheus.GaugeVec
	circuitTransition *prometheus.CounterVec
	overrideApplied   *prometheus.CounterVec
	abuseFlags        *prometheus.CounterVec
	abuseJobRuns      *prometheus.CounterVec
	cancelled         prometheus.Counter
}

// NewPrometheusMetrics constructs and registers the metric set.
func NewPrometheusMetrics() *PrometheusMetrics {
	registry := prometheus.NewRegistry()
	m := &PrometheusMetrics{
		registry: registry,
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "requests_total",
			Help: "Rate limit decisions by outcome.",
		}, []string{"tenant_id", "endpoint", "result", "state", "mode"}),
		checkDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "check_duration_ms",
			Help:    "Bucket check latency in milliseconds.",
			Buckets: []float64{0.5, 1, 2, 5, 10, 25, 50, 100, 250, 500},
		}, []string{"scope"}),
		bucketTokens: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "bucket_tokens",
			Help: "Remaining tokens per bucket scope.",
		}, []string{"scope", "tenant_id"}),
		bucketUsagePct: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "bucket_usage_pct",
			Help: "Bucket usage percentage.",
		}, []string{"scope", "tenant_id", "endpoint"}),
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "policy_cache_hits_total",
			Help: "Policy cache hits.",
		}),
		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "policy_cache_misses_total",
			Help: "Policy cache misses.",
		}),
		cacheHitRatio: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "policy_cache_hit_ratio",
			Help: "Policy cache hit ratio.",
		}),
		fallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fallback_activations_total",
			Help: "Local fallback activations.",
		}, []string{"reason"}),
		circuitState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Breaker state (0=closed,1=half,2=open).",
		}, []string{"resource"}),
		circuitTransition: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "circuit_breaker_transitions_total",
			Help: "Breaker state transitions.",
		}, []string{"resource", "from", "to"}),
		overrideApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "override_applied_total",
			Help: "Overrides applied to decisions.",
		}, []string{"type", "source"}),
		abuseFlags: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "abuse_detection_flags_total",
			Help: "Tenants flagged by the abuse detector.",
		}, []string{"tenant_id", "severity"}),
		abuseJobRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "abuse_detection_job_runs_total",
			Help: "Abuse detector runs by status.",
		}, []string{"status"}),
		cancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "requests_cancelled_total",
			Help: "Requests cancelled before a decision.",
		}),
	}
	registry.MustRegister(
		m.requests, m.checkDuration, m.bucketTokens, m.bucketUsagePct,
		m.cacheHits, m.cacheMisses, m.cacheHitRatio, m.fallbacks,
		m.circuitState, m.circuitTransition, m.overrideApplied,
		m.abuseFlags, m.abuseJobRuns, m.cancelled,
	)
	return m
}

// Handler serves the registry over HTTP.
func (m *PrometheusMetrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// IncRequest increments the request counter.
func (m *PrometheusMetrics) IncRequest(tenantID, endpoint, result, state, mode string) {
	m.requests.WithLabelValues(tenantID, endpoint, result, state, mode).Inc()
}

// ObserveCheckDuration records check latency.
func (m *PrometheusMetrics) ObserveCheckDuration(scope string, d time.Duration) {
	m.checkDuration.WithLabelValues(scope).Observe(float64(d) / float64(time.Millisecond))
}

// SetBucketTokens records a token gauge.
func (m *PrometheusMetrics) SetBucketTokens(scope, tenantID string, tokens float64) {
	m.bucketTokens.WithLabelValues(scope, tenantID).Set(tokens)
}

// SetBucketUsagePct records a usage gauge.
func (m *PrometheusMetrics) SetBucketUsagePct(scope, tenantID, endpoint string, pct float64) {
	m.bucketUsagePct.WithLabelValues(scope, tenantID, endpoint).Set(pct)
}

// IncPolicyCacheHit increments the cache hit counter.
func (m *PrometheusMetrics) IncPolicyCacheHit() { m.cacheHits.Inc() }

// IncPolicyCacheMiss increments the cache miss counter.
func (m *PrometheusMetrics) IncPolicyCacheMiss() { m.cacheMisses.Inc() }

// SetPolicyCacheHitRatio records the hit ratio gauge.
func (m *PrometheusMetrics) SetPolicyCacheHitRatio(ratio float64) { m.cacheHitRatio.Set(ratio) }

// IncFallbackActivation increments the fallback counter.
func (m *PrometheusMetrics) IncFallbackActivation(reason string) {
	m.fallbacks.WithLabelValues(reason).Inc()
}

// SetCircuitState records the breaker state gauge.
func (m *PrometheusMetrics) SetCircuitState(resource string, state CircuitState) {
	m.circuitState.WithLabelValues(resource).Set(float64(state.gaugeValue()))
}

// IncCircuitTransition increments the transition counter.
func (m *PrometheusMetrics) IncCircuitTransition(resource, from, to string) {
	m.circuitTransition.WithLabelValues(resource, from, to).Inc()
}

// IncOverrideApplied increments the override counter.
func (m *PrometheusMetrics) IncOverrideApplied(overrideType, source string) {
	m.overrideApplied.WithLabelValues(overrideType, source).Inc()
}

// IncAbuseFlag increments the abuse flag counter.
func (m *PrometheusMetrics) IncAbuseFlag(tenantID, severity string) {
	m.abuseFlags.WithLabelValues(tenantID, severity).Inc()
}

// IncAbuseJobRun increments the detector job counter.
func (m *PrometheusMetrics) IncAbuseJobRun(status string) {
	m.abuseJobRuns.WithLabelValues(status).Inc()
}

// IncCancelled increments the cancellation counter.
func (m *PrometheusMetrics) IncCancelled() { m.cancelled.Inc() }
