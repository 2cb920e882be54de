// Package gatelimit provides the HTTP middleware adapter.
package gatelimit

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
)

// Mode selects how hard-deny decisions are applied.
type Mode string

const (
	ModeShadow      Mode = "shadow"
	ModeLogging     Mode = "logging"
	ModeEnforcement Mode = "enforcement"
)

// ValidMode reports whether the mode is recognised.
func ValidMode(mode Mode) bool {
	switch mode {
	case ModeShadow, ModeLogging, ModeEnforcement:
		return true
	}
	return false
}

// Middleware injects rate-limit decisions into an HTTP handler chain.
type Middleware struct {
	decisioner *Decisioner
	identity   *IdentityExtractor
	metrics    Metrics
	logger     Logger
	mode       Mode
}

// NewMiddleware constructs a middleware.
func NewMiddleware(decisioner *Decisioner, identity *IdentityExtractor, mode Mode, metrics Metrics, logger Logger) *Middleware {
	if metrics == nil {
		metrics = NewInMemoryMetrics()
	}
	if logger == nil {
		logger = NopLogger{}
	}
	if !ValidMode(mode) {
		mode = ModeShadow
	}
	return &Middleware{
		decisioner: decisioner,
		identity:   identity,
		metrics:    metrics,
		logger:     logger,
		mode:       mode,
	}
}

// Wrap applies rate limiting around a handler.
func (m *Middleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m == nil || m.decisioner == nil || m.identity == nil {
			next.ServeHTTP(w, r)
			return
		}
		identity := m.identity.Extract(r)
		decision, err := m.decisioner.Decide(r.Context(), identity)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				// caller went away; no decision, no response
				return
			}
			// limiter internals never cost the request
			w.Header().Set("X-RateLimit-Error", "true")
			next.ServeHTTP(w, r)
			return
		}

		m.metrics.IncRequest(identity.TenantID, identity.Endpoint, resultLabel(decision), decision.State.String(), string(m.mode))

		header := w.Header()
		header.Set("X-RateLimit-Limit", strconv.FormatInt(decision.Limit, 10))
		header.Set("X-RateLimit-Remaining", strconv.FormatInt(decision.Remaining, 10))
		header.Set("X-RateLimit-Reset", strconv.FormatInt(decision.ResetEpochS, 10))
		header.Set("X-RateLimit-Mode", string(m.mode))
		if decision.State == StateSoft && decision.Allowed {
			header.Set("X-RateLimit-Warning", "approaching rate limit for "+string(decision.Scope))
		}

		if decision.Allowed {
			next.ServeHTTP(w, r)
			return
		}

		switch m.mode {
		case ModeShadow:
			header.Set("X-RateLimit-Shadow", "true")
			next.ServeHTTP(w, r)
		case ModeLogging:
			header.Set("X-RateLimit-Exceeded", "true")
			m.logger.Info("rate limit exceeded", map[string]any{
				"tenant_id": identity.TenantID,
				"endpoint":  identity.Endpoint,
				"scope":     string(decision.Scope),
			})
			next.ServeHTTP(w, r)
		default:
			m.reject(w, decision)
		}
	})
}

func (m *Middleware) reject(w http.ResponseWriter, decision *Decision) {
	header := w.Header()
	header.Set("Retry-After", strconv.FormatInt(decision.RetryAfterS, 10))
	header.Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error":       "Too Many Requests",
		"message":     "Rate limit exceeded for " + string(decision.Scope),
		"limit":       decision.Limit,
		"remaining":   decision.Remaining,
		"reset":       decision.ResetEpochS,
		"retry_after": decision.RetryAfterS,
		"scope":       string(decision.Scope),
	})
}

func resultLabel(decision *Decision) string {
	switch decision.State {
	case StateHard:
		return "throttled_hard"
	case StateSoft:
		return "throttled_soft"
	default:
		return "allowed"
	}
}
