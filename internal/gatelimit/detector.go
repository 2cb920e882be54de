// Package gatelimit provides the abuse detector.
package gatelimit

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// TenantRatio reports a tenant's throttled/total ratio over the window.
type TenantRatio struct {
	TenantID string
	Ratio    float64
}

// TelemetryQuerier answers aggregated throttle-ratio queries.
type TelemetryQuerier interface {
	ThrottleRatios(ctx context.Context, window time.Duration) ([]TenantRatio, error)
}

// PenaltyType selects how detected abusers are limited.
type PenaltyType string

const (
	PenaltyAdaptive PenaltyType = "adaptive"
	PenaltyFixed    PenaltyType = "fixed"
)

// DetectorOptions configures the abuse detector.
type DetectorOptions struct {
	Enabled           bool
	Interval          time.Duration
	Threshold         float64
	Window            time.Duration
	PenaltyDuration   time.Duration
	PenaltyType       PenaltyType
	PenaltyMultiplier float64
	PenaltyRate       int64
	PenaltyBurst      int64
}

func normalizeDetectorOptions(opts DetectorOptions) DetectorOptions {
	if opts.Interval <= 0 {
		opts.Interval = time.Minute
	}
	if opts.Threshold <= 0 {
		opts.Threshold = 0.8
	}
	if opts.Window <= 0 {
		opts.Window = 5 * time.Minute
	}
	if opts.PenaltyDuration <= 0 {
		opts.PenaltyDuration = 5 * time.Minute
	}
	if opts.PenaltyType == "" {
		opts.PenaltyType = PenaltyAdaptive
	}
	if opts.PenaltyMultiplier <= 0 || opts.PenaltyMultiplier > 1 {
		opts.PenaltyMultiplier = 0.1
	}
	if opts.PenaltyRate <= 0 {
		opts.PenaltyRate = 60
	}
	if opts.PenaltyBurst <= 0 {
		opts.PenaltyBurst = 10
	}
	return opts
}

// AbuseDetector periodically flags abusive tenants and installs
// time-bounded penalty overrides.
type AbuseDetector struct {
	querier   TelemetryQuerier
	overrides *OverrideCache
	opts      DetectorOptions
	metrics   Metrics
	logger    Logger
	now       func() time.Time

	enabled  atomic.Bool
	inFlight atomic.Bool
}

// NewAbuseDetector constructs a detector.
func NewAbuseDetector(querier TelemetryQuerier, overrides *OverrideCache, opts DetectorOptions, metrics Metrics, logger Logger) *AbuseDetector {
	opts = normalizeDetectorOptions(opts)
	if metrics == nil {
		metrics = NewInMemoryMetrics()
	}
	if logger == nil {
		logger = NopLogger{}
	}
	detector := &AbuseDetector{
		querier:   querier,
		overrides: overrides,
		opts:      opts,
		metrics:   metrics,
		logger:    logger,
		now:       time.Now,
	}
	detector.enabled.Store(opts.Enabled)
	return detector
}

// SetEnabled flips the kill switch.
func (det *AbuseDetector) SetEnabled(enabled bool) {
	if det == nil {
		return
	}
	det.enabled.Store(enabled)
}

// Start runs the detection loop until the context ends.
func (det *AbuseDetector) Start(ctx context.Context) error {
	if det == nil || det.querier == nil || det.overrides == nil {
		return errors.New("abuse detector is not configured")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ticker := time.NewTicker(det.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			det.RunOnce(ctx)
		}
	}
}

// RunOnce executes one detection pass. Overlapping invocations are dropped.
func (det *AbuseDetector) RunOnce(ctx context.Context) {
	if det == nil || !det.enabled.Load() {
		return
	}
	if !det.inFlight.CompareAndSwap(false, true) {
		det.metrics.IncAbuseJobRun("skipped")
		return
	}
	defer det.inFlight.Store(false)

	ratios, err := det.querier.ThrottleRatios(ctx, det.opts.Window)
	if err != nil {
		det.logger.Error("telemetry query failed", map[string]any{"error": err.Error()})
		det.metrics.IncAbuseJobRun("error")
		return
	}

	for _, entry := range ratios {
		if entry.Ratio <= det.opts.Threshold || entry.TenantID == "" {
			continue
		}
		if det.hasActiveOverride(ctx, entry.TenantID) {
			continue
		}
		severity := "medium"
		if entry.Ratio > 0.8 {
			severity = "high"
		}
		override := det.buildOverride(entry)
		if err := det.overrides.Create(ctx, override); err != nil {
			det.logger.Error("penalty override creation failed", map[string]any{
				"tenant_id": entry.TenantID,
				"error":     err.Error(),
			})
			continue
		}
		det.metrics.IncAbuseFlag(entry.TenantID, severity)
		det.metrics.IncOverrideApplied(string(override.Type), string(override.Source))
		det.logger.Info("abusive tenant flagged", map[string]any{
			"tenant_id": entry.TenantID,
			"ratio":     entry.Ratio,
			"severity":  severity,
			"expires":   override.ExpiresAt.UTC().Format(time.RFC3339),
		})
	}
	det.metrics.IncAbuseJobRun("success")
}

func (det *AbuseDetector) hasActiveOverride(ctx context.Context, tenantID string) bool {
	active, err := det.overrides.ListActive(ctx, tenantID)
	if err != nil {
		// unknown state: do not stack penalties on a tenant we cannot read
		det.logger.Error("override listing failed", map[string]any{
			"tenant_id": tenantID,
			"error":     err.Error(),
		})
		return true
	}
	return len(active) > 0
}

func (det *AbuseDetector) buildOverride(entry TenantRatio) *Override {
	now := det.now()
	override := &Override{
		ID:        uuid.NewString(),
		TenantID:  entry.TenantID,
		Source:    SourceAutoDetector,
		Reason:    fmt.Sprintf("throttle ratio %.2f over last %s", entry.Ratio, det.opts.Window),
		CreatedAt: now,
		ExpiresAt: now.Add(det.opts.PenaltyDuration),
	}
	if det.opts.PenaltyType == PenaltyFixed {
		override.Type = OverrideCustomLimit
		override.CustomRate = det.opts.PenaltyRate
		override.CustomBurst = det.opts.PenaltyBurst
	} else {
		override.Type = OverridePenaltyMultiplier
		override.PenaltyMultiplier = det.opts.PenaltyMultiplier
	}
	return override
}
