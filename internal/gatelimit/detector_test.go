package gatelimit

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakeTelemetry struct {
	ratios []TenantRatio
	err    error
	calls  int
}

func (f *fakeTelemetry) ThrottleRatios(ctx context.Context, window time.Duration) ([]TenantRatio, error) {
	f.calls++
	return f.ratios, f.err
}

func detectorFixture(telemetry TelemetryQuerier, opts DetectorOptions) (*AbuseDetector, *OverrideCache, *InMemoryMetrics) {
	overrideDB := NewInMemoryOverrideDB()
	cache := NewOverrideCache(overrideDB, OverrideCacheOptions{}, nil)
	metrics := NewInMemoryMetrics()
	return NewAbuseDetector(telemetry, cache, opts, metrics, nil), cache, metrics
}

func TestDetector_FlagsAbusiveTenant(t *testing.T) {
	t.Parallel()

	telemetry := &fakeTelemetry{ratios: []TenantRatio{
		{TenantID: "abuser", Ratio: 0.95},
		{TenantID: "normal", Ratio: 0.2},
	}}
	detector, cache, metrics := detectorFixture(telemetry, DetectorOptions{Enabled: true})

	detector.RunOnce(context.Background())

	active, err := cache.ListActive(context.Background(), "abuser")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(active) != 1 {
		t.Fatalf("expected one penalty override, got %d", len(active))
	}
	o := active[0]
	if o.Type != OverridePenaltyMultiplier {
		t.Fatalf("adaptive penalty must be a multiplier, got %v", o.Type)
	}
	if o.Source != SourceAutoDetector {
		t.Fatalf("expected auto_detector source, got %v", o.Source)
	}
	if !o.ExpiresAt.After(time.Now()) {
		t.Fatalf("penalty overrides must have a finite future expiry")
	}

	clean, err := cache.ListActive(context.Background(), "normal")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(clean) != 0 {
		t.Fatalf("tenant below threshold must not be flagged")
	}

	if metrics.Counter("abuse_detection_flags_total|abuser|high") != 1 {
		t.Fatalf("expected high severity flag metric")
	}
	if metrics.Counter("abuse_detection_job_runs_total|success") != 1 {
		t.Fatalf("expected success job run metric")
	}
	if metrics.Counter("override_applied_total|penalty_multiplier|auto_detector") != 1 {
		t.Fatalf("expected override applied metric")
	}
}

func TestDetector_SkipsTenantWithActiveOverride(t *testing.T) {
	t.Parallel()

	telemetry := &fakeTelemetry{ratios: []TenantRatio{{TenantID: "abuser", Ratio: 0.95}}}
	detector, cache, _ := detectorFixture(telemetry, DetectorOptions{Enabled: true})

	existing := &Override{
		ID:        "manual",
		TenantID:  "abuser",
		Type:      OverrideTemporaryBan,
		Source:    SourceManualOperator,
		CreatedAt: time.Now(),
		ExpiresAt: time.Now().Add(time.Hour),
	}
	if err := cache.Create(context.Background(), existing); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	detector.RunOnce(context.Background())

	active, err := cache.ListActive(context.Background(), "abuser")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(active) != 1 {
		t.Fatalf("detector must not stack penalties, got %d overrides", len(active))
	}
}

func TestDetector_FixedPenaltyCreatesCustomLimit(t *testing.T) {
	t.Parallel()

	telemetry := &fakeTelemetry{ratios: []TenantRatio{{TenantID: "abuser", Ratio: 0.9}}}
	detector, cache, _ := detectorFixture(telemetry, DetectorOptions{
		Enabled:      true,
		PenaltyType:  PenaltyFixed,
		PenaltyRate:  30,
		PenaltyBurst: 5,
	})

	detector.RunOnce(context.Background())

	active, err := cache.ListActive(context.Background(), "abuser")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(active) != 1 || active[0].Type != OverrideCustomLimit {
		t.Fatalf("expected custom limit override, got %+v", active)
	}
	if active[0].CustomRate != 30 || active[0].CustomBurst != 5 {
		t.Fatalf("unexpected custom limit values: %+v", active[0])
	}
}

func TestDetector_KillSwitch(t *testing.T) {
	t.Parallel()

	telemetry := &fakeTelemetry{ratios: []TenantRatio{{TenantID: "abuser", Ratio: 0.95}}}
	detector, cache, _ := detectorFixture(telemetry, DetectorOptions{Enabled: false})

	detector.RunOnce(context.Background())
	if telemetry.calls != 0 {
		t.Fatalf("disabled detector must not query telemetry")
	}

	detector.SetEnabled(true)
	detector.RunOnce(context.Background())
	active, err := cache.ListActive(context.Background(), "abuser")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(active) != 1 {
		t.Fatalf("re-enabled detector must act, got %d overrides", len(active))
	}
}

func TestDetector_QueryFailureCountsErrorRun(t *testing.T) {
	t.Parallel()

	telemetry := &fakeTelemetry{err: errors.New("prometheus down")}
	detector, _, metrics := detectorFixture(telemetry, DetectorOptions{Enabled: true})

	detector.RunOnce(context.Background())
	if metrics.Counter("abuse_detection_job_runs_total|error") != 1 {
		t.Fatalf("expected error job run metric")
	}
}

func TestDetector_MediumSeverityBelowPoint8(t *testing.T) {
	t.Parallel()

	telemetry := &fakeTelemetry{ratios: []TenantRatio{{TenantID: "warm", Ratio: 0.7}}}
	detector, _, metrics := detectorFixture(telemetry, DetectorOptions{Enabled: true, Threshold: 0.5})

	detector.RunOnce(context.Background())
	if metrics.Counter("abuse_detection_flags_total|warm|medium") != 1 {
		t.Fatalf("expected medium severity flag for ratio 0.7 with threshold 0.5")
	}
}
