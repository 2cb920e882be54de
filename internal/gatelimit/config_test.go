package gatelimit

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadConfig_Defaults(t *testing.T) {
	t.Parallel()

	cfg, err := LoadConfig(LoadOptions{Args: []string{}, Environ: []string{}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Mode != ModeShadow {
		t.Fatalf("expected shadow default mode, got %v", cfg.Mode)
	}
	if cfg.StoreTimeout != 100*time.Millisecond {
		t.Fatalf("expected 100ms store timeout, got %v", cfg.StoreTimeout)
	}
	if cfg.BreakerOptions.FailureThreshold != 5 || cfg.BreakerOptions.SuccessThreshold != 2 {
		t.Fatalf("unexpected breaker defaults: %+v", cfg.BreakerOptions)
	}
	if cfg.BreakerOptions.Timeout != 60*time.Second {
		t.Fatalf("expected 60s breaker timeout, got %v", cfg.BreakerOptions.Timeout)
	}
	if cfg.FallbackPolicy.RPM != 60 || cfg.FallbackPolicy.BurstCapacity != 10 {
		t.Fatalf("unexpected fallback defaults: %+v", cfg.FallbackPolicy)
	}
	if cfg.PolicyCacheTTL != time.Minute || cfg.PolicyCacheMaxSize != 10000 {
		t.Fatalf("unexpected policy cache defaults")
	}
	if cfg.PolicyRefreshInterval != 30*time.Second {
		t.Fatalf("unexpected refresh interval: %v", cfg.PolicyRefreshInterval)
	}
	if cfg.OverrideCacheTTL != 30*time.Second || cfg.OverrideCacheMaxSize != 10000 {
		t.Fatalf("unexpected override cache defaults")
	}
	if !cfg.Detector.Enabled || cfg.Detector.Threshold != 0.8 {
		t.Fatalf("unexpected detector defaults: %+v", cfg.Detector)
	}
	if cfg.Detector.PenaltyType != PenaltyAdaptive || cfg.Detector.PenaltyMultiplier != 0.1 {
		t.Fatalf("unexpected penalty defaults: %+v", cfg.Detector)
	}
}

func TestLoadConfig_FileThenEnvThenFlags(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.json")
	content := `{"mode":"logging","http_listen_addr":":9999","fallback_rpm":120}`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadConfig(LoadOptions{
		Args: []string{"-config", path, "-mode", "enforcement"},
		Environ: []string{
			"GATELIMIT_HTTP_ADDR=:7777",
			"GATELIMIT_STORE_TIMEOUT_MS=250",
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Mode != ModeEnforcement {
		t.Fatalf("flags must outrank file, got %v", cfg.Mode)
	}
	if cfg.HTTPListenAddr != ":7777" {
		t.Fatalf("env must outrank file, got %v", cfg.HTTPListenAddr)
	}
	if cfg.FallbackPolicy.RPM != 120 {
		t.Fatalf("file must outrank defaults, got %d", cfg.FallbackPolicy.RPM)
	}
	if cfg.StoreTimeout != 250*time.Millisecond {
		t.Fatalf("expected env store timeout, got %v", cfg.StoreTimeout)
	}
}

func TestLoadConfig_RejectsInvalidMode(t *testing.T) {
	t.Parallel()

	if _, err := LoadConfig(LoadOptions{Args: []string{"-mode", "yolo"}, Environ: []string{}}); err == nil {
		t.Fatalf("expected invalid mode to fail validation")
	}
}

func TestLoadConfig_RejectsBadEnvValue(t *testing.T) {
	t.Parallel()

	_, err := LoadConfig(LoadOptions{Args: []string{}, Environ: []string{"GATELIMIT_STORE_TIMEOUT_MS=soon"}})
	if err == nil {
		t.Fatalf("expected malformed env value to fail")
	}
}

func TestConfigValidate_Ranges(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.Detector.Threshold = 1.5
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected threshold out of range to fail")
	}

	cfg = DefaultConfig()
	cfg.Detector.PenaltyMultiplier = -0.1
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected negative multiplier to fail")
	}

	cfg = DefaultConfig()
	cfg.Detector.PenaltyType = "strange"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected unknown penalty type to fail")
	}

	cfg = DefaultConfig()
	cfg.StoreTimeout = -time.Second
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected negative timeout to fail")
	}
}

func TestThrottleConfig_Validation(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name  string
		tc    ThrottleConfig
		valid bool
	}{
		{"hard only", ThrottleConfig{HardThresholdPct: 110}, true},
		{"soft below hard", ThrottleConfig{SoftThresholdPct: 100, HardThresholdPct: 110}, true},
		{"soft equals hard", ThrottleConfig{SoftThresholdPct: 110, HardThresholdPct: 110}, false},
		{"soft above hard", ThrottleConfig{SoftThresholdPct: 120, HardThresholdPct: 110}, false},
		{"hard zero", ThrottleConfig{}, false},
		{"hard above 200", ThrottleConfig{HardThresholdPct: 250}, false},
	}
	for _, tc := range cases {
		if got := tc.tc.Valid(); got != tc.valid {
			t.Fatalf("%s: Valid() = %v, want %v", tc.name, got, tc.valid)
		}
	}
}

func TestBucketPolicy_NormalizeAndValidate(t *testing.T) {
	t.Parallel()

	policy := &BucketPolicy{RPM: 600, BurstCapacity: 20}
	policy.Normalize()
	if policy.RefillRatePerSec != 10 {
		t.Fatalf("expected refill rate rpm/60, got %v", policy.RefillRatePerSec)
	}
	if policy.RPS != 10 {
		t.Fatalf("expected rps rpm/60, got %v", policy.RPS)
	}
	if !policy.Valid() {
		t.Fatalf("expected valid policy")
	}

	// burst below one second of capacity is invalid
	tooSmall := &BucketPolicy{RPM: 600, BurstCapacity: 5}
	tooSmall.Normalize()
	if tooSmall.Valid() {
		t.Fatalf("expected burst below rpm/60 to be invalid")
	}
}
