// Package gatelimit provides configuration loading.
package gatelimit

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"
)

// LoadOptions controls config loading.
type LoadOptions struct {
	ConfigPath string
	Args       []string
	Environ    []string
}

// LoadConfig loads configuration from defaults, file, env, and flags, in
// that order of increasing precedence.
func LoadConfig(opts LoadOptions) (*Config, error) {
	args := opts.Args
	if args == nil {
		args = os.Args[1:]
	}
	environ := opts.Environ
	if environ == nil {
		environ = os.Environ()
	}

	flagOverrides, err := parseFlagOverrides(args)
	if err != nil {
		return nil, err
	}
	configPath := opts.ConfigPath
	if flagOverrides.ConfigPath != nil {
		configPath = *flagOverrides.ConfigPath
	}

	cfg := DefaultConfig()
	if configPath != "" {
		fileOverrides, err := loadConfigFile(configPath)
		if err != nil {
			return nil, err
		}
		applyOverrides(cfg, fileOverrides)
	}
	envOverrides, err := parseEnvOverrides(environ)
	if err != nil {
		return nil, err
	}
	applyOverrides(cfg, envOverrides)
	applyOverrides(cfg, flagOverrides.configOverrides)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DefaultConfig returns compiled defaults.
func DefaultConfig() *Config {
	return &Config{
		Mode:           ModeShadow,
		EnableHTTP:     true,
		HTTPListenAddr: ":8080",
		StoreTimeout:   100 * time.Millisecond,
		RequestTimeout: time.Second,
		BreakerOptions: CircuitOptions{
			FailureThreshold: 5,
			Timeout:          60 * time.Second,
			SuccessThreshold: 2,
		},
		FallbackPolicy: FallbackPolicy{
			RPM:           60,
			BurstCapacity: 10,
			Window:        time.Minute,
			SweepInterval: 5 * time.Minute,
		},
		PolicyCacheTTL:        time.Minute,
		PolicyCacheMaxSize:    10000,
		PolicyRefreshInterval: 30 * time.Second,
		OverrideCacheTTL:      30 * time.Second,
		OverrideCacheMaxSize:  10000,
		Detector: DetectorOptions{
			Enabled:           true,
			Interval:          time.Minute,
			Threshold:         0.8,
			Window:            5 * time.Minute,
			PenaltyDuration:   5 * time.Minute,
			PenaltyType:       PenaltyAdaptive,
			PenaltyMultiplier: 0.1,
		},
		HTTPReadTimeout:  5 * time.Second,
		HTTPWriteTimeout: 10 * time.Second,
		HTTPIdleTimeout:  60 * time.Second,
		MaxBodyBytes:     1 << 20,
	}
}

// configOverrides carries optional settings from one source.
type configOverrides struct {
	Mode                 *string `json:"mode"`
	EnableHTTP           *bool   `json:"enable_http"`
	HTTPListenAddr       *string `json:"http_listen_addr"`
	RedisAddr            *string `json:"redis_addr"`
	RedisPassword        *string `json:"redis_password"`
	RedisDB              *int    `json:"redis_db"`
	StoreTimeoutMs       *int64  `json:"store_timeout_ms"`
	RequestTimeoutMs     *int64  `json:"request_timeout_ms"`
	BreakerFailures      *int    `json:"circuit_breaker_failure_threshold"`
	BreakerTimeoutMs     *int64  `json:"circuit_breaker_timeout_ms"`
	BreakerSuccesses     *int    `json:"circuit_breaker_success_threshold"`
	FallbackRPM          *int64  `json:"fallback_rpm"`
	FallbackBurst        *int64  `json:"fallback_burst_capacity"`
	PolicyCacheTTLMs     *int64  `json:"policy_cache_ttl_ms"`
	PolicyCacheMaxSize   *int    `json:"policy_cache_max_size"`
	PolicyRefreshMs      *int64  `json:"policy_cache_refresh_interval_ms"`
	OverrideCacheTTLMs   *int64  `json:"override_cache_ttl_ms"`
	OverrideCacheMaxSize *int    `json:"override_cache_max_size"`
	AbuseEnabled         *bool   `json:"abuse_enabled"`
	AbuseCheckIntervalMs *int64  `json:"abuse_check_interval_ms"`
	AbuseThreshold       *string `json:"abuse_throttle_threshold"`
	AbuseWindowMinutes   *int64  `json:"abuse_window_minutes"`
	AbusePenaltyMs       *int64  `json:"abuse_penalty_duration_ms"`
	AbusePenaltyType     *string `json:"abuse_penalty_type"`
	AbuseMultiplier      *string `json:"abuse_penalty_multiplier"`
	PrometheusURL        *string `json:"telemetry_prometheus_url"`
	AuthSecret           *string `json:"auth_secret"`
	AdminToken           *string `json:"admin_token"`
	HTTPReadTimeoutMs    *int64  `json:"http_read_timeout_ms"`
	HTTPWriteTimeoutMs   *int64  `json:"http_write_timeout_ms"`
	HTTPIdleTimeoutMs    *int64  `json:"http_idle_timeout_ms"`
	MaxBodyBytes         *int64  `json:"max_body_bytes"`
}

func loadConfigFile(path string) (configOverrides, error) {
	overrides := configOverrides{}
	file, err := os.Open(path)
	if err != nil {
		return overrides, fmt.Errorf("open config file: %w", err)
	}
	defer func() { _ = file.Close() }()
	data, err := io.ReadAll(file)
	if err != nil {
		return overrides, fmt.Errorf("read config file: %w", err)
	}
	if err := json.Unmarshal(data, &overrides); err != nil {
		return overrides, fmt.Errorf("parse config file: %w", err)
	}
	return overrides, nil
}

type flagOverrides struct {
	ConfigPath *string
	configOverrides
}

func parseFlagOverrides(args []string) (flagOverrides, error) {
	overrides := flagOverrides{}
	fs := flag.NewFlagSet("gatelimit", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	configPath := fs.String("config", "", "config file path")
	mode := fs.String("mode", "", "rate limit mode: shadow|logging|enforcement")
	httpAddr := fs.String("http-addr", "", "http listen address")
	redisAddr := fs.String("redis-addr", "", "redis address")
	prometheusURL := fs.String("prometheus-url", "", "prometheus base url")
	abuseEnabled := fs.String("abuse-enabled", "", "enable abuse detector: true|false")

	if err := fs.Parse(args); err != nil {
		return overrides, err
	}
	if *configPath != "" {
		overrides.ConfigPath = configPath
	}
	if *mode != "" {
		overrides.Mode = mode
	}
	if *httpAddr != "" {
		overrides.HTTPListenAddr = httpAddr
	}
	if *redisAddr != "" {
		overrides.RedisAddr = redisAddr
	}
	if *prometheusURL != "" {
		overrides.PrometheusURL = prometheusURL
	}
	if *abuseEnabled != "" {
		enabled, err := strconv.ParseBool(*abuseEnabled)
		if err != nil {
			return overrides, errors.New("abuse-enabled must be true or false")
		}
		overrides.AbuseEnabled = &enabled
	}
	return overrides, nil
}

func parseEnvOverrides(environ []string) (configOverrides, error) {
	overrides := configOverrides{}
	env := map[string]string{}
	for _, entry := range environ {
		if idx := strings.IndexByte(entry, '='); idx > 0 {
			env[entry[:idx]] = entry[idx+1:]
		}
	}

	stringVar := func(name string, target **string) {
		if value, ok := env[name]; ok {
			v := value
			*target = &v
		}
	}
	var parseErr error
	intVar := func(name string, target **int) {
		value, ok := env[name]
		if !ok {
			return
		}
		parsed, err := strconv.Atoi(value)
		if err != nil {
			parseErr = fmt.Errorf("%s must be an integer", name)
			return
		}
		*target = &parsed
	}
	int64Var := func(name string, target **int64) {
		value, ok := env[name]
		if !ok {
			return
		}
		parsed, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			parseErr = fmt.Errorf("%s must be an integer", name)
			return
		}
		*target = &parsed
	}
	boolVar := func(name string, target **bool) {
		value, ok := env[name]
		if !ok {
			return
		}
		parsed, err := strconv.ParseBool(value)
		if err != nil {
			parseErr = fmt.Errorf("%s must be a boolean", name)
			return
		}
		*target = &parsed
	}

	stringVar("GATELIMIT_MODE", &overrides.Mode)
	boolVar("GATELIMIT_ENABLE_HTTP", &overrides.EnableHTTP)
	stringVar("GATELIMIT_HTTP_ADDR", &overrides.HTTPListenAddr)
	stringVar("GATELIMIT_REDIS_ADDR", &overrides.RedisAddr)
	stringVar("GATELIMIT_REDIS_PASSWORD", &overrides.RedisPassword)
	intVar("GATELIMIT_REDIS_DB", &overrides.RedisDB)
	int64Var("GATELIMIT_STORE_TIMEOUT_MS", &overrides.StoreTimeoutMs)
	int64Var("GATELIMIT_REQUEST_TIMEOUT_MS", &overrides.RequestTimeoutMs)
	intVar("GATELIMIT_BREAKER_FAILURE_THRESHOLD", &overrides.BreakerFailures)
	int64Var("GATELIMIT_BREAKER_TIMEOUT_MS", &overrides.BreakerTimeoutMs)
	intVar("GATELIMIT_BREAKER_SUCCESS_THRESHOLD", &overrides.BreakerSuccesses)
	int64Var("GATELIMIT_FALLBACK_RPM", &overrides.FallbackRPM)
	int64Var("GATELIMIT_FALLBACK_BURST", &overrides.FallbackBurst)
	int64Var("GATELIMIT_POLICY_CACHE_TTL_MS", &overrides.PolicyCacheTTLMs)
	intVar("GATELIMIT_POLICY_CACHE_MAX_SIZE", &overrides.PolicyCacheMaxSize)
	int64Var("GATELIMIT_POLICY_REFRESH_MS", &overrides.PolicyRefreshMs)
	int64Var("GATELIMIT_OVERRIDE_CACHE_TTL_MS", &overrides.OverrideCacheTTLMs)
	intVar("GATELIMIT_OVERRIDE_CACHE_MAX_SIZE", &overrides.OverrideCacheMaxSize)
	boolVar("GATELIMIT_ABUSE_ENABLED", &overrides.AbuseEnabled)
	int64Var("GATELIMIT_ABUSE_CHECK_INTERVAL_MS", &overrides.AbuseCheckIntervalMs)
	stringVar("GATELIMIT_ABUSE_THRESHOLD", &overrides.AbuseThreshold)
	int64Var("GATELIMIT_ABUSE_WINDOW_MINUTES", &overrides.AbuseWindowMinutes)
	int64Var("GATELIMIT_ABUSE_PENALTY_MS", &overrides.AbusePenaltyMs)
	stringVar("GATELIMIT_ABUSE_PENALTY_TYPE", &overrides.AbusePenaltyType)
	stringVar("GATELIMIT_ABUSE_MULTIPLIER", &overrides.AbuseMultiplier)
	stringVar("GATELIMIT_PROMETHEUS_URL", &overrides.PrometheusURL)
	stringVar("GATELIMIT_AUTH_SECRET", &overrides.AuthSecret)
	stringVar("GATELIMIT_ADMIN_TOKEN", &overrides.AdminToken)
	int64Var("GATELIMIT_MAX_BODY_BYTES", &overrides.MaxBodyBytes)

	return overrides, parseErr
}

func applyOverrides(cfg *Config, overrides configOverrides) {
	if cfg == nil {
		return
	}
	if overrides.Mode != nil {
		cfg.Mode = Mode(*overrides.Mode)
	}
	if overrides.EnableHTTP != nil {
		cfg.EnableHTTP = *overrides.EnableHTTP
	}
	if overrides.HTTPListenAddr != nil {
		cfg.HTTPListenAddr = *overrides.HTTPListenAddr
	}
	if overrides.RedisAddr != nil {
		cfg.RedisAddr = *overrides.RedisAddr
	}
	if overrides.RedisPassword != nil {
		cfg.RedisPassword = *overrides.RedisPassword
	}
	if overrides.RedisDB != nil {
		cfg.RedisDB = *overrides.RedisDB
	}
	if overrides.StoreTimeoutMs != nil {
		cfg.StoreTimeout = time.Duration(*overrides.StoreTimeoutMs) * time.Millisecond
	}
	if overrides.RequestTimeoutMs != nil {
		cfg.RequestTimeout = time.Duration(*overrides.RequestTimeoutMs) * time.Millisecond
	}
	if overrides.BreakerFailures != nil {
		cfg.BreakerOptions.FailureThreshold = *overrides.BreakerFailures
	}
	if overrides.BreakerTimeoutMs != nil {
		cfg.BreakerOptions.Timeout = time.Duration(*overrides.BreakerTimeoutMs) * time.Millisecond
	}
	if overrides.BreakerSuccesses != nil {
		cfg.BreakerOptions.SuccessThreshold = *overrides.BreakerSuccesses
	}
	if overrides.FallbackRPM != nil {
		cfg.FallbackPolicy.RPM = *overrides.FallbackRPM
	}
	if overrides.FallbackBurst != nil {
		cfg.FallbackPolicy.BurstCapacity = *overrides.FallbackBurst
	}
	if overrides.PolicyCacheTTLMs != nil {
		cfg.PolicyCacheTTL = time.Duration(*overrides.PolicyCacheTTLMs) * time.Millisecond
	}
	if overrides.PolicyCacheMaxSize != nil {
		cfg.PolicyCacheMaxSize = *overrides.PolicyCacheMaxSize
	}
	if overrides.PolicyRefreshMs != nil {
		cfg.PolicyRefreshInterval = time.Duration(*overrides.PolicyRefreshMs) * time.Millisecond
	}
	if overrides.OverrideCacheTTLMs != nil {
		cfg.OverrideCacheTTL = time.Duration(*overrides.OverrideCacheTTLMs) * time.Millisecond
	}
	if overrides.OverrideCacheMaxSize != nil {
		cfg.OverrideCacheMaxSize = *overrides.OverrideCacheMaxSize
	}
	if overrides.AbuseEnabled != nil {
		cfg.Detector.Enabled = *overrides.AbuseEnabled
	}
	if overrides.AbuseCheckIntervalMs != nil {
		cfg.Detector.Interval = time.Duration(*overrides.AbuseCheckIntervalMs) * time.Millisecond
	}
	if overrides.AbuseThreshold != nil {
		if parsed, err := strconv.ParseFloat(*overrides.AbuseThreshold, 64); err == nil {
			cfg.Detector.Threshold = parsed
		}
	}
	if overrides.AbuseWindowMinutes != nil {
		cfg.Detector.Window = time.Duration(*overrides.AbuseWindowMinutes) * time.Minute
	}
	if overrides.AbusePenaltyMs != nil {
		cfg.Detector.PenaltyDuration = time.Duration(*overrides.AbusePenaltyMs) * time.Millisecond
	}
	if overrides.AbusePenaltyType != nil {
		cfg.Detector.PenaltyType = PenaltyType(*overrides.AbusePenaltyType)
	}
	if overrides.AbuseMultiplier != nil {
		if parsed, err := strconv.ParseFloat(*overrides.AbuseMultiplier, 64); err == nil {
			cfg.Detector.PenaltyMultiplier = parsed
		}
	}
	if overrides.PrometheusURL != nil {
		cfg.PrometheusURL = *overrides.PrometheusURL
	}
	if overrides.AuthSecret != nil {
		cfg.AuthSecret = *overrides.AuthSecret
	}
	if overrides.AdminToken != nil {
		cfg.AdminToken = *overrides.AdminToken
	}
	if overrides.HTTPReadTimeoutMs != nil {
		cfg.HTTPReadTimeout = time.Duration(*overrides.HTTPReadTimeoutMs) * time.Millisecond
	}
	if overrides.HTTPWriteTimeoutMs != nil {
		cfg.HTTPWriteTimeout = time.Duration(*overrides.HTTPWriteTimeoutMs) * time.Millisecond
	}
	if overrides.HTTPIdleTimeoutMs != nil {
		cfg.HTTPIdleTimeout = time.Duration(*overrides.HTTPIdleTimeoutMs) * time.Millisecond
	}
	if overrides.MaxBodyBytes != nil {
		cfg.MaxBodyBytes = *overrides.MaxBodyBytes
	}
}
