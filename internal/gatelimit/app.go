// Package gatelimit wires application dependencies.
package gatelimit

import (
	"context"
	"errors"
	"net/http"
	"os"
	"sync"
	"sync/atomic"

	"github.com/redis/go-redis/v9"
)

// Application holds core components for the service.
type Application struct {
	Config         *Config
	PolicyCache    *PolicyCache
	OverrideCache  *OverrideCache
	Engine         *BucketEngine
	Breaker        *CircuitBreaker
	Fallback       *FallbackLimiter
	Decisioner     *Decisioner
	Identity       *IdentityExtractor
	RequestLimiter *Middleware
	Admin          *AdminHandler
	Detector       *AbuseDetector
	RefreshWorker  *PolicyRefreshWorker
	Invalidator    *PolicyInvalidator

	metrics       Metrics
	logger        Logger
	bucketStore   BucketStore
	redisClient   redis.UniversalClient
	httpTransport *HTTPTransport
	ready         atomic.Bool
	cancel        context.CancelFunc
	wg            sync.WaitGroup
}

// NewApplication validates configuration and prepares the application.
func NewApplication(cfg *Config) (*Application, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := cfg.Logger
	if logger == nil {
		logger = NewStdLogger(os.Stderr)
	}

	metrics := cfg.Metrics
	var metricsHandler http.Handler
	if metrics == nil {
		prom := NewPrometheusMetrics()
		metrics = prom
		metricsHandler = prom.Handler()
	} else if prom, ok := metrics.(*PrometheusMetrics); ok {
		metricsHandler = prom.Handler()
	}

	var redisClient redis.UniversalClient
	if cfg.RedisAddr != "" && (cfg.BucketStore == nil || cfg.PolicyDB == nil || cfg.OverrideDB == nil) {
		redisClient = redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    []string{cfg.RedisAddr},
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
	}

	bucketStore := cfg.BucketStore
	if bucketStore == nil {
		if redisClient != nil {
			store, err := NewRedisBucketStore(context.Background(), redisClient, cfg.StoreTimeout, logger)
			if err != nil {
				return nil, err
			}
			bucketStore = store
		} else {
			bucketStore = NewInMemoryBucketStore()
		}
	}

	policyDB := cfg.PolicyDB
	if policyDB == nil {
		if redisClient != nil {
			policyDB = NewRedisPolicyDB(redisClient, cfg.StoreTimeout, logger)
		} else {
			policyDB = NewInMemoryPolicyDB()
		}
	}

	overrideDB := cfg.OverrideDB
	if overrideDB == nil {
		if redisClient != nil {
			overrideDB = NewRedisOverrideDB(redisClient, cfg.StoreTimeout)
		} else {
			overrideDB = NewInMemoryOverrideDB()
		}
	}

	breaker := NewCircuitBreaker("redis", cfg.BreakerOptions, metrics, logger)
	engine := NewBucketEngine(bucketStore, breaker, metrics)
	fallback := NewFallbackLimiter(cfg.FallbackPolicy, metrics)
	policyCache := NewPolicyCache(policyDB, PolicyCacheOptions{
		TTL:     cfg.PolicyCacheTTL,
		MaxSize: cfg.PolicyCacheMaxSize,
	}, metrics, logger)
	overrideCache := NewOverrideCache(overrideDB, OverrideCacheOptions{
		TTL:     cfg.OverrideCacheTTL,
		MaxSize: cfg.OverrideCacheMaxSize,
	}, logger)

	decisioner := NewDecisioner(policyCache, overrideCache, engine, fallback, metrics, logger, cfg.RequestTimeout)
	identity := NewIdentityExtractor(cfg.AuthSecret)
	requestLimiter := NewMiddleware(decisioner, identity, cfg.Mode, metrics, logger)
	admin := NewAdminHandler(policyDB, policyCache, overrideCache, logger)

	telemetry := cfg.Telemetry
	if telemetry == nil && cfg.PrometheusURL != "" {
		telemetry = NewPrometheusQuerier(cfg.PrometheusURL, 0)
	}
	var detector *AbuseDetector
	if telemetry != nil {
		detector = NewAbuseDetector(telemetry, overrideCache, cfg.Detector, metrics, logger)
	}

	app := &Application{
		Config:         cfg,
		PolicyCache:    policyCache,
		OverrideCache:  overrideCache,
		Engine:         engine,
		Breaker:        breaker,
		Fallback:       fallback,
		Decisioner:     decisioner,
		Identity:       identity,
		RequestLimiter: requestLimiter,
		Admin:          admin,
		Detector:       detector,
		RefreshWorker:  NewPolicyRefreshWorker(policyCache, cfg.PolicyRefreshInterval),
		Invalidator:    NewPolicyInvalidator(policyDB, policyCache, logger),
		metrics:        metrics,
		logger:         logger,
		bucketStore:    bucketStore,
		redisClient:    redisClient,
	}

	if cfg.EnableHTTP {
		app.httpTransport = NewHTTPTransport(cfg, decisioner, admin, app.Ready, metricsHandler, logger)
	}
	return app, nil
}

// Start begins background work for the application.
func (app *Application) Start(ctx context.Context) error {
	if app == nil {
		return errors.New("application is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)
	app.cancel = cancel

	app.Fallback.Start(ctx)

	app.wg.Add(1)
	go func() {
		defer app.wg.Done()
		_ = app.RefreshWorker.Start(ctx)
	}()
	app.wg.Add(1)
	go func() {
		defer app.wg.Done()
		_ = app.Invalidator.Start(ctx)
	}()
	if app.Detector != nil {
		app.wg.Add(1)
		go func() {
			defer app.wg.Done()
			_ = app.Detector.Start(ctx)
		}()
	}
	if app.httpTransport != nil {
		app.wg.Add(1)
		go func() {
			defer app.wg.Done()
			if err := app.httpTransport.Start(); err != nil {
				app.logger.Error("http transport stopped", map[string]any{"error": err.Error()})
			}
		}()
	}

	app.ready.Store(true)
	app.logger.Info("application started", map[string]any{
		"mode":      string(app.Config.Mode),
		"http_addr": app.Config.HTTPListenAddr,
	})
	return nil
}

// Shutdown stops background work and drains in-flight operations.
func (app *Application) Shutdown(ctx context.Context) error {
	if app == nil {
		return errors.New("application is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	app.ready.Store(false)
	if app.cancel != nil {
		app.cancel()
	}
	if app.httpTransport != nil {
		_ = app.httpTransport.Shutdown(ctx)
	}
	app.Fallback.Stop()

	done := make(chan struct{})
	go func() {
		app.wg.Wait()
		close(done)
	}()
	var waitErr error
	select {
	case <-done:
	case <-ctx.Done():
		waitErr = ctx.Err()
	}
	if app.bucketStore != nil {
		_ = app.bucketStore.Close()
	}
	if app.redisClient != nil {
		_ = app.redisClient.Close()
	}
	return waitErr
}

// Ready reports whether the application has completed startup.
func (app *Application) Ready() bool {
	if app == nil {
		return false
	}
	return app.ready.Load()
}

// Middleware returns the request-limiting middleware for embedding.
func (app *Application) Middleware() *Middleware {
	if app == nil {
		return nil
	}
	return app.RequestLimiter
}
