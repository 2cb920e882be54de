// Package gatelimit provides the layered policy cache.
package gatelimit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
)

// PolicyCacheOptions bounds the cache.
type PolicyCacheOptions struct {
	TTL     time.Duration
	MaxSize int
}

func normalizePolicyCacheOptions(opts PolicyCacheOptions) PolicyCacheOptions {
	if opts.TTL <= 0 {
		opts.TTL = time.Minute
	}
	if opts.MaxSize <= 0 {
		opts.MaxSize = 10000
	}
	return opts
}

// PolicyCache caches tenant policies in a bounded LRU with TTL and the
// global policy in a single slot.
type PolicyCache struct {
	db      PolicyDB
	metrics Metrics
	logger  Logger
	opts    PolicyCacheOptions
	now     func() time.Time

	mu       sync.Mutex
	tenants  *ttlCache
	global   *GlobalPolicy
	globalAt time.Time

	hits   atomic.Int64
	misses atomic.Int64
	flight singleflight.Group
}

// NewPolicyCache constructs a cache over a policy database.
func NewPolicyCache(db PolicyDB, opts PolicyCacheOptions, metrics Metrics, logger Logger) *PolicyCache {
	opts = normalizePolicyCacheOptions(opts)
	if metrics == nil {
		metrics = NewInMemoryMetrics()
	}
	if logger == nil {
		logger = NopLogger{}
	}
	return &PolicyCache{
		db:      db,
		metrics: metrics,
		logger:  logger,
		opts:    opts,
		now:     time.Now,
		tenants: newTTLCache(opts.MaxSize, opts.TTL),
	}
}

// GetTenant resolves a tenant policy cache-first.
func (c *PolicyCache) GetTenant(ctx context.Context, tenantID string) (*TenantPolicy, error) {
	if c == nil || c.db == nil {
		return nil, ErrStoreUnavailable
	}
	if tenantID == "" {
		return nil, ErrInvalidInput
	}
	c.mu.Lock()
	if cached, ok := c.tenants.Get(tenantID); ok {
		c.mu.Unlock()
		c.recordHit()
		return cached.(*TenantPolicy), nil
	}
	c.mu.Unlock()
	c.recordMiss()

	value, err, _ := c.flight.Do(tenantID, func() (any, error) {
		policy, err := c.db.GetTenant(ctx, tenantID)
		if err != nil {
			return nil, err
		}
		policy.Normalize()
		c.mu.Lock()
		c.tenants.Put(tenantID, policy)
		c.mu.Unlock()
		return policy, nil
	})
	if err != nil {
		return nil, err
	}
	return value.(*TenantPolicy), nil
}

// GetGlobal resolves the global policy through the single TTL slot.
func (c *PolicyCache) GetGlobal(ctx context.Context) (*GlobalPolicy, error) {
	if c == nil || c.db == nil {
		return nil, ErrStoreUnavailable
	}
	c.mu.Lock()
	if c.global != nil && c.now().Sub(c.globalAt) < c.opts.TTL {
		policy := c.global
		c.mu.Unlock()
		c.recordHit()
		return policy, nil
	}
	c.mu.Unlock()
	c.recordMiss()

	value, err, _ := c.flight.Do("\x00global", func() (any, error) {
		policy, err := c.db.GetGlobal(ctx)
		if err != nil {
			return nil, err
		}
		policy.Normalize()
		c.mu.Lock()
		c.global = policy
		c.globalAt = c.now()
		c.mu.Unlock()
		return policy, nil
	})
	if err != nil {
		return nil, err
	}
	return value.(*GlobalPolicy), nil
}

// InvalidateTenant evicts one tenant entry.
func (c *PolicyCache) InvalidateTenant(tenantID string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.tenants.Remove(tenantID)
	c.mu.Unlock()
}

// InvalidateGlobal clears the global slot.
func (c *PolicyCache) InvalidateGlobal() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.global = nil
	c.globalAt = time.Time{}
	c.mu.Unlock()
}

// ResidentTenantIDs lists tenant ids currently cached.
func (c *PolicyCache) ResidentTenantIDs() []string {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tenants.Keys()
}

// RefreshResident reloads every resident tenant, replacing entries in place
// and evicting tenants the store no longer knows.
func (c *PolicyCache) RefreshResident(ctx context.Context) {
	if c == nil || c.db == nil {
		return
	}
	for _, tenantID := range c.ResidentTenantIDs() {
		policy, err := c.db.GetTenant(ctx, tenantID)
		switch {
		case err == nil:
			policy.Normalize()
			c.mu.Lock()
			c.tenants.Put(tenantID, policy)
			c.mu.Unlock()
		case errors.Is(err, ErrNotFound):
			c.InvalidateTenant(tenantID)
		default:
			// stale entries keep serving until TTL
			c.logger.Error("policy refresh failed", map[string]any{
				"tenant_id": tenantID,
				"error":     err.Error(),
			})
		}
	}
}

// HitRatio reports the lifetime cache hit ratio.
func (c *PolicyCache) HitRatio() float64 {
	hits := c.hits.Load()
	total := hits + c.misses.Load()
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total)
}

func (c *PolicyCache) recordHit() {
	c.hits.Add(1)
	c.metrics.IncPolicyCacheHit()
	c.metrics.SetPolicyCacheHitRatio(c.HitRatio())
}

func (c *PolicyCache) recordMiss() {
	c.misses.Add(1)
	c.metrics.IncPolicyCacheMiss()
	c.metrics.SetPolicyCacheHitRatio(c.HitRatio())
}
