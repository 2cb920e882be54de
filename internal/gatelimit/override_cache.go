// Package gatelimit provides the override lookup cache.
package gatelimit

import (
	"context"
	"sync"
	"time"
)

// OverrideCacheOptions bounds the cache.
type OverrideCacheOptions struct {
	TTL     time.Duration
	MaxSize int
}

func normalizeOverrideCacheOptions(opts OverrideCacheOptions) OverrideCacheOptions {
	if opts.TTL <= 0 {
		opts.TTL = 30 * time.Second
	}
	if opts.MaxSize <= 0 {
		opts.MaxSize = 10000
	}
	return opts
}

// overrideCacheEntry distinguishes a cached miss from an uncached key.
type overrideCacheEntry struct {
	override *Override
}

// OverrideCache resolves active overrides with negative caching and
// mutation-time eviction.
type OverrideCache struct {
	db     OverrideDB
	logger Logger

	mu    sync.Mutex
	cache *ttlCache
}

// NewOverrideCache constructs a cache over an override database.
func NewOverrideCache(db OverrideDB, opts OverrideCacheOptions, logger Logger) *OverrideCache {
	opts = normalizeOverrideCacheOptions(opts)
	if logger == nil {
		logger = NopLogger{}
	}
	return &OverrideCache{
		db:     db,
		logger: logger,
		cache:  newTTLCache(opts.MaxSize, opts.TTL),
	}
}

// GetActive resolves the active override for the shape, caching the result
// including nil so repeated misses never hit the store.
func (c *OverrideCache) GetActive(ctx context.Context, tenantID, userID, endpoint string) (*Override, error) {
	if c == nil || c.db == nil {
		return nil, ErrStoreUnavailable
	}
	key := OverrideCacheKey(tenantID, userID, endpoint)
	c.mu.Lock()
	if cached, ok := c.cache.Get(key); ok {
		c.mu.Unlock()
		return cached.(overrideCacheEntry).override, nil
	}
	c.mu.Unlock()

	override, err := c.db.GetActive(ctx, tenantID, userID, endpoint)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.cache.Put(key, overrideCacheEntry{override: override})
	c.mu.Unlock()
	return override, nil
}

// Create stores an override and evicts every lookup shape it can mask.
func (c *OverrideCache) Create(ctx context.Context, override *Override) error {
	if c == nil || c.db == nil {
		return ErrStoreUnavailable
	}
	if err := c.db.Create(ctx, override); err != nil {
		return err
	}
	c.invalidateShapes(override.TenantID, override.UserID, override.Endpoint)
	return nil
}

// Delete removes an override and evicts its lookup shapes.
func (c *OverrideCache) Delete(ctx context.Context, tenantID, id string) (*Override, error) {
	if c == nil || c.db == nil {
		return nil, ErrStoreUnavailable
	}
	override, err := c.db.Delete(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	c.invalidateShapes(override.TenantID, override.UserID, override.Endpoint)
	return override, nil
}

// ListActive passes through to the store.
func (c *OverrideCache) ListActive(ctx context.Context, tenantID string) ([]*Override, error) {
	if c == nil || c.db == nil {
		return nil, ErrStoreUnavailable
	}
	return c.db.ListActive(ctx, tenantID)
}

// invalidateShapes evicts all four shape keys for (t,u,e) so no less
// specific cached result masks a newly specific override.
func (c *OverrideCache) invalidateShapes(tenantID, userID, endpoint string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache.Remove(OverrideCacheKey(tenantID, userID, endpoint))
	c.cache.Remove(OverrideCacheKey(tenantID, userID, ""))
	c.cache.Remove(OverrideCacheKey(tenantID, "", endpoint))
	c.cache.Remove(OverrideCacheKey(tenantID, "", ""))
}
