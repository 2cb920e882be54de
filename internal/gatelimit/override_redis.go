// Package gatelimit provides Redis-backed override storage.
package gatelimit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisOverrideDB stores each override as a JSON value expiring at its
// expires_at instant; Redis key expiry is the store-enforced expiration
// index. A per-tenant id set (same hash slot via the tenant tag) serves
// tenant-wide lookups.
type RedisOverrideDB struct {
	client  redis.UniversalClient
	timeout time.Duration
	now     func() time.Time
}

// NewRedisOverrideDB constructs a Redis-backed override database.
func NewRedisOverrideDB(client redis.UniversalClient, timeout time.Duration) *RedisOverrideDB {
	if timeout <= 0 {
		timeout = 100 * time.Millisecond
	}
	return &RedisOverrideDB{client: client, timeout: timeout, now: time.Now}
}

func overrideDocKey(tenantID, id string) string {
	return tenantTag(tenantID) + ":override:" + id
}

func overrideIndexKey(tenantID string) string {
	return tenantTag(tenantID) + ":override:ids"
}

// GetActive returns the highest-precedence live override for the shape.
func (db *RedisOverrideDB) GetActive(ctx context.Context, tenantID, userID, endpoint string) (*Override, error) {
	candidates, err := db.ListActive(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return selectOverride(candidates, userID, endpoint, db.now()), nil
}

// ListActive returns live overrides for a tenant, pruning dead index ids.
func (db *RedisOverrideDB) ListActive(ctx context.Context, tenantID string) ([]*Override, error) {
	if db == nil || db.client == nil {
		return nil, ErrStoreUnavailable
	}
	if tenantID == "" {
		return nil, ErrInvalidInput
	}
	callCtx, cancel := context.WithTimeout(ctx, db.timeout)
	defer cancel()

	ids, err := db.client.SMembers(callCtx, overrideIndexKey(tenantID)).Result()
	if err != nil {
		return nil, mapStoreError(err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = overrideDocKey(tenantID, id)
	}
	values, err := db.client.MGet(callCtx, keys...).Result()
	if err != nil {
		return nil, mapStoreError(err)
	}

	now := db.now()
	var out []*Override
	var dead []any
	for i, value := range values {
		data, ok := value.(string)
		if !ok {
			// expired document; drop its index entry
			dead = append(dead, ids[i])
			continue
		}
		o := &Override{}
		if err := json.Unmarshal([]byte(data), o); err != nil {
			dead = append(dead, ids[i])
			continue
		}
		if !o.Active(now) {
			continue
		}
		out = append(out, o)
	}
	if len(dead) > 0 {
		_ = db.client.SRem(callCtx, overrideIndexKey(tenantID), dead...).Err()
	}
	return out, nil
}

// Create stores an override with its expiry enforced by the store.
func (db *RedisOverrideDB) Create(ctx context.Context, override *Override) error {
	if db == nil || db.client == nil {
		return ErrStoreUnavailable
	}
	if err := ValidateOverride(override, db.now()); err != nil {
		return err
	}
	if override.ID == "" {
		return ErrInvalidInput
	}
	data, err := json.Marshal(override)
	if err != nil {
		return fmt.Errorf("encode override %q: %w", override.ID, err)
	}
	callCtx, cancel := context.WithTimeout(ctx, db.timeout)
	defer cancel()

	pipe := db.client.TxPipeline()
	pipe.Set(callCtx, overrideDocKey(override.TenantID, override.ID), data, 0)
	pipe.ExpireAt(callCtx, overrideDocKey(override.TenantID, override.ID), override.ExpiresAt)
	pipe.SAdd(callCtx, overrideIndexKey(override.TenantID), override.ID)
	if _, err := pipe.Exec(callCtx); err != nil {
		return mapStoreError(err)
	}
	return nil
}

// Delete removes an override and returns it.
func (db *RedisOverrideDB) Delete(ctx context.Context, tenantID, id string) (*Override, error) {
	if db == nil || db.client == nil {
		return nil, ErrStoreUnavailable
	}
	if tenantID == "" || id == "" {
		return nil, ErrInvalidInput
	}
	callCtx, cancel := context.WithTimeout(ctx, db.timeout)
	defer cancel()

	data, err := db.client.Get(callCtx, overrideDocKey(tenantID, id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, mapStoreError(err)
	}
	o := &Override{}
	if err := json.Unmarshal(data, o); err != nil {
		return nil, fmt.Errorf("decode override %q: %w", id, err)
	}

	pipe := db.client.TxPipeline()
	pipe.Del(callCtx, overrideDocKey(tenantID, id))
	pipe.SRem(callCtx, overrideIndexKey(tenantID), id)
	if _, err := pipe.Exec(callCtx); err != nil {
		return nil, mapStoreError(err)
	}
	return o, nil
}
