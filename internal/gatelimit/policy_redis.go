// Package gatelimit provides Redis-backed policy storage.
package gatelimit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	policyTenantPrefix = "policy:tenant:"
	policyGlobalKey    = "policy:global"
	policyEventChannel = "gatelimit:policy_events"
)

// RedisPolicyDB stores policy documents as JSON values and publishes change
// events on a pub/sub channel.
type RedisPolicyDB struct {
	client  redis.UniversalClient
	timeout time.Duration
	logger  Logger
	now     func() time.Time
}

// NewRedisPolicyDB constructs a Redis-backed policy database.
func NewRedisPolicyDB(client redis.UniversalClient, timeout time.Duration, logger Logger) *RedisPolicyDB {
	if timeout <= 0 {
		timeout = 100 * time.Millisecond
	}
	if logger == nil {
		logger = NopLogger{}
	}
	return &RedisPolicyDB{client: client, timeout: timeout, logger: logger, now: time.Now}
}

// GetTenant loads one tenant policy.
func (db *RedisPolicyDB) GetTenant(ctx context.Context, tenantID string) (*TenantPolicy, error) {
	if db == nil || db.client == nil {
		return nil, ErrStoreUnavailable
	}
	if tenantID == "" {
		return nil, ErrInvalidInput
	}
	callCtx, cancel := context.WithTimeout(ctx, db.timeout)
	defer cancel()
	data, err := db.client.Get(callCtx, policyTenantPrefix+tenantID).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, mapStoreError(err)
	}
	policy := &TenantPolicy{}
	if err := json.Unmarshal(data, policy); err != nil {
		return nil, fmt.Errorf("decode tenant policy %q: %w", tenantID, err)
	}
	return policy, nil
}

// GetGlobal loads the global policy.
func (db *RedisPolicyDB) GetGlobal(ctx context.Context) (*GlobalPolicy, error) {
	if db == nil || db.client == nil {
		return nil, ErrStoreUnavailable
	}
	callCtx, cancel := context.WithTimeout(ctx, db.timeout)
	defer cancel()
	data, err := db.client.Get(callCtx, policyGlobalKey).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, mapStoreError(err)
	}
	policy := &GlobalPolicy{}
	if err := json.Unmarshal(data, policy); err != nil {
		return nil, fmt.Errorf("decode global policy: %w", err)
	}
	return policy, nil
}

// UpsertTenant writes a tenant policy and publishes the change.
func (db *RedisPolicyDB) UpsertTenant(ctx context.Context, policy *TenantPolicy) error {
	if db == nil || db.client == nil {
		return ErrStoreUnavailable
	}
	if policy == nil || policy.TenantID == "" {
		return ErrInvalidInput
	}
	stored := policy.Clone()
	stored.Normalize()
	stored.UpdatedAt = db.now()
	data, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("encode tenant policy %q: %w", stored.TenantID, err)
	}
	callCtx, cancel := context.WithTimeout(ctx, db.timeout)
	defer cancel()
	key := policyTenantPrefix + stored.TenantID
	existed, err := db.client.Exists(callCtx, key).Result()
	if err != nil {
		return mapStoreError(err)
	}
	if err := db.client.Set(callCtx, key, data, 0).Err(); err != nil {
		return mapStoreError(err)
	}
	kind := ChangeInsert
	if existed > 0 {
		kind = ChangeUpdate
	}
	db.publish(ctx, PolicyChange{TenantID: stored.TenantID, Kind: kind})
	return nil
}

// UpsertGlobal writes the global policy and publishes the change.
func (db *RedisPolicyDB) UpsertGlobal(ctx context.Context, policy *GlobalPolicy) error {
	if db == nil || db.client == nil {
		return ErrStoreUnavailable
	}
	if policy == nil {
		return ErrInvalidInput
	}
	stored := policy.Clone()
	stored.Normalize()
	stored.UpdatedAt = db.now()
	data, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("encode global policy: %w", err)
	}
	callCtx, cancel := context.WithTimeout(ctx, db.timeout)
	defer cancel()
	existed, err := db.client.Exists(callCtx, policyGlobalKey).Result()
	if err != nil {
		return mapStoreError(err)
	}
	if err := db.client.Set(callCtx, policyGlobalKey, data, 0).Err(); err != nil {
		return mapStoreError(err)
	}
	kind := ChangeInsert
	if existed > 0 {
		kind = ChangeUpdate
	}
	db.publish(ctx, PolicyChange{Kind: kind})
	return nil
}

// DeleteTenant removes a tenant policy and publishes the change.
func (db *RedisPolicyDB) DeleteTenant(ctx context.Context, tenantID string) error {
	if db == nil || db.client == nil {
		return ErrStoreUnavailable
	}
	if tenantID == "" {
		return ErrInvalidInput
	}
	callCtx, cancel := context.WithTimeout(ctx, db.timeout)
	defer cancel()
	removed, err := db.client.Del(callCtx, policyTenantPrefix+tenantID).Result()
	if err != nil {
		return mapStoreError(err)
	}
	if removed == 0 {
		return ErrNotFound
	}
	db.publish(ctx, PolicyChange{TenantID: tenantID, Kind: ChangeDelete})
	return nil
}

// ListTenants scans every tenant policy document.
func (db *RedisPolicyDB) ListTenants(ctx context.Context) ([]*TenantPolicy, error) {
	if db == nil || db.client == nil {
		return nil, ErrStoreUnavailable
	}
	// a full scan tolerates a longer deadline than hot-path reads
	callCtx, cancel := context.WithTimeout(ctx, 10*db.timeout)
	defer cancel()

	var out []*TenantPolicy
	iter := db.client.Scan(callCtx, 0, policyTenantPrefix+"*", 100).Iterator()
	for iter.Next(callCtx) {
		data, err := db.client.Get(callCtx, iter.Val()).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			return nil, mapStoreError(err)
		}
		policy := &TenantPolicy{}
		if err := json.Unmarshal(data, policy); err != nil {
			db.logger.Error("skipping malformed policy document", map[string]any{
				"key":   iter.Val(),
				"error": err.Error(),
			})
			continue
		}
		out = append(out, policy)
	}
	if err := iter.Err(); err != nil {
		return nil, mapStoreError(err)
	}
	return out, nil
}

// Subscribe follows the change channel until the context ends.
func (db *RedisPolicyDB) Subscribe(ctx context.Context, handler func(PolicyChange)) error {
	if db == nil || db.client == nil {
		return ErrStoreUnavailable
	}
	if handler == nil {
		return ErrInvalidInput
	}
	if ctx == nil {
		ctx = context.Background()
	}
	sub := db.client.Subscribe(ctx, policyEventChannel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return mapStoreError(err)
	}
	go func() {
		defer func() { _ = sub.Close() }()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				change := PolicyChange{}
				if err := json.Unmarshal([]byte(msg.Payload), &change); err != nil {
					continue
				}
				handler(change)
			}
		}
	}()
	return nil
}

func (db *RedisPolicyDB) publish(ctx context.Context, change PolicyChange) {
	payload, err := json.Marshal(change)
	if err != nil {
		return
	}
	callCtx, cancel := context.WithTimeout(ctx, db.timeout)
	defer cancel()
	if err := db.client.Publish(callCtx, policyEventChannel, payload).Err(); err != nil {
		// subscribers fall back to TTL-only consistency
		db.logger.Error("policy change publish failed", map[string]any{"error": err.Error()})
	}
}
