// Package gatelimit provides in-memory policy storage.
package gatelimit

import (
	"context"
	"sync"
	"time"
)

// InMemoryPolicyDB stores policies in memory and delivers change events to
// in-process subscribers.
type InMemoryPolicyDB struct {
	mu      sync.Mutex
	tenants map[string]*TenantPolicy
	global  *GlobalPolicy
	subs    map[int]*policySubscription
	nextSub int
	now     func() time.Time

	failNext error
}

type policySubscription struct {
	ctx     context.Context
	handler func(PolicyChange)
}

// NewInMemoryPolicyDB constructs an empty policy database.
func NewInMemoryPolicyDB() *InMemoryPolicyDB {
	return &InMemoryPolicyDB{
		tenants: make(map[string]*TenantPolicy),
		subs:    make(map[int]*policySubscription),
		now:     time.Now,
	}
}

// FailNext makes the next read operation return the given error.
func (db *InMemoryPolicyDB) FailNext(err error) {
	if db == nil {
		return
	}
	db.mu.Lock()
	db.failNext = err
	db.mu.Unlock()
}

// GetTenant returns a copy of a tenant policy.
func (db *InMemoryPolicyDB) GetTenant(ctx context.Context, tenantID string) (*TenantPolicy, error) {
	if db == nil {
		return nil, ErrStoreUnavailable
	}
	if tenantID == "" {
		return nil, ErrInvalidInput
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	if err := db.takeFailure(); err != nil {
		return nil, err
	}
	policy, ok := db.tenants[tenantID]
	if !ok {
		return nil, ErrNotFound
	}
	return policy.Clone(), nil
}

// GetGlobal returns a copy of the global policy.
func (db *InMemoryPolicyDB) GetGlobal(ctx context.Context) (*GlobalPolicy, error) {
	if db == nil {
		return nil, ErrStoreUnavailable
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	if err := db.takeFailure(); err != nil {
		return nil, err
	}
	if db.global == nil {
		return nil, ErrNotFound
	}
	return db.global.Clone(), nil
}

// UpsertTenant stores a tenant policy and publishes a change event.
func (db *InMemoryPolicyDB) UpsertTenant(ctx context.Context, policy *TenantPolicy) error {
	if db == nil {
		return ErrStoreUnavailable
	}
	if policy == nil || policy.TenantID == "" {
		return ErrInvalidInput
	}
	stored := policy.Clone()
	stored.Normalize()
	stored.UpdatedAt = db.now()

	db.mu.Lock()
	_, existed := db.tenants[stored.TenantID]
	db.tenants[stored.TenantID] = stored
	db.mu.Unlock()

	kind := ChangeInsert
	if existed {
		kind = ChangeUpdate
	}
	db.publish(PolicyChange{TenantID: stored.TenantID, Kind: kind})
	return nil
}

// UpsertGlobal stores the global policy and publishes a change event.
func (db *InMemoryPolicyDB) UpsertGlobal(ctx context.Context, policy *GlobalPolicy) error {
	if db == nil {
		return ErrStoreUnavailable
	}
	if policy == nil {
		return ErrInvalidInput
	}
	stored := policy.Clone()
	stored.Normalize()
	stored.UpdatedAt = db.now()

	db.mu.Lock()
	existed := db.global != nil
	db.global = stored
	db.mu.Unlock()

	kind := ChangeInsert
	if existed {
		kind = ChangeUpdate
	}
	db.publish(PolicyChange{Kind: kind})
	return nil
}

// DeleteTenant removes a tenant policy and publishes a change event.
func (db *InMemoryPolicyDB) DeleteTenant(ctx context.Context, tenantID string) error {
	if db == nil {
		return ErrStoreUnavailable
	}
	if tenantID == "" {
		return ErrInvalidInput
	}
	db.mu.Lock()
	_, existed := db.tenants[tenantID]
	delete(db.tenants, tenantID)
	db.mu.Unlock()
	if !existed {
		return ErrNotFound
	}
	db.publish(PolicyChange{TenantID: tenantID, Kind: ChangeDelete})
	return nil
}

// ListTenants returns copies of every tenant policy.
func (db *InMemoryPolicyDB) ListTenants(ctx context.Context) ([]*TenantPolicy, error) {
	if db == nil {
		return nil, ErrStoreUnavailable
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	if err := db.takeFailure(); err != nil {
		return nil, err
	}
	out := make([]*TenantPolicy, 0, len(db.tenants))
	for _, policy := range db.tenants {
		out = append(out, policy.Clone())
	}
	return out, nil
}

// Subscribe registers a change handler until the context ends.
func (db *InMemoryPolicyDB) Subscribe(ctx context.Context, handler func(PolicyChange)) error {
	if db == nil {
		return ErrStoreUnavailable
	}
	if handler == nil {
		return ErrInvalidInput
	}
	if ctx == nil {
		ctx = context.Background()
	}
	db.mu.Lock()
	db.nextSub++
	id := db.nextSub
	db.subs[id] = &policySubscription{ctx: ctx, handler: handler}
	db.mu.Unlock()

	go func() {
		<-ctx.Done()
		db.mu.Lock()
		delete(db.subs, id)
		db.mu.Unlock()
	}()
	return nil
}

func (db *InMemoryPolicyDB) publish(change PolicyChange) {
	db.mu.Lock()
	subs := make([]*policySubscription, 0, len(db.subs))
	for _, sub := range db.subs {
		subs = append(subs, sub)
	}
	db.mu.Unlock()
	for _, sub := range subs {
		if sub.ctx != nil && sub.ctx.Err() != nil {
			continue
		}
		sub.handler(change)
	}
}

func (db *InMemoryPolicyDB) takeFailure() error {
	err := db.failNext
	db.failNext = nil
	return err
}
