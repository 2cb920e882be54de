// Package gatelimit provides policy cache maintenance workers.
package gatelimit

import (
	"context"
	"errors"
	"time"
)

// PolicyRefreshWorker periodically reloads resident cache entries.
type PolicyRefreshWorker struct {
	cache    *PolicyCache
	interval time.Duration
}

// NewPolicyRefreshWorker constructs a refresh worker.
func NewPolicyRefreshWorker(cache *PolicyCache, interval time.Duration) *PolicyRefreshWorker {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &PolicyRefreshWorker{cache: cache, interval: interval}
}

// Start runs the refresh loop until the context ends.
func (w *PolicyRefreshWorker) Start(ctx context.Context) error {
	if w == nil || w.cache == nil {
		return errors.New("refresh worker is not configured")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.cache.RefreshResident(ctx)
		}
	}
}

// PolicyInvalidator propagates store change events into cache invalidations.
// Events are handed off to a dedicated worker so slow handling never blocks
// the change stream.
type PolicyInvalidator struct {
	db     PolicyDB
	cache  *PolicyCache
	logger Logger
	events chan PolicyChange
}

// NewPolicyInvalidator constructs an invalidator.
func NewPolicyInvalidator(db PolicyDB, cache *PolicyCache, logger Logger) *PolicyInvalidator {
	if logger == nil {
		logger = NopLogger{}
	}
	return &PolicyInvalidator{
		db:     db,
		cache:  cache,
		logger: logger,
		events: make(chan PolicyChange, 256),
	}
}

// Start subscribes to the change stream and drains events until the context
// ends. A store without change-stream support degrades to TTL-only
// consistency and Start returns nil after logging.
func (inv *PolicyInvalidator) Start(ctx context.Context) error {
	if inv == nil || inv.db == nil || inv.cache == nil {
		return errors.New("policy invalidator is not configured")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	err := inv.db.Subscribe(ctx, func(change PolicyChange) {
		select {
		case inv.events <- change:
		default:
			// dropping is safe: the refresh loop and TTL catch up
		}
	})
	if err != nil {
		inv.logger.Error("change stream unavailable, TTL-only consistency", map[string]any{
			"error": err.Error(),
		})
		return nil
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case change := <-inv.events:
			inv.handle(change)
		}
	}
}

func (inv *PolicyInvalidator) handle(change PolicyChange) {
	if change.TenantID == "" {
		inv.cache.InvalidateGlobal()
		return
	}
	switch change.Kind {
	case ChangeInsert, ChangeUpdate, ChangeDelete:
		inv.cache.InvalidateTenant(change.TenantID)
	}
}
