// Package gatelimit provides the administrative service.
package gatelimit

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// AdminHandler validates and applies policy and override administration.
type AdminHandler struct {
	db        PolicyDB
	policies  *PolicyCache
	overrides *OverrideCache
	logger    Logger
	now       func() time.Time
}

// NewAdminHandler constructs an admin handler.
func NewAdminHandler(db PolicyDB, policies *PolicyCache, overrides *OverrideCache, logger Logger) *AdminHandler {
	if logger == nil {
		logger = NopLogger{}
	}
	return &AdminHandler{db: db, policies: policies, overrides: overrides, logger: logger, now: time.Now}
}

// UpsertTenantPolicy validates and stores a tenant policy.
func (a *AdminHandler) UpsertTenantPolicy(ctx context.Context, policy *TenantPolicy) error {
	if a == nil || a.db == nil {
		return ErrStoreUnavailable
	}
	if policy == nil {
		return ErrInvalidInput
	}
	normalized := policy.Clone()
	normalized.Normalize()
	if err := ValidateTenantPolicy(normalized); err != nil {
		return err
	}
	if err := a.db.UpsertTenant(ctx, normalized); err != nil {
		return err
	}
	// direct eviction covers stores without a change stream
	if a.policies != nil {
		a.policies.InvalidateTenant(normalized.TenantID)
	}
	return nil
}

// GetTenantPolicy loads one tenant policy from the store.
func (a *AdminHandler) GetTenantPolicy(ctx context.Context, tenantID string) (*TenantPolicy, error) {
	if a == nil || a.db == nil {
		return nil, ErrStoreUnavailable
	}
	return a.db.GetTenant(ctx, tenantID)
}

// DeleteTenantPolicy removes one tenant policy.
func (a *AdminHandler) DeleteTenantPolicy(ctx context.Context, tenantID string) error {
	if a == nil || a.db == nil {
		return ErrStoreUnavailable
	}
	if err := a.db.DeleteTenant(ctx, tenantID); err != nil {
		return err
	}
	if a.policies != nil {
		a.policies.InvalidateTenant(tenantID)
	}
	return nil
}

// ListTenantPolicies lists every tenant policy.
func (a *AdminHandler) ListTenantPolicies(ctx context.Context) ([]*TenantPolicy, error) {
	if a == nil || a.db == nil {
		return nil, ErrStoreUnavailable
	}
	return a.db.ListTenants(ctx)
}

// UpsertGlobalPolicy validates and stores the global policy.
func (a *AdminHandler) UpsertGlobalPolicy(ctx context.Context, policy *GlobalPolicy) error {
	if a == nil || a.db == nil {
		return ErrStoreUnavailable
	}
	if policy == nil {
		return ErrInvalidInput
	}
	normalized := policy.Clone()
	normalized.Normalize()
	if err := ValidateGlobalPolicy(normalized); err != nil {
		return err
	}
	if err := a.db.UpsertGlobal(ctx, normalized); err != nil {
		return err
	}
	if a.policies != nil {
		a.policies.InvalidateGlobal()
	}
	return nil
}

// GetGlobalPolicy loads the global policy from the store.
func (a *AdminHandler) GetGlobalPolicy(ctx context.Context) (*GlobalPolicy, error) {
	if a == nil || a.db == nil {
		return nil, ErrStoreUnavailable
	}
	return a.db.GetGlobal(ctx)
}

// CreateOverride validates and stores an operator override.
func (a *AdminHandler) CreateOverride(ctx context.Context, override *Override) (*Override, error) {
	if a == nil || a.overrides == nil {
		return nil, ErrStoreUnavailable
	}
	if override == nil {
		return nil, ErrInvalidInput
	}
	stored := *override
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	if stored.Source == "" {
		stored.Source = SourceManualOperator
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = a.now()
	}
	if err := ValidateOverride(&stored, a.now()); err != nil {
		return nil, err
	}
	if err := a.overrides.Create(ctx, &stored); err != nil {
		return nil, err
	}
	a.logger.Info("override created", map[string]any{
		"tenant_id": stored.TenantID,
		"type":      string(stored.Type),
		"source":    string(stored.Source),
		"expires":   stored.ExpiresAt.UTC().Format(time.RFC3339),
	})
	return &stored, nil
}

// DeleteOverride removes an override.
func (a *AdminHandler) DeleteOverride(ctx context.Context, tenantID, id string) error {
	if a == nil || a.overrides == nil {
		return ErrStoreUnavailable
	}
	_, err := a.overrides.Delete(ctx, tenantID, id)
	return err
}

// ListOverrides lists live overrides for a tenant.
func (a *AdminHandler) ListOverrides(ctx context.Context, tenantID string) ([]*Override, error) {
	if a == nil || a.overrides == nil {
		return nil, ErrStoreUnavailable
	}
	return a.overrides.ListActive(ctx, tenantID)
}
