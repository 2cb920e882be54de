// Package gatelimit defines the override store contract.
package gatelimit

import (
	"context"
	"sort"
	"time"
)

// OverrideDB stores time-bounded overrides. Expired overrides vanish without
// client-side cleanup: the store enforces expiration.
type OverrideDB interface {
	// GetActive returns the most specific live override for the lookup
	// shape, or nil when none matches.
	GetActive(ctx context.Context, tenantID, userID, endpoint string) (*Override, error)
	// ListActive returns every live override for a tenant.
	ListActive(ctx context.Context, tenantID string) ([]*Override, error)
	// Create stores an override. ExpiresAt must be in the future.
	Create(ctx context.Context, override *Override) error
	// Delete removes an override and returns it for cache eviction.
	Delete(ctx context.Context, tenantID, id string) (*Override, error)
}

// matchesShape reports whether the override applies to the lookup shape
// under one of the four precedence predicates.
func matchesShape(o *Override, userID, endpoint string) bool {
	if o == nil {
		return false
	}
	switch {
	case o.UserID != "" && o.Endpoint != "":
		return o.UserID == userID && o.Endpoint == endpoint
	case o.UserID != "":
		return o.UserID == userID
	case o.Endpoint != "":
		return o.Endpoint == endpoint
	default:
		return true
	}
}

// selectOverride ranks candidates and returns the single winner: most
// specific shape first, newest creation within a shape.
func selectOverride(candidates []*Override, userID, endpoint string, now time.Time) *Override {
	matched := candidates[:0:0]
	for _, o := range candidates {
		if o.Active(now) && matchesShape(o, userID, endpoint) {
			matched = append(matched, o)
		}
	}
	if len(matched) == 0 {
		return nil
	}
	sort.SliceStable(matched, func(i, j int) bool {
		if matched[i].Specificity() != matched[j].Specificity() {
			return matched[i].Specificity() > matched[j].Specificity()
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})
	return matched[0]
}

// ValidateOverride checks an override against its invariants.
func ValidateOverride(o *Override, now time.Time) error {
	if o == nil || o.TenantID == "" {
		return ErrInvalidInput
	}
	if !o.ExpiresAt.After(now) {
		return ErrInvalidInput
	}
	switch o.Type {
	case OverridePenaltyMultiplier:
		if o.PenaltyMultiplier <= 0 || o.PenaltyMultiplier > 1 {
			return ErrInvalidInput
		}
	case OverrideCustomLimit:
		if o.CustomRate <= 0 || o.CustomBurst <= 0 {
			return ErrInvalidInput
		}
	case OverrideTemporaryBan:
	default:
		return ErrInvalidInput
	}
	switch o.Source {
	case SourceAutoDetector, SourceManualOperator:
	default:
		return ErrInvalidInput
	}
	return nil
}
