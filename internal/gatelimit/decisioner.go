// Package gatelimit provides the decision pipeline.
package gatelimit

import (
	"context"
	"errors"
	"math"
	"time"
)

const (
	globalSoftPct = 100.0
	globalHardPct = 110.0
)

// defaultGlobalPolicy backs decisions when no global policy is stored.
func defaultGlobalPolicy() *GlobalPolicy {
	policy := &GlobalPolicy{
		System: &BucketPolicy{RPM: 6000000, BurstCapacity: 12000000},
	}
	policy.Normalize()
	return policy
}

// Decisioner orchestrates override application, check-list construction,
// dispatch and aggregation for the hot path.
type Decisioner struct {
	policies  *PolicyCache
	overrides *OverrideCache
	engine    *BucketEngine
	fallback  *FallbackLimiter
	metrics   Metrics
	logger    Logger
	timeout   time.Duration
	now       func() time.Time
}

// NewDecisioner constructs a decisioner.
func NewDecisioner(policies *PolicyCache, overrides *OverrideCache, engine *BucketEngine, fallback *FallbackLimiter, metrics Metrics, logger Logger, timeout time.Duration) *Decisioner {
	if metrics == nil {
		metrics = NewInMemoryMetrics()
	}
	if logger == nil {
		logger = NopLogger{}
	}
	return &Decisioner{
		policies:  policies,
		overrides: overrides,
		engine:    engine,
		fallback:  fallback,
		metrics:   metrics,
		logger:    logger,
		timeout:   timeout,
		now:       time.Now,
	}
}

// Decide evaluates the full bucket hierarchy for an identity.
//
// Store failures degrade to the local fallback limiter; only context
// cancellation and policy resolution failures surface as errors.
func (d *Decisioner) Decide(ctx context.Context, identity RequestIdentity) (*Decision, error) {
	if d == nil || d.policies == nil || d.engine == nil {
		return nil, errors.New("decisioner is not initialized")
	}
	if identity.TenantID == "" || identity.UserID == "" || identity.Endpoint == "" {
		return nil, ErrInvalidInput
	}
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	tenantPolicy, err := d.policies.GetTenant(ctx, identity.TenantID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrPolicyNotFound
		}
		return nil, err
	}
	tenantPolicy = tenantPolicy.Clone()

	override := d.lookupOverride(ctx, identity)
	if override != nil && override.Type == OverrideTemporaryBan {
		d.metrics.IncOverrideApplied(string(override.Type), string(override.Source))
		return d.banDecision(tenantPolicy, override), nil
	}
	if override != nil {
		applyOverride(tenantPolicy, override)
		d.metrics.IncOverrideApplied(string(override.Type), string(override.Source))
	}

	globalPolicy, err := d.policies.GetGlobal(ctx)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			d.logger.Error("global policy lookup failed, using default", map[string]any{
				"error": err.Error(),
			})
		}
		globalPolicy = defaultGlobalPolicy()
	}

	checks := buildCheckList(identity, tenantPolicy, globalPolicy)

	outcomes, err := d.engine.Evaluate(ctx, checks)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			d.metrics.IncCancelled()
			return nil, err
		}
		return d.fallbackDecision(identity, err)
	}
	return aggregate(outcomes, d.now()), nil
}

func (d *Decisioner) lookupOverride(ctx context.Context, identity RequestIdentity) *Override {
	if d.overrides == nil {
		return nil
	}
	override, err := d.overrides.GetActive(ctx, identity.TenantID, identity.UserID, identity.Endpoint)
	if err != nil {
		// fail-open: a lost override is safer than a lost request
		d.logger.Error("override lookup failed", map[string]any{
			"tenant_id": identity.TenantID,
			"error":     err.Error(),
		})
		return nil
	}
	return override
}

func (d *Decisioner) banDecision(tenantPolicy *TenantPolicy, override *Override) *Decision {
	now := d.now()
	retryAfter := int64(math.Ceil(override.ExpiresAt.Sub(now).Seconds()))
	if retryAfter < 0 {
		retryAfter = 0
	}
	var limit int64
	if tenantPolicy != nil && tenantPolicy.Tenant != nil {
		limit = tenantPolicy.Tenant.RPM
	}
	return &Decision{
		Allowed:     false,
		State:       StateHard,
		Scope:       ScopeTenantGlobal,
		Limit:       limit,
		Remaining:   0,
		ResetEpochS: override.ExpiresAt.Unix(),
		RetryAfterS: retryAfter,
	}
}

func (d *Decisioner) fallbackDecision(identity RequestIdentity, cause error) (*Decision, error) {
	if d.fallback == nil {
		return nil, cause
	}
	reason := "store_unavailable"
	switch {
	case errors.Is(cause, ErrCircuitOpen):
		reason = "circuit_open"
	case errors.Is(cause, ErrStoreTimeout):
		reason = "store_timeout"
	}
	return d.fallback.Allow(identity.TenantID, reason), nil
}

// buildCheckList appends, most-local first, every scope with a configured
// policy. Tenant-scoped thresholds come from the tenant throttle config;
// global checks use the fixed system thresholds.
func buildCheckList(identity RequestIdentity, tenantPolicy *TenantPolicy, globalPolicy *GlobalPolicy) []BucketCheck {
	soft := tenantPolicy.Throttle.EffectiveSoft()
	hard := tenantPolicy.Throttle.HardThresholdPct
	endpoint := identity.Endpoint

	checks := make([]BucketCheck, 0, 6)
	add := func(scope Scope, key string, policy *BucketPolicy, softPct, hardPct float64) {
		if policy == nil {
			return
		}
		checks = append(checks, BucketCheck{
			Scope:    scope,
			Key:      key,
			Policy:   *policy,
			SoftPct:  softPct,
			HardPct:  hardPct,
			TenantID: identity.TenantID,
			Endpoint: endpoint,
		})
	}

	add(ScopeUserGlobal, UserGlobalKey(identity.TenantID, identity.UserID), tenantPolicy.User, soft, hard)
	add(ScopeUserEndpoint, UserEndpointKey(identity.TenantID, identity.UserID, endpoint), tenantPolicy.UserEndpoints[endpoint], soft, hard)
	add(ScopeTenantGlobal, TenantGlobalKey(identity.TenantID), tenantPolicy.Tenant, soft, hard)
	add(ScopeTenantEndpoint, TenantEndpointKey(identity.TenantID, endpoint), tenantPolicy.TenantEndpoints[endpoint], soft, hard)
	if globalPolicy != nil {
		add(ScopeGlobalEndpoint, GlobalEndpointKey(endpoint), globalPolicy.Endpoints[endpoint], globalSoftPct, globalHardPct)
		add(ScopeGlobalSystem, GlobalSystemKey(), globalPolicy.System, globalSoftPct, globalHardPct)
	}
	return checks
}

// aggregate picks the most severe outcome; ties resolve to the earliest
// check in list order.
func aggregate(outcomes []CheckOutcome, now time.Time) *Decision {
	if len(outcomes) == 0 {
		return &Decision{Allowed: true, State: StateNormal, Scope: ScopeTenantGlobal}
	}
	worst := 0
	for i := 1; i < len(outcomes); i++ {
		if outcomes[i].Result.State > outcomes[worst].Result.State {
			worst = i
		}
	}
	chosen := outcomes[worst]
	policy := chosen.Check.Policy

	decision := &Decision{
		Allowed:     chosen.Result.Allowed,
		State:       chosen.Result.State,
		Scope:       chosen.Check.Scope,
		Limit:       policy.RPM,
		Remaining:   chosen.Result.Tokens,
		ResetEpochS: ResetEpochSeconds(now, chosen.Result.Tokens, policy.BurstCapacity, policy.RefillRatePerSec),
		Scopes:      make([]ScopeResult, 0, len(outcomes)),
	}
	if decision.State == StateHard {
		decision.Allowed = false
		decision.RetryAfterS = RetryAfterSeconds(chosen.Result.Tokens, policy.BurstCapacity, chosen.Check.HardPct, policy.RefillRatePerSec)
	}
	for _, outcome := range outcomes {
		decision.Scopes = append(decision.Scopes, ScopeResult{
			Scope:    outcome.Check.Scope,
			State:    outcome.Result.State,
			Allowed:  outcome.Result.Allowed,
			Tokens:   outcome.Result.Tokens,
			UsagePct: outcome.Result.UsagePct,
			Limit:    outcome.Check.Policy.RPM,
		})
	}
	return decision
}

// applyOverride rewrites the tenant policy in memory; stored policy
// documents are never mutated.
func applyOverride(policy *TenantPolicy, override *Override) {
	if policy == nil || override == nil {
		return
	}
	switch override.Type {
	case OverridePenaltyMultiplier:
		scaleBucketPolicy(policy.Tenant, override.PenaltyMultiplier)
		scaleBucketPolicy(policy.User, override.PenaltyMultiplier)
	case OverrideCustomLimit:
		custom := &BucketPolicy{
			RPM:              override.CustomRate,
			RPS:              float64(override.CustomRate) / 60.0,
			BurstCapacity:    override.CustomBurst,
			RefillRatePerSec: float64(override.CustomRate) / 60.0,
		}
		switch {
		case override.UserID != "":
			policy.User = cloneBucketPolicy(custom)
			if override.Endpoint != "" && policy.UserEndpoints[override.Endpoint] != nil {
				policy.UserEndpoints[override.Endpoint] = cloneBucketPolicy(custom)
			}
		case override.Endpoint != "":
			if policy.TenantEndpoints == nil {
				policy.TenantEndpoints = make(map[string]*BucketPolicy)
			}
			policy.TenantEndpoints[override.Endpoint] = cloneBucketPolicy(custom)
		default:
			policy.Tenant = cloneBucketPolicy(custom)
		}
	}
}

// scaleBucketPolicy multiplies limits by m, flooring at one token so a
// severe penalty never collapses a bucket to zero.
func scaleBucketPolicy(policy *BucketPolicy, m float64) {
	if policy == nil || m <= 0 || m > 1 {
		return
	}
	policy.RPM = flooredScale(policy.RPM, m)
	policy.BurstCapacity = flooredScale(policy.BurstCapacity, m)
	policy.RPS = math.Max(policy.RPS*m, 1.0/60.0)
	policy.RefillRatePerSec = math.Max(policy.RefillRatePerSec*m, 1.0/60.0)
}

func flooredScale(value int64, m float64) int64 {
	scaled := int64(math.Floor(float64(value) * m))
	if scaled < 1 {
		return 1
	}
	return scaled
}
