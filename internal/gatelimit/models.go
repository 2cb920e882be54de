// Package gatelimit defines core policy and decision models.
package gatelimit

import "time"

// BucketPolicy describes one token bucket.
type BucketPolicy struct {
	RPM              int64   `json:"rpm"`
	RPS              float64 `json:"rps"`
	BurstCapacity    int64   `json:"burst_capacity"`
	RefillRatePerSec float64 `json:"refill_rate_per_sec"`
}

// Normalize fills derived fields.
func (p *BucketPolicy) Normalize() {
	if p == nil {
		return
	}
	if p.RefillRatePerSec == 0 && p.RPM > 0 {
		p.RefillRatePerSec = float64(p.RPM) / 60.0
	}
	if p.RPS == 0 && p.RPM > 0 {
		p.RPS = float64(p.RPM) / 60.0
	}
}

// Valid reports whether the policy satisfies its invariants.
func (p *BucketPolicy) Valid() bool {
	if p == nil {
		return false
	}
	if p.RPM <= 0 || p.RPS <= 0 || p.BurstCapacity <= 0 || p.RefillRatePerSec <= 0 {
		return false
	}
	return float64(p.BurstCapacity) >= float64(p.RPM)/60.0
}

// ThrottleConfig holds soft and hard usage thresholds.
type ThrottleConfig struct {
	SoftThresholdPct float64 `json:"soft_threshold_pct,omitempty"`
	HardThresholdPct float64 `json:"hard_threshold_pct"`
}

// EffectiveSoft returns the soft threshold, collapsing to hard when absent.
func (tc ThrottleConfig) EffectiveSoft() float64 {
	if tc.SoftThresholdPct <= 0 {
		return tc.HardThresholdPct
	}
	return tc.SoftThresholdPct
}

// Valid reports whether thresholds are in range.
func (tc ThrottleConfig) Valid() bool {
	if tc.HardThresholdPct <= 0 || tc.HardThresholdPct > 200 {
		return false
	}
	if tc.SoftThresholdPct != 0 {
		if tc.SoftThresholdPct <= 0 || tc.SoftThresholdPct > 200 {
			return false
		}
		if tc.HardThresholdPct <= tc.SoftThresholdPct {
			return false
		}
	}
	return true
}

// TenantPolicy holds the limit configuration for one tenant.
type TenantPolicy struct {
	TenantID        string                   `json:"tenant_id"`
	User            *BucketPolicy            `json:"user,omitempty"`
	Tenant          *BucketPolicy            `json:"tenant"`
	UserEndpoints   map[string]*BucketPolicy `json:"user_endpoints,omitempty"`
	TenantEndpoints map[string]*BucketPolicy `json:"tenant_endpoints,omitempty"`
	Throttle        ThrottleConfig           `json:"throttle"`
	UpdatedAt       time.Time                `json:"updated_at"`
}

// Normalize fills derived fields on every contained bucket policy.
func (tp *TenantPolicy) Normalize() {
	if tp == nil {
		return
	}
	tp.User.Normalize()
	tp.Tenant.Normalize()
	for _, p := range tp.UserEndpoints {
		p.Normalize()
	}
	for _, p := range tp.TenantEndpoints {
		p.Normalize()
	}
}

// Clone returns a deep copy so cached snapshots stay immutable.
func (tp *TenantPolicy) Clone() *TenantPolicy {
	if tp == nil {
		return nil
	}
	out := &TenantPolicy{
		TenantID:  tp.TenantID,
		Throttle:  tp.Throttle,
		UpdatedAt: tp.UpdatedAt,
	}
	out.User = cloneBucketPolicy(tp.User)
	out.Tenant = cloneBucketPolicy(tp.Tenant)
	out.UserEndpoints = cloneEndpointMap(tp.UserEndpoints)
	out.TenantEndpoints = cloneEndpointMap(tp.TenantEndpoints)
	return out
}

// GlobalPolicy holds the system-wide limit configuration.
type GlobalPolicy struct {
	System    *BucketPolicy            `json:"system"`
	Endpoints map[string]*BucketPolicy `json:"endpoints,omitempty"`
	UpdatedAt time.Time                `json:"updated_at"`
}

// Normalize fills derived fields on every contained bucket policy.
func (gp *GlobalPolicy) Normalize() {
	if gp == nil {
		return
	}
	gp.System.Normalize()
	for _, p := range gp.Endpoints {
		p.Normalize()
	}
}

// Clone returns a deep copy.
func (gp *GlobalPolicy) Clone() *GlobalPolicy {
	if gp == nil {
		return nil
	}
	return &GlobalPolicy{
		System:    cloneBucketPolicy(gp.System),
		Endpoints: cloneEndpointMap(gp.Endpoints),
		UpdatedAt: gp.UpdatedAt,
	}
}

func cloneBucketPolicy(p *BucketPolicy) *BucketPolicy {
	if p == nil {
		return nil
	}
	cp := *p
	return &cp
}

func cloneEndpointMap(m map[string]*BucketPolicy) map[string]*BucketPolicy {
	if m == nil {
		return nil
	}
	out := make(map[string]*BucketPolicy, len(m))
	for k, v := range m {
		out[k] = cloneBucketPolicy(v)
	}
	return out
}

// OverrideType enumerates override behaviours.
type OverrideType string

const (
	OverridePenaltyMultiplier OverrideType = "penalty_multiplier"
	OverrideTemporaryBan      OverrideType = "temporary_ban"
	OverrideCustomLimit       OverrideType = "custom_limit"
)

// OverrideSource enumerates override creators.
type OverrideSource string

const (
	SourceAutoDetector   OverrideSource = "auto_detector"
	SourceManualOperator OverrideSource = "manual_operator"
)

// Override is a time-bounded modification of effective policy.
type Override struct {
	ID                string         `json:"id"`
	TenantID          string         `json:"tenant_id"`
	UserID            string         `json:"user_id,omitempty"`
	Endpoint          string         `json:"endpoint,omitempty"`
	Type              OverrideType   `json:"override_type"`
	PenaltyMultiplier float64        `json:"penalty_multiplier,omitempty"`
	CustomRate        int64          `json:"custom_rate,omitempty"`
	CustomBurst       int64          `json:"custom_burst,omitempty"`
	Reason            string         `json:"reason,omitempty"`
	Source            OverrideSource `json:"source"`
	CreatedAt         time.Time      `json:"created_at"`
	ExpiresAt         time.Time      `json:"expires_at"`
}

// Active reports whether the override has not yet expired.
func (o *Override) Active(now time.Time) bool {
	if o == nil {
		return false
	}
	return o.ExpiresAt.After(now)
}

// Specificity ranks the override shape; higher wins.
func (o *Override) Specificity() int {
	if o == nil {
		return -1
	}
	switch {
	case o.UserID != "" && o.Endpoint != "":
		return 3
	case o.UserID != "":
		return 2
	case o.Endpoint != "":
		return 1
	default:
		return 0
	}
}

// RequestIdentity names the requester for key generation.
type RequestIdentity struct {
	TenantID  string
	UserID    string
	Endpoint  string
	IPAddress string
}

// CheckState classifies bucket usage.
type CheckState int

const (
	StateNormal CheckState = iota
	StateSoft
	StateHard
)

// String returns the wire label for the state.
func (s CheckState) String() string {
	switch s {
	case StateSoft:
		return "soft"
	case StateHard:
		return "hard"
	default:
		return "normal"
	}
}

// Scope identifies one rate-limit level.
type Scope string

const (
	ScopeUserGlobal     Scope = "user_global"
	ScopeUserEndpoint   Scope = "user_endpoint"
	ScopeTenantGlobal   Scope = "tenant_global"
	ScopeTenantEndpoint Scope = "tenant_endpoint"
	ScopeGlobalEndpoint Scope = "global_endpoint"
	ScopeGlobalSystem   Scope = "global_system"
)

// ScopeResult carries one evaluated check for debugging.
type ScopeResult struct {
	Scope    Scope
	State    CheckState
	Allowed  bool
	Tokens   int64
	UsagePct int64
	Limit    int64
}

// Decision is the aggregated rate-limit outcome.
type Decision struct {
	Allowed     bool
	State       CheckState
	Scope       Scope
	Limit       int64
	Remaining   int64
	ResetEpochS int64
	RetryAfterS int64
	Scopes      []ScopeResult
}
