// Package gatelimit provides the bucket engine.
package gatelimit

import (
	"context"
	"errors"
	"math"
	"time"

	"golang.org/x/sync/errgroup"
)

// BucketCheck is one scope evaluation carried through the engine.
type BucketCheck struct {
	Scope    Scope
	Key      string
	Policy   BucketPolicy
	SoftPct  float64
	HardPct  float64
	TenantID string
	Endpoint string
}

// CheckOutcome pairs a check with its primitive result.
type CheckOutcome struct {
	Check  BucketCheck
	Result BucketResult
}

// BucketEngine dispatches checks against the store under the breaker.
type BucketEngine struct {
	store   BucketStore
	breaker *CircuitBreaker
	metrics Metrics
	now     func() time.Time
}

// NewBucketEngine constructs an engine.
func NewBucketEngine(store BucketStore, breaker *CircuitBreaker, metrics Metrics) *BucketEngine {
	if metrics == nil {
		metrics = NewInMemoryMetrics()
	}
	return &BucketEngine{store: store, breaker: breaker, metrics: metrics, now: time.Now}
}

// Evaluate runs every check, batching same-partition keys and issuing the
// rest as parallel single calls.
func (e *BucketEngine) Evaluate(ctx context.Context, checks []BucketCheck) ([]CheckOutcome, error) {
	if e == nil || e.store == nil {
		return nil, ErrStoreUnavailable
	}
	if len(checks) == 0 {
		return nil, nil
	}
	if e.breaker != nil && !e.breaker.Allow() {
		return nil, ErrCircuitOpen
	}

	nowMs := e.now().UnixMilli()
	outcomes := make([]CheckOutcome, len(checks))

	var taggedIdx []int
	var singleIdx []int
	for i, check := range checks {
		if HasTenantTag(check.Key) {
			taggedIdx = append(taggedIdx, i)
		} else {
			singleIdx = append(singleIdx, i)
		}
	}

	group, groupCtx := errgroup.WithContext(ctx)

	if len(taggedIdx) > 0 {
		keys := make([]string, len(taggedIdx))
		params := make([]BucketParams, len(taggedIdx))
		for j, i := range taggedIdx {
			keys[j] = checks[i].Key
			params[j] = e.params(checks[i], nowMs)
		}
		group.Go(func() error {
			start := time.Now()
			results, err := e.store.CheckBatch(groupCtx, keys, params)
			if err != nil {
				return err
			}
			if len(results) != len(taggedIdx) {
				return ErrStoreUnavailable
			}
			for j, i := range taggedIdx {
				outcomes[i] = CheckOutcome{Check: checks[i], Result: results[j]}
				e.record(checks[i], results[j], time.Since(start))
			}
			return nil
		})
	}

	for _, i := range singleIdx {
		check := checks[i]
		idx := i
		group.Go(func() error {
			start := time.Now()
			result, err := e.store.Check(groupCtx, check.Key, e.params(check, nowMs))
			if err != nil {
				return err
			}
			outcomes[idx] = CheckOutcome{Check: check, Result: result}
			e.record(check, result, time.Since(start))
			return nil
		})
	}

	if err := group.Wait(); err != nil {
		// a caller hanging up is not a store failure
		if e.breaker != nil && !errors.Is(err, context.Canceled) {
			e.breaker.OnFailure()
		}
		return nil, err
	}
	if e.breaker != nil {
		e.breaker.OnSuccess()
	}
	return outcomes, nil
}

// Healthy reports store health.
func (e *BucketEngine) Healthy(ctx context.Context) bool {
	if e == nil || e.store == nil {
		return false
	}
	return e.store.Healthy(ctx)
}

func (e *BucketEngine) params(check BucketCheck, nowMs int64) BucketParams {
	return BucketParams{
		Capacity:     check.Policy.BurstCapacity,
		RefillPerSec: check.Policy.RefillRatePerSec,
		NowMs:        nowMs,
		SoftPct:      check.SoftPct,
		HardPct:      check.HardPct,
		TTLSeconds:   bucketTTLSeconds(check.Policy),
	}
}

func (e *BucketEngine) record(check BucketCheck, result BucketResult, elapsed time.Duration) {
	e.metrics.ObserveCheckDuration(string(check.Scope), elapsed)
	e.metrics.SetBucketTokens(string(check.Scope), check.TenantID, float64(result.Tokens))
	e.metrics.SetBucketUsagePct(string(check.Scope), check.TenantID, check.Endpoint, float64(result.UsagePct))
}

// bucketTTLSeconds bounds state lifetime to twice the full-refill interval,
// never below one minute.
func bucketTTLSeconds(policy BucketPolicy) int64 {
	if policy.RefillRatePerSec <= 0 {
		return 60
	}
	ttl := int64(math.Ceil(float64(policy.BurstCapacity)/policy.RefillRatePerSec)) * 2
	if ttl < 60 {
		ttl = 60
	}
	return ttl
}

// ResetEpochSeconds predicts the earliest instant the bucket is full again.
func ResetEpochSeconds(now time.Time, tokens, capacity int64, refillPerSec float64) int64 {
	if refillPerSec <= 0 || tokens >= capacity {
		return now.Unix()
	}
	millis := float64(capacity-tokens) / refillPerSec * 1000.0
	resetMs := now.UnixMilli() + int64(millis)
	return int64(math.Ceil(float64(resetMs) / 1000.0))
}

// RetryAfterSeconds computes the wait until usage drops below the hard threshold.
func RetryAfterSeconds(tokens, capacity int64, hardPct, refillPerSec float64) int64 {
	if refillPerSec <= 0 {
		return 0
	}
	consumed := float64(capacity - tokens)
	maxAllowed := float64(capacity) * hardPct / 100.0
	if consumed <= maxAllowed {
		return 0
	}
	return int64(math.Ceil((consumed - maxAllowed) / refillPerSec))
}
