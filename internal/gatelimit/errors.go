// Package gatelimit defines sentinel errors.
package gatelimit

import "errors"

// ErrInvalidInput indicates validation failures.
var ErrInvalidInput = errors.New("invalid input")

// ErrConflict indicates concurrent modification conflicts.
var ErrConflict = errors.New("conflict")

// ErrNotFound indicates missing resources.
var ErrNotFound = errors.New("not found")

// ErrPolicyNotFound indicates no tenant policy could be resolved.
var ErrPolicyNotFound = errors.New("policy not found")

// ErrStoreTimeout indicates a store deadline was exceeded.
var ErrStoreTimeout = errors.New("store timeout")

// ErrStoreUnavailable indicates the store connection failed.
var ErrStoreUnavailable = errors.New("store unavailable")

// ErrScriptMissing indicates the bucket script is not resident on the store.
var ErrScriptMissing = errors.New("script missing")

// ErrCircuitOpen indicates the breaker is rejecting store calls.
var ErrCircuitOpen = errors.New("circuit open")
