package gatelimit

import (
	"context"
	"errors"
	"testing"
)

func TestDecodeBucketReply(t *testing.T) {
	t.Parallel()

	result, err := decodeBucketReply([]any{int64(1), int64(0), int64(42), int64(7)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Allowed || result.State != StateNormal || result.Tokens != 42 || result.UsagePct != 7 {
		t.Fatalf("unexpected decode: %+v", result)
	}

	// string-encoded numerics from some server versions
	result, err = decodeBucketReply([]any{"0", "2", "0", "100"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Allowed || result.State != StateHard {
		t.Fatalf("unexpected decode: %+v", result)
	}

	if _, err := decodeBucketReply([]any{int64(1)}); err == nil {
		t.Fatalf("expected malformed reply error for short array")
	}
	if _, err := decodeBucketReply("nope"); err == nil {
		t.Fatalf("expected malformed reply error for non-array")
	}
	if _, err := decodeBucketReply([]any{1.5, int64(0), int64(0), int64(0)}); err == nil {
		t.Fatalf("expected malformed reply error for float element")
	}
}

func TestBucketArgs(t *testing.T) {
	t.Parallel()

	args := bucketArgs(BucketParams{
		Capacity:     20,
		RefillPerSec: 16.666666666666668,
		NowMs:        1700000000000,
		SoftPct:      100,
		HardPct:      110,
		TTLSeconds:   120,
	})
	if len(args) != 6 {
		t.Fatalf("expected 6 positional args, got %d", len(args))
	}
	if args[0] != "20" || args[2] != "1700000000000" || args[5] != "120" {
		t.Fatalf("unexpected integer encoding: %v", args)
	}
}

func TestMapStoreError(t *testing.T) {
	t.Parallel()

	if err := mapStoreError(context.DeadlineExceeded); !errors.Is(err, ErrStoreTimeout) {
		t.Fatalf("deadline must map to store timeout, got %v", err)
	}
	if err := mapStoreError(context.Canceled); !errors.Is(err, context.Canceled) {
		t.Fatalf("cancellation must pass through, got %v", err)
	}
	if err := mapStoreError(errors.New("connection refused")); !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("connection errors map to unavailable, got %v", err)
	}
}
