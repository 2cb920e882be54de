// Package gatelimit provides the Redis-backed bucket store.
package gatelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBucketStore evaluates buckets through the embedded Lua primitive.
type RedisBucketStore struct {
	client  redis.UniversalClient
	timeout time.Duration
	logger  Logger

	mu  sync.Mutex
	sha string
}

// NewRedisBucketStore loads the bucket script and caches its digest.
func NewRedisBucketStore(ctx context.Context, client redis.UniversalClient, timeout time.Duration, logger Logger) (*RedisBucketStore, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if timeout <= 0 {
		timeout = 100 * time.Millisecond
	}
	if logger == nil {
		logger = NopLogger{}
	}
	if ctx == nil {
		ctx = context.Background()
	}
	store := &RedisBucketStore{client: client, timeout: timeout, logger: logger}
	if err := store.loadScript(ctx); err != nil {
		return nil, fmt.Errorf("load bucket script: %w", err)
	}
	return store, nil
}

// Check evaluates one bucket.
func (s *RedisBucketStore) Check(ctx context.Context, key string, params BucketParams) (BucketResult, error) {
	if s == nil || s.client == nil {
		return BucketResult{}, ErrStoreUnavailable
	}
	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	raw, err := s.eval(callCtx, key, params)
	if err != nil && isScriptMissing(err) {
		if err = s.loadScript(callCtx); err == nil {
			raw, err = s.eval(callCtx, key, params)
		}
	}
	if err != nil {
		return BucketResult{}, mapStoreError(err)
	}
	return decodeBucketReply(raw)
}

// CheckBatch evaluates same-partition buckets in one pipeline.
func (s *RedisBucketStore) CheckBatch(ctx context.Context, keys []string, params []BucketParams) ([]BucketResult, error) {
	if s == nil || s.client == nil {
		return nil, ErrStoreUnavailable
	}
	if len(keys) != len(params) {
		return nil, ErrInvalidInput
	}
	if len(keys) == 0 {
		return nil, nil
	}
	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	results, err := s.evalPipeline(callCtx, keys, params)
	if err != nil && isScriptMissing(err) {
		if err = s.loadScript(callCtx); err == nil {
			results, err = s.evalPipeline(callCtx, keys, params)
		}
	}
	if err != nil {
		return nil, mapStoreError(err)
	}
	return results, nil
}

// Healthy reports whether the store answers a ping.
func (s *RedisBucketStore) Healthy(ctx context.Context) bool {
	if s == nil || s.client == nil {
		return false
	}
	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.client.Ping(callCtx).Err() == nil
}

// Close releases the client.
func (s *RedisBucketStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

func (s *RedisBucketStore) loadScript(ctx context.Context) error {
	sha, err := s.client.ScriptLoad(ctx, tokenBucketScript).Result()
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.sha = sha
	s.mu.Unlock()
	return nil
}

func (s *RedisBucketStore) scriptSHA() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sha
}

func (s *RedisBucketStore) eval(ctx context.Context, key string, params BucketParams) (any, error) {
	return s.client.EvalSha(ctx, s.scriptSHA(), []string{key}, bucketArgs(params)...).Result()
}

func (s *RedisBucketStore) evalPipeline(ctx context.Context, keys []string, params []BucketParams) ([]BucketResult, error) {
	pipe := s.client.Pipeline()
	cmds := make([]*redis.Cmd, len(keys))
	sha := s.scriptSHA()
	for i, key := range keys {
		cmds[i] = pipe.EvalSha(ctx, sha, []string{key}, bucketArgs(params[i])...)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	results := make([]BucketResult, len(keys))
	for i, cmd := range cmds {
		raw, err := cmd.Result()
		if err != nil {
			return nil, err
		}
		result, err := decodeBucketReply(raw)
		if err != nil {
			return nil, err
		}
		results[i] = result
	}
	return results, nil
}

func bucketArgs(params BucketParams) []any {
	return []any{
		strconv.FormatInt(params.Capacity, 10),
		strconv.FormatFloat(params.RefillPerSec, 'f', -1, 64),
		strconv.FormatInt(params.NowMs, 10),
		strconv.FormatFloat(params.SoftPct, 'f', -1, 64),
		strconv.FormatFloat(params.HardPct, 'f', -1, 64),
		strconv.FormatInt(params.TTLSeconds, 10),
	}
}

func decodeBucketReply(raw any) (BucketResult, error) {
	values, ok := raw.([]any)
	if !ok || len(values) != 4 {
		return BucketResult{}, errors.New("malformed bucket reply")
	}
	ints := make([]int64, 4)
	for i, v := range values {
		switch t := v.(type) {
		case int64:
			ints[i] = t
		case string:
			parsed, err := strconv.ParseInt(t, 10, 64)
			if err != nil {
				return BucketResult{}, errors.New("malformed bucket reply")
			}
			ints[i] = parsed
		default:
			return BucketResult{}, errors.New("malformed bucket reply")
		}
	}
	return BucketResult{
		Allowed:  ints[0] == 1,
		State:    CheckState(ints[1]),
		Tokens:   ints[2],
		UsagePct: ints[3],
	}, nil
}

func isScriptMissing(err error) bool {
	return err != nil && redis.HasErrorPrefix(err, "NOSCRIPT")
}

func mapStoreError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", ErrStoreTimeout, err)
	case errors.Is(err, context.Canceled):
		return err
	case isScriptMissing(err):
		return fmt.Errorf("%w: %v", ErrScriptMissing, err)
	default:
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
}
