package gatelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func override(id, tenant, user, endpoint string, typ OverrideType, expires time.Time) *Override {
	o := &Override{
		ID:        id,
		TenantID:  tenant,
		UserID:    user,
		Endpoint:  endpoint,
		Type:      typ,
		Source:    SourceManualOperator,
		CreatedAt: time.Now(),
		ExpiresAt: expires,
	}
	if typ == OverridePenaltyMultiplier {
		o.PenaltyMultiplier = 0.5
	}
	if typ == OverrideCustomLimit {
		o.CustomRate = 100
		o.CustomBurst = 10
	}
	return o
}

func TestOverride_PrecedenceMostSpecificWins(t *testing.T) {
	t.Parallel()

	db := NewInMemoryOverrideDB()
	ctx := context.Background()
	expires := time.Now().Add(time.Hour)

	require.NoError(t, db.Create(ctx, override("o1", "acme", "", "", OverrideTemporaryBan, expires)))
	require.NoError(t, db.Create(ctx, override("o2", "acme", "", "/api", OverrideTemporaryBan, expires)))
	require.NoError(t, db.Create(ctx, override("o3", "acme", "alice", "", OverrideTemporaryBan, expires)))
	require.NoError(t, db.Create(ctx, override("o4", "acme", "alice", "/api", OverrideTemporaryBan, expires)))

	got, err := db.GetActive(ctx, "acme", "alice", "/api")
	require.NoError(t, err)
	require.Equal(t, "o4", got.ID, "user+endpoint beats everything")

	got, err = db.GetActive(ctx, "acme", "alice", "/other")
	require.NoError(t, err)
	require.Equal(t, "o3", got.ID, "user-only is next")

	got, err = db.GetActive(ctx, "acme", "bob", "/api")
	require.NoError(t, err)
	require.Equal(t, "o2", got.ID, "endpoint-only is next")

	got, err = db.GetActive(ctx, "acme", "bob", "/other")
	require.NoError(t, err)
	require.Equal(t, "o1", got.ID, "tenant-wide is the floor")
}

func TestOverride_ExpiredNeverReturned(t *testing.T) {
	t.Parallel()

	db := NewInMemoryOverrideDB()
	ctx := context.Background()
	o := override("o1", "acme", "", "", OverrideTemporaryBan, time.Now().Add(20*time.Millisecond))
	require.NoError(t, db.Create(ctx, o))

	time.Sleep(40 * time.Millisecond)
	got, err := db.GetActive(ctx, "acme", "alice", "/api")
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestOverride_Validation(t *testing.T) {
	t.Parallel()

	now := time.Now()
	cases := []struct {
		name string
		o    *Override
	}{
		{"nil", nil},
		{"no tenant", override("o", "", "", "", OverrideTemporaryBan, now.Add(time.Hour))},
		{"expired at creation", override("o", "acme", "", "", OverrideTemporaryBan, now.Add(-time.Second))},
		{"bad multiplier", &Override{ID: "o", TenantID: "acme", Type: OverridePenaltyMultiplier, PenaltyMultiplier: 1.5, Source: SourceManualOperator, ExpiresAt: now.Add(time.Hour)}},
		{"custom without rate", &Override{ID: "o", TenantID: "acme", Type: OverrideCustomLimit, Source: SourceManualOperator, ExpiresAt: now.Add(time.Hour)}},
		{"unknown type", &Override{ID: "o", TenantID: "acme", Type: "nonsense", Source: SourceManualOperator, ExpiresAt: now.Add(time.Hour)}},
		{"unknown source", &Override{ID: "o", TenantID: "acme", Type: OverrideTemporaryBan, Source: "elsewhere", ExpiresAt: now.Add(time.Hour)}},
	}
	for _, tc := range cases {
		require.Error(t, ValidateOverride(tc.o, now), tc.name)
	}
	require.NoError(t, ValidateOverride(override("o", "acme", "", "", OverrideTemporaryBan, now.Add(time.Hour)), now))
}

// countingOverrideDB counts GetActive calls behind the cache.
type countingOverrideDB struct {
	inner *InMemoryOverrideDB
	mu    sync.Mutex
	calls int
}

func (db *countingOverrideDB) GetActive(ctx context.Context, tenantID, userID, endpoint string) (*Override, error) {
	db.mu.Lock()
	db.calls++
	db.mu.Unlock()
	return db.inner.GetActive(ctx, tenantID, userID, endpoint)
}

func (db *countingOverrideDB) ListActive(ctx context.Context, tenantID string) ([]*Override, error) {
	return db.inner.ListActive(ctx, tenantID)
}

func (db *countingOverrideDB) Create(ctx context.Context, o *Override) error {
	return db.inner.Create(ctx, o)
}

func (db *countingOverrideDB) Delete(ctx context.Context, tenantID, id string) (*Override, error) {
	return db.inner.Delete(ctx, tenantID, id)
}

func (db *countingOverrideDB) callCount() int {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.calls
}

func TestOverrideCache_NegativeCaching(t *testing.T) {
	t.Parallel()

	db := &countingOverrideDB{inner: NewInMemoryOverrideDB()}
	cache := NewOverrideCache(db, OverrideCacheOptions{}, nil)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		got, err := cache.GetActive(ctx, "acme", "alice", "/api")
		require.NoError(t, err)
		require.Nil(t, got)
	}
	require.Equal(t, 1, db.callCount(), "repeated misses must be served from the negative cache")
}

func TestOverrideCache_MutationEvictsAllShapes(t *testing.T) {
	t.Parallel()

	db := &countingOverrideDB{inner: NewInMemoryOverrideDB()}
	cache := NewOverrideCache(db, OverrideCacheOptions{}, nil)
	ctx := context.Background()

	// populate the negative cache for every shape the override can mask
	for _, shape := range [][2]string{{"alice", "/api"}, {"alice", ""}, {"", "/api"}, {"", ""}} {
		_, err := cache.GetActive(ctx, "acme", shape[0], shape[1])
		require.NoError(t, err)
	}

	o := override("o1", "acme", "alice", "/api", OverrideTemporaryBan, time.Now().Add(time.Hour))
	require.NoError(t, cache.Create(ctx, o))

	got, err := cache.GetActive(ctx, "acme", "alice", "/api")
	require.NoError(t, err)
	require.NotNil(t, got, "cached negative result must not mask the new override")
	require.Equal(t, "o1", got.ID)
}

func TestOverrideCache_DeleteRestoresCleanState(t *testing.T) {
	t.Parallel()

	db := &countingOverrideDB{inner: NewInMemoryOverrideDB()}
	cache := NewOverrideCache(db, OverrideCacheOptions{}, nil)
	ctx := context.Background()

	o := override("o1", "acme", "", "", OverrideTemporaryBan, time.Now().Add(time.Hour))
	require.NoError(t, cache.Create(ctx, o))

	got, err := cache.GetActive(ctx, "acme", "alice", "/api")
	require.NoError(t, err)
	require.NotNil(t, got)

	_, err = cache.Delete(ctx, "acme", "o1")
	require.NoError(t, err)

	got, err = cache.GetActive(ctx, "acme", "alice", "/api")
	require.NoError(t, err)
	require.Nil(t, got, "deletion must leave effective policy unchanged")
}

func TestOverrideCache_StoreErrorSurfaces(t *testing.T) {
	t.Parallel()

	inner := NewInMemoryOverrideDB()
	cache := NewOverrideCache(inner, OverrideCacheOptions{}, nil)
	inner.FailNext(ErrStoreUnavailable)

	_, err := cache.GetActive(context.Background(), "acme", "alice", "/api")
	require.ErrorIs(t, err, ErrStoreUnavailable)
}
