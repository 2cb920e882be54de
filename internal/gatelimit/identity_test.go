package gatelimit

import (
	"net/http/httptest"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

func signedToken(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func TestIdentity_VerifiedBearerToken(t *testing.T) {
	t.Parallel()

	ex := NewIdentityExtractor("shared-secret")
	r := httptest.NewRequest("GET", "/api/search", nil)
	r.Header.Set("Authorization", "Bearer "+signedToken(t, "shared-secret", jwt.MapClaims{
		"tenant_id": "acme",
		"user_id":   "alice",
	}))

	identity := ex.Extract(r)
	require.Equal(t, "acme", identity.TenantID)
	require.Equal(t, "alice", identity.UserID)
	require.Equal(t, "/api/search", identity.Endpoint)
}

func TestIdentity_UnverifiedTokenStillDecodes(t *testing.T) {
	t.Parallel()

	// wrong secret: claims are advisory but identity still resolves
	ex := NewIdentityExtractor("expected-secret")
	r := httptest.NewRequest("GET", "/api/search", nil)
	r.Header.Set("Authorization", "Bearer "+signedToken(t, "other-secret", jwt.MapClaims{
		"tenantId": "acme",
		"sub":      "bob",
	}))

	identity := ex.Extract(r)
	require.Equal(t, "acme", identity.TenantID)
	require.Equal(t, "bob", identity.UserID)
}

func TestIdentity_TokenWithoutTenantFallsThrough(t *testing.T) {
	t.Parallel()

	ex := NewIdentityExtractor("")
	r := httptest.NewRequest("GET", "/api/search", nil)
	r.Header.Set("Authorization", "Bearer "+signedToken(t, "s", jwt.MapClaims{"sub": "bob"}))
	r.Header.Set("X-Tenant-ID", "acme")

	identity := ex.Extract(r)
	require.Equal(t, "acme", identity.TenantID)
	require.Equal(t, "default", identity.UserID)
}

func TestIdentity_APIKey(t *testing.T) {
	t.Parallel()

	ex := NewIdentityExtractor("")
	r := httptest.NewRequest("GET", "/api/upload/", nil)
	r.Header.Set("X-API-Key", "acme.alice.s3cret")

	identity := ex.Extract(r)
	require.Equal(t, "acme", identity.TenantID)
	require.Equal(t, "alice", identity.UserID)
	require.Equal(t, "/api/upload", identity.Endpoint)
}

func TestIdentity_HeaderPair(t *testing.T) {
	t.Parallel()

	ex := NewIdentityExtractor("")
	r := httptest.NewRequest("GET", "/api/search", nil)
	r.Header.Set("X-Tenant-ID", "acme")
	r.Header.Set("X-User-ID", "carol")

	identity := ex.Extract(r)
	require.Equal(t, "acme", identity.TenantID)
	require.Equal(t, "carol", identity.UserID)
}

func TestIdentity_TenantHeaderOnlyDefaultsUser(t *testing.T) {
	t.Parallel()

	ex := NewIdentityExtractor("")
	r := httptest.NewRequest("GET", "/api/search", nil)
	r.Header.Set("X-Tenant-ID", "acme")

	identity := ex.Extract(r)
	require.Equal(t, "acme", identity.TenantID)
	require.Equal(t, "default", identity.UserID)
}

func TestIdentity_AnonymousFromIP(t *testing.T) {
	t.Parallel()

	ex := NewIdentityExtractor("")
	r := httptest.NewRequest("GET", "/api/search", nil)
	r.RemoteAddr = "203.0.113.9:4431"

	identity := ex.Extract(r)
	require.Equal(t, "anonymous", identity.TenantID)
	require.Equal(t, "ip_203_0_113_9", identity.UserID)
	require.Equal(t, "203.0.113.9", identity.IPAddress)
}

func TestIdentity_ForwardedForWins(t *testing.T) {
	t.Parallel()

	ex := NewIdentityExtractor("")
	r := httptest.NewRequest("GET", "/api/search", nil)
	r.RemoteAddr = "10.0.0.1:1234"
	r.Header.Set("X-Forwarded-For", "198.51.100.7, 10.0.0.1")

	identity := ex.Extract(r)
	require.Equal(t, "ip_198_51_100_7", identity.UserID)
}

func TestIdentity_MalformedAPIKeyIgnored(t *testing.T) {
	t.Parallel()

	ex := NewIdentityExtractor("")
	r := httptest.NewRequest("GET", "/api/search", nil)
	r.RemoteAddr = "10.0.0.1:1234"
	r.Header.Set("X-API-Key", "just-a-blob")

	identity := ex.Extract(r)
	require.Equal(t, "anonymous", identity.TenantID)
}
