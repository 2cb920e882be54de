// Package gatelimit provides request identity extraction.
package gatelimit

import (
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// TokenTrust classifies how bearer claims were obtained.
type TokenTrust int

const (
	// TokenNone means no usable bearer token was present.
	TokenNone TokenTrust = iota
	// TokenDecoded means claims were decoded without signature verification
	// and are advisory only: identity may use them, authorisation must not.
	TokenDecoded
	// TokenVerified means the signature checked out against the shared secret.
	TokenVerified
)

// TokenClaims carries the identity-relevant claims of a bearer token.
type TokenClaims struct {
	Trust    TokenTrust
	TenantID string
	UserID   string
}

// IdentityExtractor resolves request identities from ordered sources.
type IdentityExtractor struct {
	secret []byte
}

// NewIdentityExtractor constructs an extractor. An empty secret disables
// verification; tokens are then decoded unverified.
func NewIdentityExtractor(secret string) *IdentityExtractor {
	var key []byte
	if secret != "" {
		key = []byte(secret)
	}
	return &IdentityExtractor{secret: key}
}

// Extract resolves (tenant, user, endpoint, ip) for a request. An empty
// TenantID in the result means the caller should skip rate limiting.
func (ex *IdentityExtractor) Extract(r *http.Request) RequestIdentity {
	if r == nil {
		return RequestIdentity{}
	}
	identity := RequestIdentity{
		Endpoint:  NormalizeEndpoint(r.URL.Path),
		IPAddress: clientIP(r),
	}

	if claims := ex.bearerClaims(r); claims.Trust != TokenNone {
		identity.TenantID = claims.TenantID
		identity.UserID = claims.UserID
	}

	if identity.TenantID == "" {
		if tenant, user, ok := apiKeyIdentity(r); ok {
			identity.TenantID = tenant
			identity.UserID = user
		}
	}

	if identity.TenantID == "" {
		identity.TenantID = strings.TrimSpace(r.Header.Get("X-Tenant-ID"))
		if identity.UserID == "" {
			identity.UserID = strings.TrimSpace(r.Header.Get("X-User-ID"))
		}
	}

	if identity.TenantID == "" {
		identity.TenantID = "anonymous"
		identity.UserID = "ip_" + SanitizeIP(identity.IPAddress)
	}
	if identity.UserID == "" {
		identity.UserID = "default"
	}
	return identity
}

func (ex *IdentityExtractor) bearerClaims(r *http.Request) TokenClaims {
	header := r.Header.Get("Authorization")
	if header == "" {
		return TokenClaims{}
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return TokenClaims{}
	}
	token := strings.TrimSpace(header[len(prefix):])
	if token == "" {
		return TokenClaims{}
	}

	claims := jwt.MapClaims{}
	if len(ex.secret) > 0 {
		parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
			return ex.secret, nil
		}, jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}))
		if err == nil && parsed.Valid {
			return claimsIdentity(claims, TokenVerified)
		}
	}

	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return TokenClaims{}
	}
	return claimsIdentity(claims, TokenDecoded)
}

func claimsIdentity(claims jwt.MapClaims, trust TokenTrust) TokenClaims {
	out := TokenClaims{Trust: trust}
	out.TenantID = firstClaim(claims, "tenant_id", "tenantId")
	out.UserID = firstClaim(claims, "user_id", "userId", "sub")
	if out.TenantID == "" {
		return TokenClaims{}
	}
	return out
}

func firstClaim(claims jwt.MapClaims, names ...string) string {
	for _, name := range names {
		if value, ok := claims[name].(string); ok && value != "" {
			return value
		}
	}
	return ""
}

func apiKeyIdentity(r *http.Request) (string, string, bool) {
	key := strings.TrimSpace(r.Header.Get("X-API-Key"))
	if key == "" {
		return "", "", false
	}
	parts := strings.Split(key, ".")
	if len(parts) < 3 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		return strings.TrimSpace(parts[0])
	}
	ip := r.RemoteAddr
	if idx := strings.LastIndex(ip, ":"); idx != -1 {
		ip = ip[:idx]
	}
	return ip
}
