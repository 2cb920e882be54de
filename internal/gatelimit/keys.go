// Package gatelimit provides bucket key construction.
package gatelimit

import "strings"

// NormalizeEndpoint maps a request path to its key-safe form.
// The query is assumed already stripped; trailing slashes are trimmed and
// characters outside [a-zA-Z0-9/_-] map to '_'.
func NormalizeEndpoint(path string) string {
	if path == "" {
		return ""
	}
	if idx := strings.IndexByte(path, '?'); idx >= 0 {
		path = path[:idx]
	}
	for len(path) > 1 && strings.HasSuffix(path, "/") {
		path = path[:len(path)-1]
	}
	var b strings.Builder
	b.Grow(len(path))
	for i := 0; i < len(path); i++ {
		c := path[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
			b.WriteByte(c)
		case c == '/' || c == '_' || c == '-':
			b.WriteByte(c)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

// SanitizeIP maps an IP address into an identifier-safe form.
func SanitizeIP(ip string) string {
	var b strings.Builder
	b.Grow(len(ip))
	for i := 0; i < len(ip); i++ {
		c := ip[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
			b.WriteByte(c)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

// tenantTag returns the hash tag shared by all tenant-scoped keys so they
// collocate on one cluster slot.
func tenantTag(tenantID string) string {
	return "{tenant:" + tenantID + "}"
}

// HasTenantTag reports whether the key carries a tenant hash tag.
func HasTenantTag(key string) bool {
	return strings.HasPrefix(key, "{tenant:")
}

// UserGlobalKey builds the user_global bucket key.
func UserGlobalKey(tenantID, userID string) string {
	return tenantTag(tenantID) + ":user:" + userID + ":bucket"
}

// UserEndpointKey builds the user_endpoint bucket key.
func UserEndpointKey(tenantID, userID, endpoint string) string {
	return tenantTag(tenantID) + ":user:" + userID + ":endpoint:" + endpoint + ":bucket"
}

// TenantGlobalKey builds the tenant_global bucket key.
func TenantGlobalKey(tenantID string) string {
	return tenantTag(tenantID) + ":bucket"
}

// TenantEndpointKey builds the tenant_endpoint bucket key.
func TenantEndpointKey(tenantID, endpoint string) string {
	return tenantTag(tenantID) + ":endpoint:" + endpoint + ":bucket"
}

// GlobalEndpointKey builds the global_endpoint bucket key.
func GlobalEndpointKey(endpoint string) string {
	return "global:endpoint:" + endpoint + ":bucket"
}

// GlobalSystemKey returns the global_system bucket key.
func GlobalSystemKey() string {
	return "global:bucket"
}

// OverrideCacheKey builds the override cache key for a lookup shape.
func OverrideCacheKey(tenantID, userID, endpoint string) string {
	u := userID
	if u == "" {
		u = "none"
	}
	e := endpoint
	if e == "" {
		e = "none"
	}
	return "override:" + tenantID + ":" + u + ":" + e
}
