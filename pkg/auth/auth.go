// Package auth implements tenant authentication for the HTTP surface.
// Every call carries explicit X-Tenant-ID and X-API-Key headers; a missing
// header is 401, a wrong key is 403, and cross-tenant resources read as
// 404 one layer down because every store read is tenant-scoped.
package auth

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/regtrace/regtrace/pkg/errkind"
)

// Header names.
const (
	HeaderTenantID = "X-Tenant-ID"
	HeaderAPIKey   = "X-API-Key"
)

type contextKey struct{}

// TenantID returns the authenticated tenant from the request context.
func TenantID(ctx context.Context) (string, bool) {
	tenant, ok := ctx.Value(contextKey{}).(string)
	return tenant, ok
}

// WithTenant stamps a tenant onto a context; exported for tests and the CLI
// path, which bypasses HTTP auth.
func WithTenant(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, contextKey{}, tenantID)
}

// Keys holds the static tenant -> API key table.
type Keys struct {
	byTenant map[string]string
}

// ParseKeys parses "tenant1:key1,tenant2:key2".
func ParseKeys(raw string) (*Keys, error) {
	keys := &Keys{byTenant: map[string]string{}}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return keys, nil
	}
	for _, pair := range strings.Split(raw, ",") {
		tenant, key, ok := strings.Cut(strings.TrimSpace(pair), ":")
		if !ok || tenant == "" || key == "" {
			return nil, errkind.E(errkind.Validation, "malformed tenant key entry %q", pair)
		}
		keys.byTenant[tenant] = key
	}
	return keys, nil
}

// Check verifies a tenant's API key in constant time.
func (k *Keys) Check(tenantID, apiKey string) error {
	expected, ok := k.byTenant[tenantID]
	if !ok {
		return errkind.E(errkind.Authz, "unknown tenant")
	}
	if subtle.ConstantTimeCompare([]byte(expected), []byte(apiKey)) != 1 {
		return errkind.E(errkind.Authz, "invalid API key")
	}
	return nil
}

// Empty reports whether no tenants are configured.
func (k *Keys) Empty() bool { return len(k.byTenant) == 0 }

// Middleware authenticates every request and stamps the tenant onto the
// context. unauthorized is the caller's error writer, so the edge keeps a
// single problem-document format.
func Middleware(keys *Keys, unauthorized func(w http.ResponseWriter, r *http.Request, status int, detail string)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tenantID := r.Header.Get(HeaderTenantID)
			apiKey := r.Header.Get(HeaderAPIKey)
			if tenantID == "" || apiKey == "" {
				unauthorized(w, r, http.StatusUnauthorized, "missing tenant credentials")
				return
			}
			if err := keys.Check(tenantID, apiKey); err != nil {
				unauthorized(w, r, http.StatusForbidden, "invalid tenant credentials")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithTenant(r.Context(), tenantID)))
		})
	}
}
