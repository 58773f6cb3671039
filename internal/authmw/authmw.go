// Package authmw provides HTTP middleware for bearer token authentication
// and tenant scoping.
package authmw

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
)

// DefaultTenantHeader carries the tenant a request acts on.
const DefaultTenantHeader = "X-Tenant-Id"

// AnyTenant binds a token to every tenant.
const AnyTenant = "*"

type tenantKey struct{}

// WithTenant returns ctx carrying tenantID.
func WithTenant(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, tenantKey{}, tenantID)
}

// TenantFromContext returns the tenant resolved by RequireTenant or Tokens.
func TenantFromContext(ctx context.Context) (string, bool) {
	t, ok := ctx.Value(tenantKey{}).(string)
	return t, ok && t != ""
}

// BearerToken returns middleware that validates the Authorization header
// contains a Bearer token matching the expected value. Comparison uses
// constant-time equality to prevent timing side-channel attacks.
func BearerToken(token string) func(http.Handler) http.Handler {
	return Tokens(map[string]string{token: AnyTenant}, "")
}

// Tokens returns middleware that authenticates a Bearer token against
// tokens (token -> tenant or AnyTenant). When header is set, the tenant in
// that header must be one the token is bound to and is stored in the
// request context.
func Tokens(tokens map[string]string, header string) func(http.Handler) http.Handler {
	type binding struct {
		token  []byte
		tenant string
	}
	bindings := make([]binding, 0, len(tokens))
	for tok, tenant := range tokens {
		bindings = append(bindings, binding{token: []byte(tok), tenant: tenant})
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")

			if !strings.HasPrefix(auth, "Bearer ") {
				http.Error(w, `{"error":"missing or malformed authorization header"}`, http.StatusUnauthorized)
				return
			}

			got := []byte(auth[len("Bearer "):])

			// check every binding so timing does not reveal which one matched
			tenant, matched := "", false
			for _, b := range bindings {
				if subtle.ConstantTimeCompare(got, b.token) == 1 {
					tenant, matched = b.tenant, true
				}
			}
			if !matched {
				http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
				return
			}

			if header == "" {
				next.ServeHTTP(w, r)
				return
			}
			requested := r.Header.Get(header)
			if requested == "" {
				http.Error(w, `{"error":"missing tenant header"}`, http.StatusBadRequest)
				return
			}
			if tenant != AnyTenant && tenant != requested {
				http.Error(w, `{"error":"token not valid for tenant"}`, http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithTenant(r.Context(), requested)))
		})
	}
}

// RequireTenant returns middleware that rejects requests without the tenant
// header and stores the tenant in the request context.
func RequireTenant(header string) func(http.Handler) http.Handler {
	if header == "" {
		header = DefaultTenantHeader
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := TenantFromContext(r.Context()); ok {
				next.ServeHTTP(w, r)
				return
			}
			tenant := r.Header.Get(header)
			if tenant == "" {
				http.Error(w, `{"error":"missing tenant header"}`, http.StatusBadRequest)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithTenant(r.Context(), tenant)))
		})
	}
}
