package middleware

import (
	"context"
	"net/http"

	"github.com/openauthd/openauthd/internal/api/helpers"
	"github.com/openauthd/openauthd/internal/tenant"
)

// TenantContext resolves the tenant from the request surface (custom
// domain, subdomain, path, header, query) and stores it in the context.
// In optional mode requests without a match pass through with no tenant;
// a suspended or deleted tenant always fails here.
func TenantContext(resolver *tenant.Resolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			t, err := resolver.Resolve(r.Context(), r)
			if err != nil {
				helpers.RespondError(w, err)
				return
			}
			if t == nil {
				next.ServeHTTP(w, r)
				return
			}
			ctx := context.WithValue(r.Context(), TenantKey, t)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireTenant rejects requests that reached the handler without a
// resolved tenant. Used on routes where the tenant is not optional.
func RequireTenant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if GetTenant(r.Context()) == nil {
			helpers.RespondJSON(w, http.StatusBadRequest, map[string]string{
				"error":             "tenant_not_found",
				"error_description": "no tenant could be resolved from the request",
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}
