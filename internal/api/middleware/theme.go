package middleware

import (
	"net/http"

	"github.com/openauthd/openauthd/internal/tenant"
)

// ThemeHeaders projects the resolved tenant's branding into response
// headers so downstream UIs can style themselves without another lookup.
func ThemeHeaders(configDefaultTheme string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			t := GetTenant(r.Context())
			for name, value := range tenant.ThemeHeaders(configDefaultTheme, t) {
				w.Header().Set(name, value)
			}
			next.ServeHTTP(w, r)
		})
	}
}
