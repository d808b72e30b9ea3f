package middleware

import (
	"context"
	"fmt"

	"github.com/openauthd/openauthd/internal/issuer"
	"github.com/openauthd/openauthd/internal/session"
	"github.com/openauthd/openauthd/internal/tenant"
)

// contextKey is a custom type for context keys to avoid collisions.
type contextKey string

// Context keys for request-scoped values.
const (
	TenantKey  contextKey = "tenant"
	SessionKey contextKey = "browser_session"
	ClaimsKey  contextKey = "token_claims"
)

// GetTenant extracts the resolved tenant from context. Returns nil when
// resolution ran in optional mode and nothing matched.
func GetTenant(ctx context.Context) *tenant.Tenant {
	t, _ := ctx.Value(TenantKey).(*tenant.Tenant)
	return t
}

// GetSession extracts the browser session from context, nil when absent.
func GetSession(ctx context.Context) *session.BrowserSession {
	s, _ := ctx.Value(SessionKey).(*session.BrowserSession)
	return s
}

// GetClaims extracts the verified token claims from context.
// Returns an error if the value is missing, which means the route was
// not behind the auth middleware.
func GetClaims(ctx context.Context) (*issuer.Claims, error) {
	claims, ok := ctx.Value(ClaimsKey).(*issuer.Claims)
	if !ok {
		return nil, fmt.Errorf("token claims not found in context")
	}
	return claims, nil
}

// MustGetClaims extracts claims and panics if not found. Use only behind
// the auth middleware.
func MustGetClaims(ctx context.Context) *issuer.Claims {
	claims, err := GetClaims(ctx)
	if err != nil {
		panic(fmt.Sprintf("CRITICAL: %v", err))
	}
	return claims
}
