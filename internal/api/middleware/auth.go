package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/openauthd/openauthd/internal/api/helpers"
	"github.com/openauthd/openauthd/internal/issuer"
	"github.com/openauthd/openauthd/internal/rbac"
)

// TokenValidator verifies a bearer token and returns its claims.
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) (*issuer.Claims, error)
}

// PermissionChecker answers a single permission question.
type PermissionChecker interface {
	CheckPermission(ctx context.Context, req rbac.CheckRequest, permission string) (bool, error)
}

// AuthMiddleware requires a valid bearer token and stores its claims in
// the context.
func AuthMiddleware(validator TokenValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			if token == "" {
				helpers.RespondOAuthError(w, http.StatusUnauthorized,
					"missing_token", "authorization header is required")
				return
			}

			claims, err := validator.ValidateToken(r.Context(), token)
			if err != nil {
				description := "token verification failed"
				if errors.Is(err, issuer.ErrExpiredToken) {
					description = "token has expired"
				}
				helpers.RespondOAuthError(w, http.StatusUnauthorized, "invalid_token", description)
				return
			}

			ctx := context.WithValue(r.Context(), ClaimsKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequirePermission gates a route on an RBAC permission of the
// authenticated user. Must run behind AuthMiddleware.
func RequirePermission(checker PermissionChecker, permission string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, err := GetClaims(r.Context())
			if err != nil {
				helpers.RespondOAuthError(w, http.StatusUnauthorized,
					"missing_token", "authorization is required")
				return
			}

			ok, err := checker.CheckPermission(r.Context(), rbac.CheckRequest{
				UserID:   claims.Subject,
				ClientID: claims.ClientID,
				TenantID: claims.TenantID,
			}, permission)
			if err != nil {
				helpers.RespondError(w, err)
				return
			}
			if !ok {
				helpers.RespondJSON(w, http.StatusForbidden, map[string]string{
					"error":             "privilege_escalation_denied",
					"error_description": "missing permission " + permission,
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if len(auth) > 7 && strings.EqualFold(auth[:7], "Bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}
