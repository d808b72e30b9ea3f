package middleware_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/openauthd/openauthd/internal/api/middleware"
	"github.com/openauthd/openauthd/internal/issuer"
	"github.com/openauthd/openauthd/internal/rbac"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubValidator struct {
	claims *issuer.Claims
	err    error
}

func (s *stubValidator) ValidateToken(_ context.Context, _ string) (*issuer.Claims, error) {
	return s.claims, s.err
}

type stubChecker struct {
	allowed bool
	err     error
	gotReq  rbac.CheckRequest
	gotPerm string
}

func (s *stubChecker) CheckPermission(_ context.Context, req rbac.CheckRequest, permission string) (bool, error) {
	s.gotReq = req
	s.gotPerm = permission
	return s.allowed, s.err
}

func userClaims() *issuer.Claims {
	return &issuer.Claims{
		TenantID: "acme",
		Mode:     issuer.ModeUser,
		ClientID: "client-1",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject: "u1",
		},
	}
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]string {
	t.Helper()
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestAuthMiddleware_MissingToken(t *testing.T) {
	handler := middleware.AuthMiddleware(&stubValidator{})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not run")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "missing_token", decodeBody(t, rec)["error"])
}

func TestAuthMiddleware_InvalidToken(t *testing.T) {
	handler := middleware.AuthMiddleware(&stubValidator{err: issuer.ErrInvalidToken})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not run")
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer bogus")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "invalid_token", body["error"])
	assert.Equal(t, "token verification failed", body["error_description"])
}

func TestAuthMiddleware_ExpiredToken(t *testing.T) {
	handler := middleware.AuthMiddleware(&stubValidator{err: issuer.ErrExpiredToken})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not run")
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer expired")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "invalid_token", body["error"])
	assert.Equal(t, "token has expired", body["error_description"])
}

func TestAuthMiddleware_StoresClaims(t *testing.T) {
	var got *issuer.Claims
	handler := middleware.AuthMiddleware(&stubValidator{claims: userClaims()})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, err := middleware.GetClaims(r.Context())
		require.NoError(t, err)
		got = claims
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "bearer some-token")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, got)
	assert.Equal(t, "u1", got.Subject)
	assert.Equal(t, "acme", got.TenantID)
}

func TestRequirePermission_Allowed(t *testing.T) {
	checker := &stubChecker{allowed: true}
	handler := middleware.RequirePermission(checker, "tenants:manage")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	ctx := context.WithValue(req.Context(), middleware.ClaimsKey, userClaims())
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req.WithContext(ctx))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "tenants:manage", checker.gotPerm)
	assert.Equal(t, rbac.CheckRequest{UserID: "u1", ClientID: "client-1", TenantID: "acme"}, checker.gotReq)
}

func TestRequirePermission_Denied(t *testing.T) {
	handler := middleware.RequirePermission(&stubChecker{allowed: false}, "tenants:manage")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not run")
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	ctx := context.WithValue(req.Context(), middleware.ClaimsKey, userClaims())
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req.WithContext(ctx))

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "privilege_escalation_denied", decodeBody(t, rec)["error"])
}

func TestRequirePermission_NoClaims(t *testing.T) {
	handler := middleware.RequirePermission(&stubChecker{allowed: true}, "tenants:manage")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not run")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "missing_token", decodeBody(t, rec)["error"])
}
