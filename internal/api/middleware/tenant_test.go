package middleware_test

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/openauthd/openauthd/internal/api/middleware"
	"github.com/openauthd/openauthd/internal/kv"
	"github.com/openauthd/openauthd/internal/tenant"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func suspendedRegistry(t *testing.T) *tenant.Registry {
	t.Helper()
	ctx := context.Background()
	reg := tenant.NewRegistry(kv.NewMemory(), nil, slog.Default())

	_, err := reg.Create(ctx, tenant.CreateParams{ID: "acme", Name: "Acme"})
	require.NoError(t, err)
	suspended := tenant.StatusSuspended
	_, err = reg.Update(ctx, "acme", tenant.UpdateParams{Status: &suspended})
	require.NoError(t, err)
	return reg
}

// Tenant management lives under /admin/tenants precisely so the status
// gate cannot lock operators out of a suspended tenant.
func TestTenantContext_SuspendedTenantManageableUnderAdminPath(t *testing.T) {
	resolver := tenant.NewResolver(suspendedRegistry(t), tenant.ResolverConfig{})

	reached := false
	handler := middleware.TenantContext(resolver)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reached = true
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPut, "/admin/tenants/acme", nil))
	assert.True(t, reached, "the admin path must not resolve a tenant")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestTenantContext_SuspendedTenantRejectedOnPublicPath(t *testing.T) {
	resolver := tenant.NewResolver(suspendedRegistry(t), tenant.ResolverConfig{})

	reached := false
	handler := middleware.TenantContext(resolver)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reached = true
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/tenants/acme/authorize", nil))
	assert.False(t, reached)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "tenant_suspended", body["error"])
}
