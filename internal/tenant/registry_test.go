package tenant_test

import (
	"context"
	"log/slog"
	"testing"

	"github.com/openauthd/openauthd/internal/kv"
	"github.com/openauthd/openauthd/internal/oautherr"
	"github.com/openauthd/openauthd/internal/tenant"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRegistry(t *testing.T) (*tenant.Registry, *kv.Memory) {
	t.Helper()
	store := kv.NewMemory()
	return tenant.NewRegistry(store, nil, slog.Default()), store
}

func TestCreate_NormalizesDomainAndLooksUpCaseInsensitive(t *testing.T) {
	ctx := context.Background()
	reg, _ := newRegistry(t)

	created, err := reg.Create(ctx, tenant.CreateParams{ID: "acme", Name: "Acme", Domain: "AUTH.ACME.COM"})
	require.NoError(t, err)
	assert.Equal(t, "auth.acme.com", created.Domain)
	assert.Equal(t, tenant.StatusActive, created.Status)

	byDomain, err := reg.GetByDomain(ctx, "auth.acme.com")
	require.NoError(t, err)
	assert.Equal(t, "acme", byDomain.ID)

	upper, err := reg.GetByDomain(ctx, "AUTH.ACME.COM")
	require.NoError(t, err)
	assert.Equal(t, "acme", upper.ID)
}

func TestCreate_Validation(t *testing.T) {
	ctx := context.Background()
	reg, _ := newRegistry(t)

	cases := []struct {
		name   string
		params tenant.CreateParams
	}{
		{"empty id", tenant.CreateParams{ID: "", Name: "x"}},
		{"malformed id", tenant.CreateParams{ID: "has spaces", Name: "x"}},
		{"too long id", tenant.CreateParams{ID: string(make([]byte, 51)), Name: "x"}},
		{"empty name", tenant.CreateParams{ID: "ok", Name: "   "}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := reg.Create(ctx, tc.params)
			assert.True(t, oautherr.CodeIs(err, "invalid_tenant_id"), "got %v", err)
		})
	}
}

func TestCreate_DuplicateIDAndDomain(t *testing.T) {
	ctx := context.Background()
	reg, _ := newRegistry(t)

	_, err := reg.Create(ctx, tenant.CreateParams{ID: "acme", Name: "Acme", Domain: "acme.io"})
	require.NoError(t, err)

	_, err = reg.Create(ctx, tenant.CreateParams{ID: "acme", Name: "Other"})
	assert.True(t, oautherr.CodeIs(err, "invalid_tenant_id"))

	_, err = reg.Create(ctx, tenant.CreateParams{ID: "globex", Name: "Globex", Domain: "ACME.IO"})
	assert.True(t, oautherr.CodeIs(err, "domain_already_exists"))
}

func TestUpdate_DomainRewrite(t *testing.T) {
	ctx := context.Background()
	reg, _ := newRegistry(t)

	_, err := reg.Create(ctx, tenant.CreateParams{ID: "acme", Name: "Acme", Domain: "old.acme.com"})
	require.NoError(t, err)

	newDomain := "new.acme.com"
	updated, err := reg.Update(ctx, "acme", tenant.UpdateParams{Domain: &newDomain})
	require.NoError(t, err)
	assert.Equal(t, "new.acme.com", updated.Domain)

	_, err = reg.GetByDomain(ctx, "old.acme.com")
	assert.True(t, oautherr.CodeIs(err, "tenant_not_found"), "old index entry must be gone")

	byNew, err := reg.GetByDomain(ctx, "new.acme.com")
	require.NoError(t, err)
	assert.Equal(t, "acme", byNew.ID)
}

func TestUpdate_DomainUniquenessOnlyWhenChanged(t *testing.T) {
	ctx := context.Background()
	reg, _ := newRegistry(t)

	_, err := reg.Create(ctx, tenant.CreateParams{ID: "acme", Name: "Acme", Domain: "acme.io"})
	require.NoError(t, err)

	// Re-submitting the same domain is not a conflict.
	same := "acme.io"
	_, err = reg.Update(ctx, "acme", tenant.UpdateParams{Domain: &same})
	require.NoError(t, err)

	_, err = reg.Create(ctx, tenant.CreateParams{ID: "globex", Name: "Globex", Domain: "globex.io"})
	require.NoError(t, err)

	stolen := "acme.io"
	_, err = reg.Update(ctx, "globex", tenant.UpdateParams{Domain: &stolen})
	assert.True(t, oautherr.CodeIs(err, "domain_already_exists"))
}

func TestDelete_SoftDeletesAndFreesDomain(t *testing.T) {
	ctx := context.Background()
	reg, _ := newRegistry(t)

	_, err := reg.Create(ctx, tenant.CreateParams{ID: "acme", Name: "Acme", Domain: "acme.io"})
	require.NoError(t, err)

	require.NoError(t, reg.Delete(ctx, "acme"))

	got, err := reg.Get(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, tenant.StatusDeleted, got.Status)

	// The freed domain can be claimed by a new tenant immediately.
	_, err = reg.Create(ctx, tenant.CreateParams{ID: "acme2", Name: "Acme II", Domain: "acme.io"})
	require.NoError(t, err)
}

func TestList_KVFallbackFiltersDomainIndexRows(t *testing.T) {
	ctx := context.Background()
	reg, _ := newRegistry(t)

	_, err := reg.Create(ctx, tenant.CreateParams{ID: "acme", Name: "Acme", Domain: "acme.io"})
	require.NoError(t, err)
	_, err = reg.Create(ctx, tenant.CreateParams{ID: "globex", Name: "Globex", Domain: "globex.io"})
	require.NoError(t, err)
	require.NoError(t, reg.Delete(ctx, "globex"))

	all, err := reg.List(ctx, tenant.ListParams{})
	require.NoError(t, err)
	assert.Len(t, all, 2, "domain index rows must not leak into listings")

	active, err := reg.List(ctx, tenant.ListParams{Status: tenant.StatusActive})
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "acme", active[0].ID)

	paged, err := reg.List(ctx, tenant.ListParams{Limit: 1, Offset: 1})
	require.NoError(t, err)
	assert.Len(t, paged, 1)
}

func TestDomainIndexCountMatchesLiveTenants(t *testing.T) {
	ctx := context.Background()
	reg, store := newRegistry(t)

	_, err := reg.Create(ctx, tenant.CreateParams{ID: "a", Name: "A", Domain: "a.io"})
	require.NoError(t, err)
	_, err = reg.Create(ctx, tenant.CreateParams{ID: "b", Name: "B", Domain: "b.io"})
	require.NoError(t, err)
	_, err = reg.Create(ctx, tenant.CreateParams{ID: "c", Name: "C"})
	require.NoError(t, err)
	require.NoError(t, reg.Delete(ctx, "b"))

	entries, err := store.Scan(ctx, kv.Key{"tenant", "domain"})
	require.NoError(t, err)
	assert.Len(t, entries, 1, "one index entry per non-deleted tenant with a domain")
}

func TestRegistry_MaxAccountsPerSession(t *testing.T) {
	ctx := context.Background()
	reg, _ := newRegistry(t)

	_, err := reg.Create(ctx, tenant.CreateParams{
		ID: "acme", Name: "Acme",
		Settings: map[string]any{"maxAccountsPerSession": 5},
	})
	require.NoError(t, err)
	_, err = reg.Create(ctx, tenant.CreateParams{ID: "globex", Name: "Globex"})
	require.NoError(t, err)

	assert.Equal(t, 5, reg.MaxAccountsPerSession(ctx, "acme", 3))
	assert.Equal(t, 3, reg.MaxAccountsPerSession(ctx, "globex", 3), "no override keeps the default")
	assert.Equal(t, 3, reg.MaxAccountsPerSession(ctx, "missing", 3), "unknown tenant keeps the default")
}

func TestList_KVScanKeepsTenantNamedDomain(t *testing.T) {
	ctx := context.Background()
	reg, _ := newRegistry(t)

	_, err := reg.Create(ctx, tenant.CreateParams{ID: "acme", Name: "Acme", Domain: "auth.acme.com"})
	require.NoError(t, err)
	_, err = reg.Create(ctx, tenant.CreateParams{ID: "domain", Name: "Domain Inc"})
	require.NoError(t, err)

	tenants, err := reg.List(ctx, tenant.ListParams{})
	require.NoError(t, err)

	ids := make([]string, 0, len(tenants))
	for _, tn := range tenants {
		ids = append(ids, tn.ID)
	}
	assert.ElementsMatch(t, []string{"acme", "domain"}, ids,
		"the domain index must be filtered by key shape, not by id value")
}
