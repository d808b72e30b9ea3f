package issuer_test

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/openauthd/openauthd/internal/issuer"
	"github.com/openauthd/openauthd/internal/keys"
	"github.com/openauthd/openauthd/internal/kv"
	"github.com/openauthd/openauthd/internal/oautherr"
	"github.com/openauthd/openauthd/internal/rbac"
	"github.com/openauthd/openauthd/internal/session"
	"github.com/openauthd/openauthd/internal/tenant"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTenants struct {
	rows map[string]*tenant.Tenant
}

func (f *fakeTenants) Get(_ context.Context, id string) (*tenant.Tenant, error) {
	if t, ok := f.rows[id]; ok {
		return t, nil
	}
	return nil, oautherr.NotFound("tenant_not_found", "tenant %q not found", id)
}

type fakeEnricher struct {
	claims rbac.TokenClaims
}

func (f *fakeEnricher) EnrichTokenClaims(_ context.Context, _ rbac.CheckRequest) (*rbac.TokenClaims, error) {
	cp := f.claims
	return &cp, nil
}

type fakeSessions struct {
	added []session.AddAccountParams
}

func (f *fakeSessions) AddAccount(_ context.Context, p session.AddAccountParams) (*session.AccountSession, error) {
	f.added = append(f.added, p)
	return &session.AccountSession{ID: "acct-1", BrowserSessionID: p.BrowserSessionID, UserID: p.UserID}, nil
}

type fakeUsers struct{}

func (fakeUsers) ResolveUser(_ context.Context, _ string, identity issuer.ProviderIdentity) (*issuer.User, error) {
	return &issuer.User{ID: "user-" + identity.Subject, Email: identity.Email}, nil
}

type fixture struct {
	issuer   *issuer.Issuer
	sessions *fakeSessions
	clock    *clockwork.FakeClock
}

func setupIssuer(t *testing.T) *fixture {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.UnixMilli(1_700_000_000_000))
	km := keys.NewManager(kv.NewMemoryWithClock(clock), "memory", slog.Default()).WithClock(clock)

	tenants := &fakeTenants{rows: map[string]*tenant.Tenant{
		"acme":   {ID: "acme", Name: "Acme", Status: tenant.StatusActive},
		"frozen": {ID: "frozen", Name: "Frozen", Status: tenant.StatusSuspended},
	}}
	enricher := &fakeEnricher{claims: rbac.TokenClaims{
		Roles:       []string{"viewer"},
		Permissions: []string{"posts:read"},
	}}
	sessions := &fakeSessions{}

	iss := issuer.New(issuer.Config{Issuer: "https://auth.example.com"},
		km, enricher, tenants, sessions, fakeUsers{}, slog.Default()).WithClock(clock)
	return &fixture{issuer: iss, sessions: sessions, clock: clock}
}

func successParams() issuer.SuccessParams {
	return issuer.SuccessParams{
		TenantID:         "acme",
		BrowserSessionID: "bs-1",
		ClientID:         "app",
		Scope:            "openid profile",
		Identity:         issuer.ProviderIdentity{Provider: "google", Subject: "g-123", Email: "jan@example.com"},
		SessionTTL:       time.Hour,
	}
}

func TestIssuer_OnAuthenticationSuccess(t *testing.T) {
	f := setupIssuer(t)
	ctx := context.Background()

	tokens, subject, err := f.issuer.OnAuthenticationSuccess(ctx, successParams())
	require.NoError(t, err)

	assert.Equal(t, "Bearer", tokens.TokenType)
	assert.Equal(t, int64(900), tokens.ExpiresIn)
	assert.NotEmpty(t, tokens.IDToken)

	assert.Equal(t, "user-g-123", subject.ID)
	assert.Equal(t, "jan@example.com", subject.Email)
	assert.Equal(t, "acme", subject.TenantID)
	assert.Equal(t, []string{"viewer"}, subject.Roles)
	assert.Equal(t, []string{"posts:read"}, subject.Permissions)

	// The login was recorded in the browser session.
	require.Len(t, f.sessions.added, 1)
	assert.Equal(t, "bs-1", f.sessions.added[0].BrowserSessionID)
	assert.Equal(t, "user-g-123", f.sessions.added[0].UserID)

	// The access token verifies and carries the composed claims.
	claims, err := f.issuer.ValidateToken(ctx, tokens.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "user-g-123", claims.Subject)
	assert.Equal(t, "acme", claims.TenantID)
	assert.Equal(t, issuer.ModeUser, claims.Mode)
	assert.Equal(t, "app", claims.ClientID)
	assert.Equal(t, "openid profile", claims.Scope)
	assert.Equal(t, []string{"viewer"}, claims.Roles)
	assert.Equal(t, []string{"posts:read"}, claims.Permissions)
	assert.Equal(t, "https://auth.example.com", claims.Issuer)

	// The id token carries the email instead of the permission set.
	idClaims, err := f.issuer.ValidateToken(ctx, tokens.IDToken)
	require.NoError(t, err)
	assert.Equal(t, "jan@example.com", idClaims.Email)
	assert.Empty(t, idClaims.Permissions)
}

func TestIssuer_SuspendedTenantRefusesIssuance(t *testing.T) {
	f := setupIssuer(t)
	ctx := context.Background()

	p := successParams()
	p.TenantID = "frozen"
	_, _, err := f.issuer.OnAuthenticationSuccess(ctx, p)
	require.Error(t, err)
	assert.True(t, oautherr.CodeIs(err, "tenant_suspended"))
	assert.Empty(t, f.sessions.added)

	p.TenantID = "missing"
	_, _, err = f.issuer.OnAuthenticationSuccess(ctx, p)
	require.Error(t, err)
	assert.True(t, oautherr.CodeIs(err, "tenant_not_found"))
}

func TestIssuer_ClientCredentials(t *testing.T) {
	f := setupIssuer(t)
	ctx := context.Background()

	tokens, err := f.issuer.ClientCredentials(ctx, "acme", "worker-1", "jobs:run")
	require.NoError(t, err)
	assert.Empty(t, tokens.IDToken, "m2m issuance has no id token")

	claims, err := f.issuer.ValidateToken(ctx, tokens.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, issuer.ModeM2M, claims.Mode)
	assert.Equal(t, "worker-1", claims.Subject)
	assert.Equal(t, "jobs:run", claims.Scope)
	assert.Empty(t, claims.Roles)

	_, err = f.issuer.ClientCredentials(ctx, "frozen", "worker-1", "")
	require.Error(t, err)
	assert.True(t, oautherr.CodeIs(err, "tenant_suspended"))
}

func TestIssuer_TokenExpiry(t *testing.T) {
	f := setupIssuer(t)
	ctx := context.Background()

	tokens, _, err := f.issuer.OnAuthenticationSuccess(ctx, successParams())
	require.NoError(t, err)

	f.clock.Advance(16 * time.Minute)
	_, err = f.issuer.ValidateToken(ctx, tokens.AccessToken)
	assert.ErrorIs(t, err, issuer.ErrExpiredToken)

	// The id token has a longer lifetime and still verifies.
	_, err = f.issuer.ValidateToken(ctx, tokens.IDToken)
	require.NoError(t, err)
}

func TestIssuer_TamperedTokenRejected(t *testing.T) {
	f := setupIssuer(t)
	ctx := context.Background()

	tokens, _, err := f.issuer.OnAuthenticationSuccess(ctx, successParams())
	require.NoError(t, err)

	tampered := tokens.AccessToken[:len(tokens.AccessToken)-4] + "AAAA"
	_, err = f.issuer.ValidateToken(ctx, tampered)
	assert.ErrorIs(t, err, issuer.ErrInvalidToken)

	_, err = f.issuer.ValidateToken(ctx, "not.a.token")
	assert.ErrorIs(t, err, issuer.ErrInvalidToken)
}
