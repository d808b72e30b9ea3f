package issuer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jonboulle/clockwork"
	"github.com/openauthd/openauthd/internal/keys"
	"github.com/openauthd/openauthd/internal/oautherr"
	"github.com/openauthd/openauthd/internal/rbac"
	"github.com/openauthd/openauthd/internal/session"
	"github.com/openauthd/openauthd/internal/tenant"
)

// Common errors
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token has expired")
)

// Config carries the token issuance tunables.
type Config struct {
	Issuer         string
	AccessTokenTTL time.Duration // default 15m
	IDTokenTTL     time.Duration // default 1h
}

func (c Config) withDefaults() Config {
	if c.AccessTokenTTL <= 0 {
		c.AccessTokenTTL = 15 * time.Minute
	}
	if c.IDTokenTTL <= 0 {
		c.IDTokenTTL = time.Hour
	}
	return c
}

// ProviderIdentity is what an upstream identity provider asserted about
// the authenticated person.
type ProviderIdentity struct {
	Provider   string
	Subject    string
	Email      string
	Properties map[string]any
}

// User is the resolved local account for a provider identity.
type User struct {
	ID         string
	Email      string
	Properties map[string]any
}

// UserResolver looks up or creates the local user for a provider
// identity. Account linking policy lives with the caller, not here.
type UserResolver interface {
	ResolveUser(ctx context.Context, tenantID string, identity ProviderIdentity) (*User, error)
}

// IdentityResolver is the default UserResolver: the provider subject is
// the local user id. Deployments with a user directory plug in their own.
type IdentityResolver struct{}

func (IdentityResolver) ResolveUser(_ context.Context, _ string, identity ProviderIdentity) (*User, error) {
	return &User{
		ID:         identity.Subject,
		Email:      identity.Email,
		Properties: identity.Properties,
	}, nil
}

// TenantGetter is the slice of the tenant registry the issuer needs.
type TenantGetter interface {
	Get(ctx context.Context, id string) (*tenant.Tenant, error)
}

// ClaimsEnricher is the slice of the RBAC engine the issuer needs.
type ClaimsEnricher interface {
	EnrichTokenClaims(ctx context.Context, req rbac.CheckRequest) (*rbac.TokenClaims, error)
}

// SessionRecorder is the slice of the session manager the issuer needs.
type SessionRecorder interface {
	AddAccount(ctx context.Context, params session.AddAccountParams) (*session.AccountSession, error)
}

// Subject is the claim set describing who a token was issued to.
type Subject struct {
	ID          string   `json:"id"`
	Email       string   `json:"email,omitempty"`
	TenantID    string   `json:"tenantId"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
}

// Claims is the JWT payload of issued tokens. Mode distinguishes user
// tokens from machine-to-machine ones.
type Claims struct {
	TenantID    string   `json:"tenant_id"`
	Mode        string   `json:"mode"`
	ClientID    string   `json:"client_id,omitempty"`
	Scope       string   `json:"scope,omitempty"`
	Email       string   `json:"email,omitempty"`
	Roles       []string `json:"roles,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
	jwt.RegisteredClaims
}

const (
	ModeUser = "user"
	ModeM2M  = "m2m"
)

// TokenSet is the result of a successful issuance.
type TokenSet struct {
	AccessToken string `json:"access_token"`
	IDToken     string `json:"id_token,omitempty"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

// Issuer composes the tenant registry, session manager, RBAC engine, and
// key manager into the authentication-success hook that mints tokens.
type Issuer struct {
	cfg      Config
	keys     *keys.Manager
	rbac     ClaimsEnricher
	tenants  TenantGetter
	sessions SessionRecorder
	users    UserResolver
	clock    clockwork.Clock
	log      *slog.Logger
}

// New creates a token issuer.
func New(cfg Config, km *keys.Manager, engine ClaimsEnricher, tenants TenantGetter,
	sessions SessionRecorder, users UserResolver, log *slog.Logger) *Issuer {
	return &Issuer{
		cfg:      cfg.withDefaults(),
		keys:     km,
		rbac:     engine,
		tenants:  tenants,
		sessions: sessions,
		users:    users,
		clock:    clockwork.NewRealClock(),
		log:      log,
	}
}

// WithClock replaces the clock, for tests.
func (i *Issuer) WithClock(clock clockwork.Clock) *Issuer {
	i.clock = clock
	return i
}

// SuccessParams carries the context of a completed provider login.
type SuccessParams struct {
	TenantID         string
	BrowserSessionID string
	ClientID         string
	Scope            string
	Identity         ProviderIdentity
	SessionTTL       time.Duration
	RefreshToken     string
}

// OnAuthenticationSuccess is the post-login hook: it resolves the tenant
// and user, enriches RBAC claims, records the account in the browser
// session, and signs the OIDC token pair.
func (i *Issuer) OnAuthenticationSuccess(ctx context.Context, p SuccessParams) (*TokenSet, *Subject, error) {
	ten, err := i.tenants.Get(ctx, p.TenantID)
	if err != nil {
		return nil, nil, err
	}
	if !ten.IssuanceAllowed() {
		return nil, nil, oautherr.Forbidden("tenant_suspended",
			"tenant %q does not allow token issuance", ten.ID)
	}

	user, err := i.users.ResolveUser(ctx, ten.ID, p.Identity)
	if err != nil {
		return nil, nil, err
	}

	enriched, err := i.rbac.EnrichTokenClaims(ctx, rbac.CheckRequest{
		UserID:   user.ID,
		ClientID: p.ClientID,
		TenantID: ten.ID,
	})
	if err != nil {
		return nil, nil, err
	}

	subject := &Subject{
		ID:          user.ID,
		Email:       user.Email,
		TenantID:    ten.ID,
		Roles:       enriched.Roles,
		Permissions: enriched.Permissions,
	}

	if p.BrowserSessionID != "" {
		if _, err := i.sessions.AddAccount(ctx, session.AddAccountParams{
			BrowserSessionID:  p.BrowserSessionID,
			TenantID:          ten.ID,
			UserID:            user.ID,
			SubjectType:       "user",
			SubjectProperties: p.Identity.Properties,
			RefreshToken:      p.RefreshToken,
			ClientID:          p.ClientID,
			TTL:               p.SessionTTL,
		}); err != nil {
			return nil, nil, err
		}
	}

	now := i.clock.Now()
	access, err := i.sign(ctx, Claims{
		TenantID:    ten.ID,
		Mode:        ModeUser,
		ClientID:    p.ClientID,
		Scope:       p.Scope,
		Roles:       subject.Roles,
		Permissions: subject.Permissions,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID,
			Issuer:    i.cfg.Issuer,
			Audience:  jwt.ClaimStrings{p.ClientID},
			ExpiresAt: jwt.NewNumericDate(now.Add(i.cfg.AccessTokenTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	})
	if err != nil {
		return nil, nil, err
	}

	idToken, err := i.sign(ctx, Claims{
		TenantID: ten.ID,
		Mode:     ModeUser,
		ClientID: p.ClientID,
		Email:    user.Email,
		Roles:    subject.Roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID,
			Issuer:    i.cfg.Issuer,
			Audience:  jwt.ClaimStrings{p.ClientID},
			ExpiresAt: jwt.NewNumericDate(now.Add(i.cfg.IDTokenTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	})
	if err != nil {
		return nil, nil, err
	}

	i.log.Info("tokens_issued",
		"tenant_id", ten.ID, "user_id", user.ID, "client_id", p.ClientID, "mode", ModeUser)
	return &TokenSet{
		AccessToken: access,
		IDToken:     idToken,
		TokenType:   "Bearer",
		ExpiresIn:   int64(i.cfg.AccessTokenTTL / time.Second),
	}, subject, nil
}

// ClientCredentials mints a machine-to-machine access token. Credential
// verification happens at the token endpoint before this is called.
func (i *Issuer) ClientCredentials(ctx context.Context, tenantID, clientID, scope string) (*TokenSet, error) {
	ten, err := i.tenants.Get(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if !ten.IssuanceAllowed() {
		return nil, oautherr.Forbidden("tenant_suspended",
			"tenant %q does not allow token issuance", ten.ID)
	}

	now := i.clock.Now()
	access, err := i.sign(ctx, Claims{
		TenantID: ten.ID,
		Mode:     ModeM2M,
		ClientID: clientID,
		Scope:    scope,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   clientID,
			Issuer:    i.cfg.Issuer,
			Audience:  jwt.ClaimStrings{clientID},
			ExpiresAt: jwt.NewNumericDate(now.Add(i.cfg.AccessTokenTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	})
	if err != nil {
		return nil, err
	}

	i.log.Info("tokens_issued", "tenant_id", ten.ID, "client_id", clientID, "mode", ModeM2M)
	return &TokenSet{
		AccessToken: access,
		TokenType:   "Bearer",
		ExpiresIn:   int64(i.cfg.AccessTokenTTL / time.Second),
	}, nil
}

// sign serializes the claims with the current primary signing key. The
// kid header lets JWKS consumers pick the matching public key.
func (i *Issuer) sign(ctx context.Context, claims Claims) (string, error) {
	pairs, err := i.keys.SigningKeys(ctx)
	if err != nil {
		return "", err
	}
	if len(pairs) == 0 {
		return "", fmt.Errorf("no signing key available")
	}
	pair := pairs[0]

	signer, err := pair.Signer()
	if err != nil {
		return "", err
	}

	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	token.Header["kid"] = pair.ID
	signed, err := token.SignedString(signer)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// ValidateToken parses and verifies a token against the current signing
// set. Expiry is distinguished from every other failure; nothing else is.
func (i *Issuer) ValidateToken(ctx context.Context, tokenString string) (*Claims, error) {
	pairs, err := i.keys.SigningKeys(ctx)
	if err != nil {
		return nil, err
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodECDSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		kid, _ := t.Header["kid"].(string)
		for _, p := range pairs {
			if p.ID == kid {
				return p.PublicKey()
			}
		}
		return nil, fmt.Errorf("unknown kid %q", kid)
	}, jwt.WithTimeFunc(i.clock.Now))

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}
	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}
	return nil, ErrInvalidToken
}
