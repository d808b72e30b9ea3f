package clients

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/openauthd/openauthd/internal/oautherr"
	"github.com/openauthd/openauthd/internal/resilience"
)

// DefaultRotationGraceSeconds is how long the previous secret keeps
// verifying after a rotation.
const DefaultRotationGraceSeconds = 3600

const maxListLimit = 100

// Registry is the tenant-scoped OAuth client service. Every store call
// goes through the resilience wrapper; read paths degrade to nil when the
// circuit is open so token exchange stays available during storage
// incidents.
type Registry struct {
	store        Store
	res          *resilience.Wrapper
	hasher       SecretHasher
	clock        clockwork.Clock
	graceSeconds int
	log          *slog.Logger
}

// NewRegistry creates a client registry.
func NewRegistry(store Store, res *resilience.Wrapper, log *slog.Logger) *Registry {
	return &Registry{
		store:        store,
		res:          res,
		hasher:       NewArgon2Hasher(),
		clock:        clockwork.NewRealClock(),
		graceSeconds: DefaultRotationGraceSeconds,
		log:          log,
	}
}

// WithClock replaces the clock, for tests.
func (r *Registry) WithClock(clock clockwork.Clock) *Registry {
	r.clock = clock
	return r
}

// WithRotationGrace overrides the default grace applied when a rotation
// request does not name one. Non-positive values are ignored.
func (r *Registry) WithRotationGrace(seconds int) *Registry {
	if seconds > 0 {
		r.graceSeconds = seconds
	}
	return r
}

// CreateClient registers a new client and returns it together with the
// plaintext secret. The secret is never retrievable again.
func (r *Registry) CreateClient(ctx context.Context, tenantID string, req CreateRequest) (*OAuthClient, string, error) {
	if err := req.validate(); err != nil {
		return nil, "", err
	}
	name := strings.TrimSpace(req.Name)

	taken, err := resilience.Execute(ctx, r.res, func() (bool, error) {
		return r.store.NameTaken(ctx, tenantID, name, "")
	})
	if err != nil {
		return nil, "", err
	}
	if taken {
		return nil, "", oautherr.Conflict("client_name_conflict",
			"client %q already exists in tenant %q", name, tenantID)
	}

	secret, err := NewSecret()
	if err != nil {
		return nil, "", err
	}
	hash, err := r.hasher.Hash(secret)
	if err != nil {
		return nil, "", err
	}

	now := r.clock.Now().UnixMilli()
	client := &OAuthClient{
		ID:           uuid.NewString(),
		TenantID:     tenantID,
		Name:         name,
		SecretHash:   hash,
		GrantTypes:   req.GrantTypes,
		Scopes:       req.Scopes,
		RedirectURIs: req.RedirectURIs,
		Metadata:     req.Metadata,
		Enabled:      true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if _, err := resilience.Execute(ctx, r.res, func() (struct{}, error) {
		return struct{}{}, r.store.Insert(ctx, client)
	}); err != nil {
		return nil, "", err
	}

	r.log.Info("client_created", "tenant_id", tenantID, "client_id", client.ID, "name", name)
	return client, secret, nil
}

// GetClient reads a client scoped to its tenant. Returns nil without error
// when absent, and also when the circuit is open (degraded read).
func (r *Registry) GetClient(ctx context.Context, clientID, tenantID string) (*OAuthClient, error) {
	client, err := resilience.Execute(ctx, r.res, func() (*OAuthClient, error) {
		return r.store.GetByTenant(ctx, clientID, tenantID)
	})
	return r.degradeRead(client, err, clientID)
}

// GetClientByID looks a client up across tenants. Used only by the
// token-exchange authentication path.
func (r *Registry) GetClientByID(ctx context.Context, clientID string) (*OAuthClient, error) {
	client, err := resilience.Execute(ctx, r.res, func() (*OAuthClient, error) {
		return r.store.GetByID(ctx, clientID)
	})
	return r.degradeRead(client, err, clientID)
}

// ListOptions selects a page of clients.
type ListOptions struct {
	Limit   int
	Cursor  string
	Enabled *bool
}

// Page is one page of a client listing.
type Page struct {
	Clients    []*OAuthClient `json:"clients"`
	NextCursor string         `json:"next_cursor,omitempty"`
	HasMore    bool           `json:"has_more"`
}

// ListClients pages through a tenant's clients, newest first.
func (r *Registry) ListClients(ctx context.Context, tenantID string, opts ListOptions) (*Page, error) {
	limit := opts.Limit
	if limit <= 0 || limit > maxListLimit {
		limit = maxListLimit
	}

	q := ListQuery{Limit: limit + 1, Enabled: opts.Enabled}
	if opts.Cursor != "" {
		createdAt, id, err := decodeCursor(opts.Cursor)
		if err != nil {
			return nil, oautherr.Validation("invalid_request", "malformed cursor")
		}
		q.CursorCreatedAt, q.CursorID = createdAt, id
	}

	rows, err := resilience.Execute(ctx, r.res, func() ([]*OAuthClient, error) {
		return r.store.List(ctx, tenantID, q)
	})
	if err != nil {
		return nil, err
	}

	page := &Page{Clients: rows}
	if len(rows) > limit {
		page.Clients = rows[:limit]
		page.HasMore = true
		last := page.Clients[limit-1]
		page.NextCursor = encodeCursor(last.CreatedAt, last.ID)
	}
	return page, nil
}

// UpdateClient applies a partial update and returns the re-read row.
func (r *Registry) UpdateClient(ctx context.Context, clientID, tenantID string, params UpdateParams) (*OAuthClient, error) {
	if err := params.validate(); err != nil {
		return nil, err
	}

	current, err := resilience.Execute(ctx, r.res, func() (*OAuthClient, error) {
		return r.store.GetByTenant(ctx, clientID, tenantID)
	})
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, oautherr.NotFound("client_not_found", "client %q not found", clientID)
	}

	ch := Changes{
		GrantTypes:   params.GrantTypes,
		Scopes:       params.Scopes,
		RedirectURIs: params.RedirectURIs,
		Metadata:     params.Metadata,
		Enabled:      params.Enabled,
		UpdatedAt:    r.clock.Now().UnixMilli(),
	}
	if params.Name != nil {
		name := strings.TrimSpace(*params.Name)
		if name != current.Name {
			taken, err := resilience.Execute(ctx, r.res, func() (bool, error) {
				return r.store.NameTaken(ctx, tenantID, name, clientID)
			})
			if err != nil {
				return nil, err
			}
			if taken {
				return nil, oautherr.Conflict("client_name_conflict",
					"client %q already exists in tenant %q", name, tenantID)
			}
		}
		ch.Name = &name
	}

	if _, err := resilience.Execute(ctx, r.res, func() (struct{}, error) {
		return struct{}{}, r.store.Update(ctx, clientID, tenantID, ch)
	}); err != nil {
		return nil, err
	}

	updated, err := resilience.Execute(ctx, r.res, func() (*OAuthClient, error) {
		return r.store.GetByTenant(ctx, clientID, tenantID)
	})
	if err != nil {
		return nil, err
	}
	if updated == nil {
		return nil, oautherr.NotFound("client_not_found", "client %q not found", clientID)
	}
	return updated, nil
}

// DeleteClient hard-deletes the row.
func (r *Registry) DeleteClient(ctx context.Context, clientID, tenantID string) error {
	existed, err := resilience.Execute(ctx, r.res, func() (bool, error) {
		return r.store.Delete(ctx, clientID, tenantID)
	})
	if err != nil {
		return err
	}
	if !existed {
		return oautherr.NotFound("client_not_found", "client %q not found", clientID)
	}
	r.log.Info("client_deleted", "tenant_id", tenantID, "client_id", clientID)
	return nil
}

// RotateSecret issues a new secret. The old one keeps verifying for the
// grace period; 0 falls back to the registry's configured default.
func (r *Registry) RotateSecret(ctx context.Context, clientID, tenantID string, gracePeriodSeconds int) (*OAuthClient, string, error) {
	if gracePeriodSeconds <= 0 {
		gracePeriodSeconds = r.graceSeconds
	}

	current, err := resilience.Execute(ctx, r.res, func() (*OAuthClient, error) {
		return r.store.GetByTenant(ctx, clientID, tenantID)
	})
	if err != nil {
		return nil, "", err
	}
	if current == nil {
		return nil, "", oautherr.NotFound("client_not_found", "client %q not found", clientID)
	}

	secret, err := NewSecret()
	if err != nil {
		return nil, "", err
	}
	hash, err := r.hasher.Hash(secret)
	if err != nil {
		return nil, "", err
	}

	now := r.clock.Now().UnixMilli()
	rot := SecretRotation{
		SecretHash:              hash,
		PreviousSecretHash:      current.SecretHash,
		PreviousSecretExpiresAt: now + int64(gracePeriodSeconds)*1000,
		RotatedAt:               now,
		UpdatedAt:               now,
	}
	if _, err := resilience.Execute(ctx, r.res, func() (struct{}, error) {
		return struct{}{}, r.store.UpdateSecrets(ctx, clientID, tenantID, rot)
	}); err != nil {
		return nil, "", err
	}

	current.SecretHash = rot.SecretHash
	current.PreviousSecretHash = rot.PreviousSecretHash
	current.PreviousSecretExpiresAt = rot.PreviousSecretExpiresAt
	current.RotatedAt = rot.RotatedAt
	current.UpdatedAt = rot.UpdatedAt

	r.log.Info("client_secret_rotated", "tenant_id", tenantID, "client_id", clientID,
		"grace_seconds", gracePeriodSeconds)
	return current, secret, nil
}

// VerifyCredentials authenticates a client by id and secret. During the
// rotation grace the previous secret still verifies. Returns nil on any
// mismatch.
func (r *Registry) VerifyCredentials(ctx context.Context, clientID, secret string) (*OAuthClient, error) {
	client, err := r.GetClientByID(ctx, clientID)
	if err != nil || client == nil {
		return nil, err
	}

	if r.hasher.Compare(client.SecretHash, secret) == nil {
		return client, nil
	}
	if client.PreviousSecretHash != "" && r.clock.Now().UnixMilli() < client.PreviousSecretExpiresAt {
		if r.hasher.Compare(client.PreviousSecretHash, secret) == nil {
			return client, nil
		}
	}
	return nil, nil
}

// degradeRead maps an open circuit to a nil result on read paths.
func (r *Registry) degradeRead(client *OAuthClient, err error, clientID string) (*OAuthClient, error) {
	if err != nil {
		var cbErr *resilience.CircuitBreakerError
		if errors.As(err, &cbErr) {
			r.log.Warn("client_read_degraded", "client_id", clientID, "breaker_state", cbErr.State.String())
			return nil, nil
		}
		return nil, err
	}
	return client, nil
}

func encodeCursor(createdAt int64, id string) string {
	return base64.RawURLEncoding.EncodeToString(
		[]byte(strconv.FormatInt(createdAt, 10) + ":" + id))
}

func decodeCursor(cursor string) (int64, string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return 0, "", err
	}
	parts := strings.SplitN(string(raw), ":", 2)
	if len(parts) != 2 {
		return 0, "", fmt.Errorf("malformed cursor")
	}
	createdAt, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, "", err
	}
	return createdAt, parts[1], nil
}
