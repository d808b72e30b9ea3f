package tenant

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/jonboulle/clockwork"
	"github.com/openauthd/openauthd/internal/kv"
	"github.com/openauthd/openauthd/internal/oautherr"
)

// Storage keys: tenant/{id} and tenant/domain/{domain}.
var (
	keyTenant       = kv.Key{"tenant"}
	keyTenantDomain = kv.Key{"tenant", "domain"}
)

// domainIndexEntry is the value stored under tenant/domain/{domain}.
type domainIndexEntry struct {
	TenantID string `json:"tenantId"`
}

// Relational mirrors tenant rows into an indexed store for paginated
// admin listings. The KV row is canonical: mirror failures are logged
// and swallowed, and List falls back to a KV scan when unset.
type Relational interface {
	ListTenants(ctx context.Context, status Status, limit, offset int) ([]Tenant, error)
	UpsertTenant(ctx context.Context, t *Tenant) error
}

// Registry owns the tenant lifecycle: CRUD, the domain secondary index, and
// soft deletion. All mutations go through it.
type Registry struct {
	store kv.Store
	rel   Relational
	clock clockwork.Clock
	log   *slog.Logger
}

// NewRegistry creates a registry over the given KV store. rel may be nil.
func NewRegistry(store kv.Store, rel Relational, log *slog.Logger) *Registry {
	return &Registry{
		store: store,
		rel:   rel,
		clock: clockwork.NewRealClock(),
		log:   log,
	}
}

// WithClock replaces the clock, for tests.
func (r *Registry) WithClock(clock clockwork.Clock) *Registry {
	r.clock = clock
	return r
}

// CreateParams are the caller-supplied fields for a new tenant.
type CreateParams struct {
	ID       string
	Name     string
	Domain   string
	Branding map[string]any
	Settings map[string]any
}

// Create registers a new tenant. The domain index entry is written before
// the tenant row so a crash between the two leaves only a dangling index,
// which Get-by-domain treats as absent.
func (r *Registry) Create(ctx context.Context, params CreateParams) (*Tenant, error) {
	if !ValidID(params.ID) {
		return nil, oautherr.Validation("invalid_tenant_id", "tenant id must match [A-Za-z0-9_-]{1,50}")
	}
	name := strings.TrimSpace(params.Name)
	if name == "" {
		return nil, oautherr.Validation("invalid_tenant_id", "tenant name is required")
	}

	if _, err := r.Get(ctx, params.ID); err == nil {
		return nil, oautherr.Validation("invalid_tenant_id", "tenant %q already exists", params.ID)
	} else if oautherr.AsError(err) == nil {
		return nil, err
	}

	domain := NormalizeDomain(params.Domain)
	if domain != "" {
		taken, err := r.domainTaken(ctx, domain, "")
		if err != nil {
			return nil, err
		}
		if taken {
			return nil, oautherr.Conflict("domain_already_exists", "domain %q is already registered", domain)
		}
	}

	now := r.clock.Now().UnixMilli()
	t := &Tenant{
		ID:        params.ID,
		Name:      name,
		Domain:    domain,
		Status:    StatusActive,
		Branding:  params.Branding,
		Settings:  params.Settings,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if domain != "" {
		if err := kv.SetJSON(ctx, r.store, keyTenantDomain.Append(domain), domainIndexEntry{TenantID: t.ID}, 0); err != nil {
			return nil, err
		}
	}
	if err := kv.SetJSON(ctx, r.store, keyTenant.Append(t.ID), t, 0); err != nil {
		return nil, err
	}
	r.mirror(ctx, t)

	r.log.Info("tenant_created", "tenant_id", t.ID, "domain", domain)
	return t, nil
}

// Get returns the tenant by id, including soft-deleted ones.
func (r *Registry) Get(ctx context.Context, id string) (*Tenant, error) {
	var t Tenant
	found, err := kv.GetJSON(ctx, r.store, keyTenant.Append(id), &t)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, oautherr.NotFound("tenant_not_found", "tenant %q not found", id)
	}
	return &t, nil
}

// GetByDomain resolves a tenant through the domain index. Lookup is
// case-insensitive. A dangling index entry reads as not found.
func (r *Registry) GetByDomain(ctx context.Context, domain string) (*Tenant, error) {
	domain = NormalizeDomain(domain)
	var entry domainIndexEntry
	found, err := kv.GetJSON(ctx, r.store, keyTenantDomain.Append(domain), &entry)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, oautherr.NotFound("tenant_not_found", "no tenant for domain %q", domain)
	}
	return r.Get(ctx, entry.TenantID)
}

// UpdateParams is a partial patch; nil fields are left unchanged.
// Setting Domain to a pointer at "" clears the domain.
type UpdateParams struct {
	Name     *string
	Domain   *string
	Status   *Status
	Branding map[string]any
	Settings map[string]any
}

// Update applies a partial patch. Domain uniqueness is validated only when
// the domain actually changes; the index is rewritten delete-then-set.
func (r *Registry) Update(ctx context.Context, id string, patch UpdateParams) (*Tenant, error) {
	t, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if patch.Name != nil {
		name := strings.TrimSpace(*patch.Name)
		if name == "" {
			return nil, oautherr.Validation("invalid_request", "tenant name cannot be empty")
		}
		t.Name = name
	}
	if patch.Status != nil {
		switch *patch.Status {
		case StatusActive, StatusSuspended, StatusPending, StatusDeleted:
			t.Status = *patch.Status
		default:
			return nil, oautherr.Validation("invalid_request", "unknown tenant status %q", *patch.Status)
		}
	}
	if patch.Branding != nil {
		t.Branding = patch.Branding
	}
	if patch.Settings != nil {
		t.Settings = patch.Settings
	}

	if patch.Domain != nil {
		newDomain := NormalizeDomain(*patch.Domain)
		if newDomain != t.Domain {
			if newDomain != "" {
				taken, err := r.domainTaken(ctx, newDomain, t.ID)
				if err != nil {
					return nil, err
				}
				if taken {
					return nil, oautherr.Conflict("domain_already_exists", "domain %q is already registered", newDomain)
				}
			}
			if t.Domain != "" {
				if err := r.store.Remove(ctx, keyTenantDomain.Append(t.Domain)); err != nil {
					return nil, err
				}
			}
			if newDomain != "" {
				if err := kv.SetJSON(ctx, r.store, keyTenantDomain.Append(newDomain), domainIndexEntry{TenantID: t.ID}, 0); err != nil {
					return nil, err
				}
			}
			t.Domain = newDomain
		}
	}

	t.UpdatedAt = r.clock.Now().UnixMilli()
	if err := kv.SetJSON(ctx, r.store, keyTenant.Append(t.ID), t, 0); err != nil {
		return nil, err
	}
	r.mirror(ctx, t)
	return t, nil
}

// Delete soft-deletes: status becomes deleted and the domain index entry is
// removed so the domain can be reused immediately.
func (r *Registry) Delete(ctx context.Context, id string) error {
	t, err := r.Get(ctx, id)
	if err != nil {
		return err
	}

	if t.Domain != "" {
		if err := r.store.Remove(ctx, keyTenantDomain.Append(t.Domain)); err != nil {
			return err
		}
	}

	t.Status = StatusDeleted
	t.UpdatedAt = r.clock.Now().UnixMilli()
	if err := kv.SetJSON(ctx, r.store, keyTenant.Append(t.ID), t, 0); err != nil {
		return err
	}
	r.mirror(ctx, t)

	r.log.Info("tenant_deleted", "tenant_id", id)
	return nil
}

// ListParams filter and page a tenant listing.
type ListParams struct {
	Status Status // empty = all
	Limit  int    // default 100
	Offset int
}

// List returns tenants through the relational lister when configured
// (single indexed query), otherwise by KV scan. Domain index rows are
// filtered out of the scan by key shape: tenant rows are tenant/{id},
// index rows are tenant/domain/{domain}.
func (r *Registry) List(ctx context.Context, params ListParams) ([]Tenant, error) {
	if params.Limit <= 0 {
		params.Limit = 100
	}
	if params.Offset < 0 {
		params.Offset = 0
	}

	if r.rel != nil {
		return r.rel.ListTenants(ctx, params.Status, params.Limit, params.Offset)
	}

	entries, err := r.store.Scan(ctx, keyTenant)
	if err != nil {
		return nil, err
	}

	var out []Tenant
	skipped := 0
	for _, e := range entries {
		if len(e.Key) != 2 {
			continue
		}
		var t Tenant
		if err := json.Unmarshal(e.Value, &t); err != nil {
			r.log.Warn("tenant_row_undecodable", "key", kv.Encode(e.Key), "error", err)
			continue
		}
		if params.Status != "" && t.Status != params.Status {
			continue
		}
		if skipped < params.Offset {
			skipped++
			continue
		}
		out = append(out, t)
		if len(out) >= params.Limit {
			break
		}
	}
	return out, nil
}

// MaxAccountsPerSession reads the tenant's settings override. Unknown
// tenants and lookup failures fall back to def so a registry outage never
// blocks logins.
func (r *Registry) MaxAccountsPerSession(ctx context.Context, tenantID string, def int) int {
	t, err := r.Get(ctx, tenantID)
	if err != nil {
		return def
	}
	return t.MaxAccountsPerSession(def)
}

func (r *Registry) mirror(ctx context.Context, t *Tenant) {
	if r.rel == nil {
		return
	}
	if err := r.rel.UpsertTenant(ctx, t); err != nil {
		r.log.Warn("tenant_dual_write_failed", "tenant_id", t.ID, "error", err)
	}
}

func (r *Registry) domainTaken(ctx context.Context, domain, selfID string) (bool, error) {
	var entry domainIndexEntry
	found, err := kv.GetJSON(ctx, r.store, keyTenantDomain.Append(domain), &entry)
	if err != nil {
		return false, err
	}
	return found && entry.TenantID != selfID, nil
}
