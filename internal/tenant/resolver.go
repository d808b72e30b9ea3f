package tenant

import (
	"context"
	"net"
	"net/http"
	"strings"

	"github.com/openauthd/openauthd/internal/oautherr"
)

// ResolverConfig controls the resolution strategies. Zero values fall back
// to the documented defaults; BaseDomain empty disables the subdomain
// strategy (and the custom-domain exclusion that depends on it).
type ResolverConfig struct {
	BaseDomain string
	PathPrefix string // default "/tenants"
	Header     string // default "X-Tenant-ID"
	QueryParam string // default "tenant"
	Required   bool   // when false, no match resolves to (nil, nil)
}

// Resolver picks a tenant from the request surface. Strategy order is
// strict: custom domain, subdomain, path prefix, header, query parameter.
// The first strategy yielding a tentative id wins; a suspended or deleted
// tenant is an error, never a fall-through to a lower-priority strategy.
type Resolver struct {
	registry *Registry
	cfg      ResolverConfig
}

// NewResolver creates a resolver over the registry.
func NewResolver(registry *Registry, cfg ResolverConfig) *Resolver {
	if cfg.PathPrefix == "" {
		cfg.PathPrefix = "/tenants"
	}
	if cfg.Header == "" {
		cfg.Header = "X-Tenant-ID"
	}
	if cfg.QueryParam == "" {
		cfg.QueryParam = "tenant"
	}
	return &Resolver{registry: registry, cfg: cfg}
}

// Resolve inspects the request and returns the resolved tenant.
// In optional mode (Required=false) absence of any match is (nil, nil).
func (r *Resolver) Resolve(ctx context.Context, req *http.Request) (*Tenant, error) {
	host := normalizeHost(req.Host)

	// 1. Custom domain. The base domain and its subdomains never match a
	// tenant's custom domain.
	if host != "" && !r.underBaseDomain(host) {
		t, err := r.registry.GetByDomain(ctx, host)
		if err == nil {
			return r.gate(t)
		}
		if oautherr.AsError(err) == nil {
			return nil, err
		}
	}

	// 2. Subdomain of the base domain: the leading label is the tenant id.
	if id := r.subdomainLabel(host); id != "" {
		return r.lookup(ctx, id)
	}

	// 3. Path prefix: {prefix}/{id} or {prefix}/{id}/...
	if id := r.pathTenantID(req.URL.Path); id != "" {
		return r.lookup(ctx, id)
	}

	// 4. Header.
	if id := strings.TrimSpace(req.Header.Get(r.cfg.Header)); id != "" {
		return r.lookup(ctx, id)
	}

	// 5. Query parameter.
	if id := strings.TrimSpace(req.URL.Query().Get(r.cfg.QueryParam)); id != "" {
		return r.lookup(ctx, id)
	}

	if r.cfg.Required {
		return nil, oautherr.NotFound("tenant_not_found", "no tenant could be resolved from the request")
	}
	return nil, nil
}

func (r *Resolver) lookup(ctx context.Context, id string) (*Tenant, error) {
	t, err := r.registry.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return r.gate(t)
}

// gate enforces the status check shared by all strategies.
func (r *Resolver) gate(t *Tenant) (*Tenant, error) {
	switch t.Status {
	case StatusSuspended:
		return nil, oautherr.Forbidden("tenant_suspended", "tenant %q is suspended", t.ID)
	case StatusDeleted:
		return nil, oautherr.Forbidden("tenant_deleted", "tenant %q is deleted", t.ID)
	}
	return t, nil
}

func (r *Resolver) underBaseDomain(host string) bool {
	base := NormalizeDomain(r.cfg.BaseDomain)
	if base == "" {
		return false
	}
	return host == base || strings.HasSuffix(host, "."+base)
}

// subdomainLabel extracts the tenant id from {label}.{baseDomain}, requiring
// the label itself to contain no dot.
func (r *Resolver) subdomainLabel(host string) string {
	base := NormalizeDomain(r.cfg.BaseDomain)
	if base == "" || host == base {
		return ""
	}
	suffix := "." + base
	if !strings.HasSuffix(host, suffix) {
		return ""
	}
	label := strings.TrimSuffix(host, suffix)
	if label == "" || strings.Contains(label, ".") {
		return ""
	}
	return label
}

func (r *Resolver) pathTenantID(path string) string {
	prefix := strings.TrimSuffix(r.cfg.PathPrefix, "/")
	if prefix == "" || !strings.HasPrefix(path, prefix+"/") {
		return ""
	}
	rest := strings.TrimPrefix(path, prefix+"/")
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		rest = rest[:i]
	}
	return rest
}

// normalizeHost strips the port and lowercases.
func normalizeHost(host string) string {
	if host == "" {
		return ""
	}
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return NormalizeDomain(host)
}
