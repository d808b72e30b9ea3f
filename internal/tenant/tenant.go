// Package tenant implements the tenant registry, request-surface tenant
// resolution, and tenant theme selection. All tenant rows live in the KV
// store; an optional relational mirror serves paginated admin queries.
package tenant

import (
	"regexp"
	"strings"
)

// Status is the lifecycle state of a tenant.
type Status string

const (
	StatusActive    Status = "active"
	StatusSuspended Status = "suspended"
	StatusPending   Status = "pending"
	StatusDeleted   Status = "deleted"
)

// Tenant is a customer organization. Branding and Settings are opaque at
// this layer; typed accessors exist for the few fields the core reads.
type Tenant struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Domain    string         `json:"domain,omitempty"`
	Status    Status         `json:"status"`
	Branding  map[string]any `json:"branding,omitempty"`
	Settings  map[string]any `json:"settings,omitempty"`
	CreatedAt int64          `json:"created_at"` // unix millis
	UpdatedAt int64          `json:"updated_at"` // unix millis
}

var tenantIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,50}$`)

// ValidID reports whether id is a well-formed tenant identifier.
func ValidID(id string) bool {
	return tenantIDPattern.MatchString(id)
}

// NormalizeDomain lowercases and trims a hostname for index storage.
func NormalizeDomain(domain string) string {
	return strings.ToLower(strings.TrimSpace(domain))
}

// IssuanceAllowed reports whether tokens may be issued for this tenant.
// Suspended and deleted tenants are blocked; pending tenants proceed.
func (t *Tenant) IssuanceAllowed() bool {
	return t.Status == StatusActive || t.Status == StatusPending
}

// BrandingTheme returns branding.theme if present and non-empty.
func (t *Tenant) BrandingTheme() string {
	return stringField(t.Branding, "theme")
}

// MaxAccountsPerSession returns the per-tenant override, or def when unset.
func (t *Tenant) MaxAccountsPerSession(def int) int {
	if t.Settings == nil {
		return def
	}
	switch v := t.Settings["maxAccountsPerSession"].(type) {
	case float64: // JSON numbers decode as float64
		if v >= 1 {
			return int(v)
		}
	case int:
		if v >= 1 {
			return v
		}
	}
	return def
}

func stringField(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	s, _ := m[key].(string)
	return s
}
