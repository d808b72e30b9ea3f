package rbac

import (
	"strings"

	"github.com/openauthd/openauthd/internal/oautherr"
)

// Role is a named permission bundle within a tenant. System roles are
// seeded by migrations and protected from mutation.
type Role struct {
	ID           string `json:"id"`
	TenantID     string `json:"tenant_id"`
	Name         string `json:"name"`
	Description  string `json:"description,omitempty"`
	IsSystemRole bool   `json:"is_system_role"`
	CreatedAt    int64  `json:"created_at"`
	UpdatedAt    int64  `json:"updated_at"`
}

// Permission is a grantable capability, named "resource:action".
// ClientID scopes the permission to one OAuth client; empty means
// tenant-wide.
type Permission struct {
	ID          string `json:"id"`
	TenantID    string `json:"tenant_id"`
	ClientID    string `json:"client_id,omitempty"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	CreatedAt   int64  `json:"created_at"`
}

// Assignment links a user to a role within a tenant. ExpiresAt is unix
// millis; 0 means the grant never expires.
type Assignment struct {
	TenantID   string `json:"tenant_id"`
	UserID     string `json:"user_id"`
	RoleID     string `json:"role_id"`
	AssignedAt int64  `json:"assigned_at"`
	AssignedBy string `json:"assigned_by,omitempty"`
	ExpiresAt  int64  `json:"expires_at,omitempty"`
}

func validateRoleName(name string) error {
	name = strings.TrimSpace(name)
	if name == "" || len(name) > 100 {
		return oautherr.Validation("invalid_request", "role name must be 1-100 characters")
	}
	return nil
}

func validatePermissionName(name string) error {
	if name == "" || len(name) > 200 || strings.Count(name, ":") != 1 {
		return oautherr.Validation("invalid_request", "permission name must look like resource:action")
	}
	return nil
}
