package rbac

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store is the persistence contract of the RBAC engine.
type Store interface {
	InsertRole(ctx context.Context, r *Role) error
	GetRole(ctx context.Context, roleID, tenantID string) (*Role, error)
	GetRoleByName(ctx context.Context, tenantID, name string) (*Role, error)
	UpdateRole(ctx context.Context, roleID, tenantID, name, description string, updatedAt int64) error
	DeleteRole(ctx context.Context, roleID, tenantID string) error
	ListRoles(ctx context.Context, tenantID string) ([]*Role, error)

	InsertPermission(ctx context.Context, p *Permission) error
	GetPermission(ctx context.Context, permissionID, tenantID string) (*Permission, error)
	DeletePermission(ctx context.Context, permissionID, tenantID string) error
	ListPermissions(ctx context.Context, tenantID string) ([]*Permission, error)
	ListRolePermissions(ctx context.Context, tenantID, roleID string) ([]*Permission, error)
	ListClientPermissions(ctx context.Context, tenantID, clientID string) ([]*Permission, error)

	AssignRoleToUser(ctx context.Context, a *Assignment) (bool, error)
	RemoveRoleFromUser(ctx context.Context, tenantID, userID, roleID string) (bool, error)
	AssignPermissionToRole(ctx context.Context, tenantID, roleID, permissionID string) error
	RemovePermissionFromRole(ctx context.Context, tenantID, roleID, permissionID string) error

	// ListUserRoles and ListUserPermissions skip role grants whose
	// expires_at lies at or before now.
	ListUserRoles(ctx context.Context, tenantID, userID string, now int64) ([]*Role, error)
	ListUserPermissions(ctx context.Context, tenantID, userID, clientID string, now int64) ([]string, error)
	ListUsersWithRole(ctx context.Context, roleID string) ([]Assignment, error)
}

// PgStore implements Store on Postgres.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore wraps a pgx pool.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

var _ Store = (*PgStore)(nil)

func (p *PgStore) InsertRole(ctx context.Context, r *Role) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO roles (id, tenant_id, name, description, is_system_role, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		r.ID, r.TenantID, r.Name, r.Description, r.IsSystemRole, r.CreatedAt, r.UpdatedAt)
	return err
}

func (p *PgStore) GetRole(ctx context.Context, roleID, tenantID string) (*Role, error) {
	return scanRole(p.pool.QueryRow(ctx, `
		SELECT id, tenant_id, name, COALESCE(description, ''), is_system_role, created_at, updated_at
		FROM roles WHERE id = $1 AND tenant_id = $2`, roleID, tenantID))
}

func (p *PgStore) GetRoleByName(ctx context.Context, tenantID, name string) (*Role, error) {
	return scanRole(p.pool.QueryRow(ctx, `
		SELECT id, tenant_id, name, COALESCE(description, ''), is_system_role, created_at, updated_at
		FROM roles WHERE tenant_id = $1 AND name = $2`, tenantID, name))
}

func (p *PgStore) UpdateRole(ctx context.Context, roleID, tenantID, name, description string, updatedAt int64) error {
	_, err := p.pool.Exec(ctx, `
		UPDATE roles SET name = $1, description = $2, updated_at = $3
		WHERE id = $4 AND tenant_id = $5`, name, description, updatedAt, roleID, tenantID)
	return err
}

// DeleteRole removes the role; user_roles and role_permissions rows go
// with it via ON DELETE CASCADE.
func (p *PgStore) DeleteRole(ctx context.Context, roleID, tenantID string) error {
	_, err := p.pool.Exec(ctx,
		`DELETE FROM roles WHERE id = $1 AND tenant_id = $2`, roleID, tenantID)
	return err
}

func (p *PgStore) ListRoles(ctx context.Context, tenantID string) ([]*Role, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, tenant_id, name, COALESCE(description, ''), is_system_role, created_at, updated_at
		FROM roles WHERE tenant_id = $1 ORDER BY name`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Role
	for rows.Next() {
		r, err := scanRole(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *PgStore) InsertPermission(ctx context.Context, perm *Permission) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO permissions (id, tenant_id, client_id, name, description, created_at)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6)`,
		perm.ID, perm.TenantID, perm.ClientID, perm.Name, perm.Description, perm.CreatedAt)
	return err
}

func (p *PgStore) GetPermission(ctx context.Context, permissionID, tenantID string) (*Permission, error) {
	perm, err := scanPermission(p.pool.QueryRow(ctx, `
		SELECT id, tenant_id, COALESCE(client_id, ''), name, COALESCE(description, ''), created_at
		FROM permissions WHERE id = $1 AND tenant_id = $2`, permissionID, tenantID))
	if err != nil {
		return nil, err
	}
	return perm, nil
}

// DeletePermission removes the permission; role_permissions rows cascade
// at the storage layer.
func (p *PgStore) DeletePermission(ctx context.Context, permissionID, tenantID string) error {
	_, err := p.pool.Exec(ctx,
		`DELETE FROM permissions WHERE id = $1 AND tenant_id = $2`, permissionID, tenantID)
	return err
}

func (p *PgStore) ListPermissions(ctx context.Context, tenantID string) ([]*Permission, error) {
	return p.queryPermissions(ctx, `
		SELECT id, tenant_id, COALESCE(client_id, ''), name, COALESCE(description, ''), created_at
		FROM permissions WHERE tenant_id = $1 ORDER BY name`, tenantID)
}

func (p *PgStore) ListRolePermissions(ctx context.Context, tenantID, roleID string) ([]*Permission, error) {
	return p.queryPermissions(ctx, `
		SELECT perm.id, perm.tenant_id, COALESCE(perm.client_id, ''), perm.name, COALESCE(perm.description, ''), perm.created_at
		FROM permissions perm
		JOIN role_permissions rp ON rp.permission_id = perm.id
		WHERE perm.tenant_id = $1 AND rp.role_id = $2
		ORDER BY perm.name`, tenantID, roleID)
}

func (p *PgStore) ListClientPermissions(ctx context.Context, tenantID, clientID string) ([]*Permission, error) {
	return p.queryPermissions(ctx, `
		SELECT id, tenant_id, COALESCE(client_id, ''), name, COALESCE(description, ''), created_at
		FROM permissions WHERE tenant_id = $1 AND client_id = $2 ORDER BY name`, tenantID, clientID)
}

func (p *PgStore) queryPermissions(ctx context.Context, query string, args ...any) ([]*Permission, error) {
	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Permission
	for rows.Next() {
		perm, err := scanPermission(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, perm)
	}
	return out, rows.Err()
}

// AssignRoleToUser inserts the assignment; returns false when it already
// existed.
func (p *PgStore) AssignRoleToUser(ctx context.Context, a *Assignment) (bool, error) {
	tag, err := p.pool.Exec(ctx, `
		INSERT INTO user_roles (tenant_id, user_id, role_id, assigned_at, assigned_by, expires_at)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, 0))
		ON CONFLICT (tenant_id, user_id, role_id) DO NOTHING`,
		a.TenantID, a.UserID, a.RoleID, a.AssignedAt, a.AssignedBy, a.ExpiresAt)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (p *PgStore) RemoveRoleFromUser(ctx context.Context, tenantID, userID, roleID string) (bool, error) {
	tag, err := p.pool.Exec(ctx, `
		DELETE FROM user_roles WHERE tenant_id = $1 AND user_id = $2 AND role_id = $3`,
		tenantID, userID, roleID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (p *PgStore) AssignPermissionToRole(ctx context.Context, tenantID, roleID, permissionID string) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO role_permissions (tenant_id, role_id, permission_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (role_id, permission_id) DO NOTHING`,
		tenantID, roleID, permissionID)
	return err
}

func (p *PgStore) RemovePermissionFromRole(ctx context.Context, tenantID, roleID, permissionID string) error {
	_, err := p.pool.Exec(ctx, `
		DELETE FROM role_permissions WHERE role_id = $1 AND permission_id = $2`,
		roleID, permissionID)
	return err
}

func (p *PgStore) ListUserRoles(ctx context.Context, tenantID, userID string, now int64) ([]*Role, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT r.id, r.tenant_id, r.name, COALESCE(r.description, ''), r.is_system_role, r.created_at, r.updated_at
		FROM roles r
		JOIN user_roles ur ON ur.role_id = r.id
		WHERE ur.tenant_id = $1 AND ur.user_id = $2
		  AND (ur.expires_at IS NULL OR ur.expires_at > $3)
		ORDER BY r.name`, tenantID, userID, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Role
	for rows.Next() {
		r, err := scanRole(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListUserPermissions resolves the user's effective permission names for
// one client: tenant-wide permissions plus those scoped to that client.
func (p *PgStore) ListUserPermissions(ctx context.Context, tenantID, userID, clientID string, now int64) ([]string, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT DISTINCT perm.name
		FROM permissions perm
		JOIN role_permissions rp ON rp.permission_id = perm.id
		JOIN user_roles ur ON ur.role_id = rp.role_id
		WHERE ur.tenant_id = $1 AND ur.user_id = $2
		  AND (ur.expires_at IS NULL OR ur.expires_at > $3)
		  AND (perm.client_id IS NULL OR perm.client_id = $4)
		ORDER BY perm.name`, tenantID, userID, now, clientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

// ListUsersWithRole enumerates assignments of a role across tenants, for
// targeted cache invalidation after role-permission changes.
func (p *PgStore) ListUsersWithRole(ctx context.Context, roleID string) ([]Assignment, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT tenant_id, user_id, role_id, assigned_at, COALESCE(assigned_by, ''), COALESCE(expires_at, 0)
		FROM user_roles WHERE role_id = $1`, roleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Assignment
	for rows.Next() {
		var a Assignment
		if err := rows.Scan(&a.TenantID, &a.UserID, &a.RoleID, &a.AssignedAt, &a.AssignedBy, &a.ExpiresAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanPermission(row pgx.Row) (*Permission, error) {
	var perm Permission
	err := row.Scan(&perm.ID, &perm.TenantID, &perm.ClientID, &perm.Name, &perm.Description, &perm.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &perm, nil
}

func scanRole(row pgx.Row) (*Role, error) {
	var r Role
	err := row.Scan(&r.ID, &r.TenantID, &r.Name, &r.Description, &r.IsSystemRole, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}
