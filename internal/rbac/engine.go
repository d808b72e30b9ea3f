package rbac

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/openauthd/openauthd/internal/kv"
	"github.com/openauthd/openauthd/internal/oautherr"
	"golang.org/x/sync/errgroup"
)

var keyPermissionCache = kv.Key{"rbac", "permissions"}

// Config carries the RBAC tunables.
type Config struct {
	CacheTTL              time.Duration // default 60s
	MaxPermissionsInToken int           // default 50
	MaxBatchCheck         int           // default 100
}

func (c Config) withDefaults() Config {
	if c.CacheTTL <= 0 {
		c.CacheTTL = 60 * time.Second
	}
	if c.MaxPermissionsInToken <= 0 {
		c.MaxPermissionsInToken = 50
	}
	if c.MaxBatchCheck <= 0 {
		c.MaxBatchCheck = 100
	}
	return c
}

type cachedPermissions struct {
	Permissions []string `json:"permissions"`
	CachedAt    int64    `json:"cachedAt"`
}

// Engine answers permission questions with a short-lived KV cache in
// front of the relational store, and keeps that cache coherent on role
// mutations via targeted invalidation.
type Engine struct {
	store Store
	cache kv.Store
	cfg   Config
	clock clockwork.Clock
	log   *slog.Logger
}

// NewEngine creates an RBAC engine.
func NewEngine(store Store, cache kv.Store, cfg Config, log *slog.Logger) *Engine {
	return &Engine{
		store: store,
		cache: cache,
		cfg:   cfg.withDefaults(),
		clock: clockwork.NewRealClock(),
		log:   log,
	}
}

// WithClock replaces the clock, for tests.
func (e *Engine) WithClock(clock clockwork.Clock) *Engine {
	e.clock = clock
	return e
}

// CheckRequest identifies the subject of a permission question.
type CheckRequest struct {
	UserID   string
	ClientID string
	TenantID string
}

// CheckPermission reports whether the user holds the permission.
func (e *Engine) CheckPermission(ctx context.Context, req CheckRequest, permission string) (bool, error) {
	perms, err := e.GetUserPermissions(ctx, req)
	if err != nil {
		return false, err
	}
	return containsPermission(perms, permission), nil
}

// CheckPermissions answers a batch of permission questions from a single
// cache load.
func (e *Engine) CheckPermissions(ctx context.Context, req CheckRequest, permissions []string) (map[string]bool, error) {
	if len(permissions) > e.cfg.MaxBatchCheck {
		return nil, oautherr.Validation("invalid_request",
			"at most %d permissions per check", e.cfg.MaxBatchCheck)
	}
	perms, err := e.GetUserPermissions(ctx, req)
	if err != nil {
		return nil, err
	}
	out := make(map[string]bool, len(permissions))
	for _, p := range permissions {
		out[p] = containsPermission(perms, p)
	}
	return out, nil
}

// GetUserPermissions returns the user's permission names, cache-through.
func (e *Engine) GetUserPermissions(ctx context.Context, req CheckRequest) ([]string, error) {
	key := e.cacheKey(req)

	var cached cachedPermissions
	found, err := kv.GetJSON(ctx, e.cache, key, &cached)
	if err != nil {
		e.log.Warn("rbac_cache_read_failed", "error", err)
	} else if found {
		return cached.Permissions, nil
	}

	perms, err := e.store.ListUserPermissions(ctx, req.TenantID, req.UserID, req.ClientID, e.clock.Now().UnixMilli())
	if err != nil {
		return nil, err
	}
	entry := cachedPermissions{Permissions: perms, CachedAt: e.clock.Now().UnixMilli()}
	if err := kv.SetJSON(ctx, e.cache, key, entry, e.cfg.CacheTTL); err != nil {
		e.log.Warn("rbac_cache_write_failed", "error", err)
	}
	return perms, nil
}

// GetUserRoles returns the user's unexpired roles, always read-through.
func (e *Engine) GetUserRoles(ctx context.Context, tenantID, userID string) ([]*Role, error) {
	return e.store.ListUserRoles(ctx, tenantID, userID, e.clock.Now().UnixMilli())
}

// TokenClaims is the RBAC slice of an issued token.
type TokenClaims struct {
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
}

// EnrichTokenClaims fetches roles and cached permissions concurrently.
// Oversized permission sets are truncated with a warning rather than
// producing an oversized token.
func (e *Engine) EnrichTokenClaims(ctx context.Context, req CheckRequest) (*TokenClaims, error) {
	var roles []*Role
	var perms []string

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		roles, err = e.store.ListUserRoles(gctx, req.TenantID, req.UserID, e.clock.Now().UnixMilli())
		return err
	})
	g.Go(func() error {
		var err error
		perms, err = e.GetUserPermissions(gctx, req)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if len(perms) > e.cfg.MaxPermissionsInToken {
		e.log.Warn("rbac_permissions_truncated",
			"tenant_id", req.TenantID, "user_id", req.UserID,
			"total", len(perms), "max", e.cfg.MaxPermissionsInToken)
		perms = perms[:e.cfg.MaxPermissionsInToken]
	}

	claims := &TokenClaims{Roles: make([]string, 0, len(roles)), Permissions: perms}
	for _, r := range roles {
		claims.Roles = append(claims.Roles, r.Name)
	}
	return claims, nil
}

// --- role & permission administration ---

// CreateRole adds a role to the tenant.
func (e *Engine) CreateRole(ctx context.Context, tenantID, name, description string) (*Role, error) {
	if err := validateRoleName(name); err != nil {
		return nil, err
	}
	name = strings.TrimSpace(name)

	existing, err := e.store.GetRoleByName(ctx, tenantID, name)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, oautherr.Conflict("role_already_exists", "role %q already exists", name)
	}

	now := e.clock.Now().UnixMilli()
	role := &Role{
		ID:          uuid.NewString(),
		TenantID:    tenantID,
		Name:        name,
		Description: description,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := e.store.InsertRole(ctx, role); err != nil {
		return nil, err
	}
	return role, nil
}

// UpdateRole renames or re-describes a role. System roles are immutable.
func (e *Engine) UpdateRole(ctx context.Context, roleID, tenantID, name, description string) (*Role, error) {
	if err := validateRoleName(name); err != nil {
		return nil, err
	}
	role, err := e.requireRole(ctx, roleID, tenantID)
	if err != nil {
		return nil, err
	}
	if role.IsSystemRole {
		return nil, oautherr.Forbidden("cannot_modify_system_role", "role %q is a system role", role.Name)
	}

	role.Name = strings.TrimSpace(name)
	role.Description = description
	role.UpdatedAt = e.clock.Now().UnixMilli()
	if err := e.store.UpdateRole(ctx, roleID, tenantID, role.Name, role.Description, role.UpdatedAt); err != nil {
		return nil, err
	}
	return role, nil
}

// DeleteRole removes a role and invalidates every holder's cache.
func (e *Engine) DeleteRole(ctx context.Context, roleID, tenantID string) error {
	role, err := e.requireRole(ctx, roleID, tenantID)
	if err != nil {
		return err
	}
	if role.IsSystemRole {
		return oautherr.Forbidden("cannot_delete_system_role", "role %q is a system role", role.Name)
	}

	holders, err := e.store.ListUsersWithRole(ctx, roleID)
	if err != nil {
		// The delete proceeds; stale entries age out within the TTL.
		e.log.Warn("rbac_holder_enumeration_failed", "role_id", roleID, "error", err)
		holders = nil
	}
	if err := e.store.DeleteRole(ctx, roleID, tenantID); err != nil {
		return err
	}
	for _, a := range holders {
		e.invalidateUser(ctx, a.TenantID, a.UserID)
	}
	return nil
}

// GetRole returns the role, or role_not_found.
func (e *Engine) GetRole(ctx context.Context, roleID, tenantID string) (*Role, error) {
	return e.requireRole(ctx, roleID, tenantID)
}

// ListRoles returns the tenant's roles.
func (e *Engine) ListRoles(ctx context.Context, tenantID string) ([]*Role, error) {
	return e.store.ListRoles(ctx, tenantID)
}

// ListRolePermissions returns the permissions granted through the role.
func (e *Engine) ListRolePermissions(ctx context.Context, tenantID, roleID string) ([]*Permission, error) {
	if _, err := e.requireRole(ctx, roleID, tenantID); err != nil {
		return nil, err
	}
	return e.store.ListRolePermissions(ctx, tenantID, roleID)
}

// CreatePermission adds a tenant-wide permission.
func (e *Engine) CreatePermission(ctx context.Context, tenantID, name, description string) (*Permission, error) {
	return e.createPermission(ctx, tenantID, "", name, description)
}

// CreateClientPermission adds a permission scoped to one OAuth client.
func (e *Engine) CreateClientPermission(ctx context.Context, tenantID, clientID, name, description string) (*Permission, error) {
	return e.createPermission(ctx, tenantID, clientID, name, description)
}

func (e *Engine) createPermission(ctx context.Context, tenantID, clientID, name, description string) (*Permission, error) {
	if err := validatePermissionName(name); err != nil {
		return nil, err
	}
	perm := &Permission{
		ID:          uuid.NewString(),
		TenantID:    tenantID,
		ClientID:    clientID,
		Name:        name,
		Description: description,
		CreatedAt:   e.clock.Now().UnixMilli(),
	}
	if err := e.store.InsertPermission(ctx, perm); err != nil {
		return nil, err
	}
	return perm, nil
}

// ListClientPermissions returns the permissions scoped to the client.
func (e *Engine) ListClientPermissions(ctx context.Context, tenantID, clientID string) ([]*Permission, error) {
	return e.store.ListClientPermissions(ctx, tenantID, clientID)
}

// DeletePermission removes a permission. Role links cascade at the
// storage layer; caches converge within the TTL.
func (e *Engine) DeletePermission(ctx context.Context, permissionID, tenantID string) error {
	perm, err := e.store.GetPermission(ctx, permissionID, tenantID)
	if err != nil {
		return err
	}
	if perm == nil {
		return oautherr.NotFound("permission_not_found", "permission %q not found", permissionID)
	}
	return e.store.DeletePermission(ctx, permissionID, tenantID)
}

// ListPermissions returns the tenant's permissions.
func (e *Engine) ListPermissions(ctx context.Context, tenantID string) ([]*Permission, error) {
	return e.store.ListPermissions(ctx, tenantID)
}

// AssignRoleToUser grants the role and invalidates the user's cache so
// the next permission check reflects it immediately. expiresAt is unix
// millis; 0 grants without expiry.
func (e *Engine) AssignRoleToUser(ctx context.Context, tenantID, userID, roleID, assignedBy string, expiresAt int64) error {
	if _, err := e.requireRole(ctx, roleID, tenantID); err != nil {
		return err
	}
	now := e.clock.Now().UnixMilli()
	if expiresAt != 0 && expiresAt <= now {
		return oautherr.Validation("invalid_request", "expiresAt must lie in the future")
	}
	inserted, err := e.store.AssignRoleToUser(ctx, &Assignment{
		TenantID:   tenantID,
		UserID:     userID,
		RoleID:     roleID,
		AssignedAt: now,
		AssignedBy: assignedBy,
		ExpiresAt:  expiresAt,
	})
	if err != nil {
		return err
	}
	if !inserted {
		return oautherr.Conflict("role_already_assigned", "user already holds this role")
	}
	e.invalidateUser(ctx, tenantID, userID)
	return nil
}

// RemoveRoleFromUser revokes the role and invalidates the user's cache.
func (e *Engine) RemoveRoleFromUser(ctx context.Context, tenantID, userID, roleID string) error {
	removed, err := e.store.RemoveRoleFromUser(ctx, tenantID, userID, roleID)
	if err != nil {
		return err
	}
	if !removed {
		return oautherr.NotFound("role_not_found", "user does not hold this role")
	}
	e.invalidateUser(ctx, tenantID, userID)
	return nil
}

// AssignPermissionToRole grants the permission and invalidates every
// holder of the role.
func (e *Engine) AssignPermissionToRole(ctx context.Context, tenantID, roleID, permissionID string) error {
	if _, err := e.requireRole(ctx, roleID, tenantID); err != nil {
		return err
	}
	perm, err := e.store.GetPermission(ctx, permissionID, tenantID)
	if err != nil {
		return err
	}
	if perm == nil {
		return oautherr.NotFound("permission_not_found", "permission %q not found", permissionID)
	}
	if err := e.store.AssignPermissionToRole(ctx, tenantID, roleID, permissionID); err != nil {
		return err
	}
	e.invalidateRoleHolders(ctx, roleID)
	return nil
}

// RemovePermissionFromRole revokes the permission and invalidates every
// holder of the role.
func (e *Engine) RemovePermissionFromRole(ctx context.Context, tenantID, roleID, permissionID string) error {
	if _, err := e.requireRole(ctx, roleID, tenantID); err != nil {
		return err
	}
	if err := e.store.RemovePermissionFromRole(ctx, tenantID, roleID, permissionID); err != nil {
		return err
	}
	e.invalidateRoleHolders(ctx, roleID)
	return nil
}

// --- internals ---

func (e *Engine) cacheKey(req CheckRequest) kv.Key {
	return keyPermissionCache.Append(req.TenantID, req.UserID, req.ClientID)
}

func (e *Engine) requireRole(ctx context.Context, roleID, tenantID string) (*Role, error) {
	role, err := e.store.GetRole(ctx, roleID, tenantID)
	if err != nil {
		return nil, err
	}
	if role == nil {
		return nil, oautherr.NotFound("role_not_found", "role %q not found", roleID)
	}
	return role, nil
}

// invalidateUser drops every cached entry of the (tenant, user) pair,
// covering all client ids via prefix scan.
func (e *Engine) invalidateUser(ctx context.Context, tenantID, userID string) {
	prefix := keyPermissionCache.Append(tenantID, userID)
	entries, err := e.cache.Scan(ctx, prefix)
	if err != nil {
		e.log.Warn("rbac_cache_invalidation_failed", "tenant_id", tenantID, "user_id", userID, "error", err)
		return
	}
	for _, entry := range entries {
		if err := e.cache.Remove(ctx, entry.Key); err != nil {
			e.log.Warn("rbac_cache_invalidation_failed", "key", kv.Encode(entry.Key), "error", err)
		}
	}
}

// invalidateRoleHolders enumerates users holding the role and invalidates
// each; on enumeration failure the cache converges via its TTL.
func (e *Engine) invalidateRoleHolders(ctx context.Context, roleID string) {
	holders, err := e.store.ListUsersWithRole(ctx, roleID)
	if err != nil {
		e.log.Warn("rbac_holder_enumeration_failed", "role_id", roleID, "error", err)
		return
	}
	for _, a := range holders {
		e.invalidateUser(ctx, a.TenantID, a.UserID)
	}
}

func containsPermission(perms []string, want string) bool {
	for _, p := range perms {
		if p == want {
			return true
		}
	}
	return false
}
