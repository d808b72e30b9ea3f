package rbac_test

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/openauthd/openauthd/internal/kv"
	"github.com/openauthd/openauthd/internal/oautherr"
	"github.com/openauthd/openauthd/internal/rbac"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memStore is an in-memory rbac.Store. failEnumeration makes
// ListUsersWithRole fail so the TTL-fallback path can be exercised.
type memStore struct {
	mu              sync.Mutex
	roles           map[string]*rbac.Role
	permissions     map[string]*rbac.Permission
	userRoles       map[string]rbac.Assignment // tenant|user|role
	rolePerms       map[string]bool            // role|permission
	failEnumeration bool
	listCalls       int
}

func newMemStore() *memStore {
	return &memStore{
		roles:       make(map[string]*rbac.Role),
		permissions: make(map[string]*rbac.Permission),
		userRoles:   make(map[string]rbac.Assignment),
		rolePerms:   make(map[string]bool),
	}
}

func (m *memStore) InsertRole(_ context.Context, r *rbac.Role) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *r
	m.roles[r.ID] = &cp
	return nil
}

func (m *memStore) GetRole(_ context.Context, roleID, tenantID string) (*rbac.Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.roles[roleID]; ok && r.TenantID == tenantID {
		cp := *r
		return &cp, nil
	}
	return nil, nil
}

func (m *memStore) GetRoleByName(_ context.Context, tenantID, name string) (*rbac.Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.roles {
		if r.TenantID == tenantID && r.Name == name {
			cp := *r
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memStore) UpdateRole(_ context.Context, roleID, tenantID, name, description string, updatedAt int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.roles[roleID]; ok && r.TenantID == tenantID {
		r.Name, r.Description, r.UpdatedAt = name, description, updatedAt
	}
	return nil
}

func (m *memStore) DeleteRole(_ context.Context, roleID, tenantID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.roles, roleID)
	for k, a := range m.userRoles {
		if a.RoleID == roleID {
			delete(m.userRoles, k)
		}
	}
	for k := range m.rolePerms {
		if len(k) > len(roleID) && k[:len(roleID)] == roleID {
			delete(m.rolePerms, k)
		}
	}
	return nil
}

func (m *memStore) ListRoles(_ context.Context, tenantID string) ([]*rbac.Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*rbac.Role
	for _, r := range m.roles {
		if r.TenantID == tenantID {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *memStore) InsertPermission(_ context.Context, p *rbac.Permission) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	m.permissions[p.ID] = &cp
	return nil
}

func (m *memStore) GetPermission(_ context.Context, permissionID, tenantID string) (*rbac.Permission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.permissions[permissionID]; ok && p.TenantID == tenantID {
		cp := *p
		return &cp, nil
	}
	return nil, nil
}

func (m *memStore) DeletePermission(_ context.Context, permissionID, tenantID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.permissions, permissionID)
	for k := range m.rolePerms {
		if len(k) > len(permissionID) && k[len(k)-len(permissionID):] == permissionID {
			delete(m.rolePerms, k)
		}
	}
	return nil
}

func (m *memStore) ListPermissions(_ context.Context, tenantID string) ([]*rbac.Permission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*rbac.Permission
	for _, p := range m.permissions {
		if p.TenantID == tenantID {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *memStore) ListRolePermissions(_ context.Context, tenantID, roleID string) ([]*rbac.Permission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*rbac.Permission
	for _, p := range m.permissions {
		if p.TenantID == tenantID && m.rolePerms[roleID+"|"+p.ID] {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *memStore) ListClientPermissions(_ context.Context, tenantID, clientID string) ([]*rbac.Permission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*rbac.Permission
	for _, p := range m.permissions {
		if p.TenantID == tenantID && p.ClientID == clientID {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *memStore) AssignRoleToUser(_ context.Context, a *rbac.Assignment) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := a.TenantID + "|" + a.UserID + "|" + a.RoleID
	if _, ok := m.userRoles[k]; ok {
		return false, nil
	}
	m.userRoles[k] = *a
	return true, nil
}

func (m *memStore) RemoveRoleFromUser(_ context.Context, tenantID, userID, roleID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := tenantID + "|" + userID + "|" + roleID
	if _, ok := m.userRoles[k]; !ok {
		return false, nil
	}
	delete(m.userRoles, k)
	return true, nil
}

func (m *memStore) AssignPermissionToRole(_ context.Context, _, roleID, permissionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rolePerms[roleID+"|"+permissionID] = true
	return nil
}

func (m *memStore) RemovePermissionFromRole(_ context.Context, _, roleID, permissionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rolePerms, roleID+"|"+permissionID)
	return nil
}

func (m *memStore) ListUserRoles(_ context.Context, tenantID, userID string, now int64) ([]*rbac.Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*rbac.Role
	for _, a := range m.userRoles {
		if a.TenantID == tenantID && a.UserID == userID && assignmentLive(a, now) {
			if r, ok := m.roles[a.RoleID]; ok {
				cp := *r
				out = append(out, &cp)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *memStore) ListUserPermissions(_ context.Context, tenantID, userID, clientID string, now int64) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listCalls++
	seen := map[string]bool{}
	for _, a := range m.userRoles {
		if a.TenantID != tenantID || a.UserID != userID || !assignmentLive(a, now) {
			continue
		}
		for _, p := range m.permissions {
			if p.ClientID != "" && p.ClientID != clientID {
				continue
			}
			if m.rolePerms[a.RoleID+"|"+p.ID] {
				seen[p.Name] = true
			}
		}
	}
	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

func assignmentLive(a rbac.Assignment, now int64) bool {
	return a.ExpiresAt == 0 || a.ExpiresAt > now
}

func (m *memStore) ListUsersWithRole(_ context.Context, roleID string) ([]rbac.Assignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failEnumeration {
		return nil, fmt.Errorf("connection refused")
	}
	var out []rbac.Assignment
	for _, a := range m.userRoles {
		if a.RoleID == roleID {
			out = append(out, a)
		}
	}
	return out, nil
}

type fixture struct {
	engine *rbac.Engine
	store  *memStore
	cache  *kv.Memory
	clock  *clockwork.FakeClock
}

func setupEngine(t *testing.T) *fixture {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.UnixMilli(1_700_000_000_000))
	store := newMemStore()
	cache := kv.NewMemoryWithClock(clock)
	engine := rbac.NewEngine(store, cache, rbac.Config{}, slog.Default()).WithClock(clock)
	return &fixture{engine: engine, store: store, cache: cache, clock: clock}
}

// grantRole creates a role holding the named permissions and assigns it
// to the user.
func (f *fixture) grantRole(t *testing.T, tenantID, userID, roleName string, perms ...string) *rbac.Role {
	t.Helper()
	ctx := context.Background()
	role, err := f.engine.CreateRole(ctx, tenantID, roleName, "")
	require.NoError(t, err)
	for _, name := range perms {
		perm, err := f.engine.CreatePermission(ctx, tenantID, name, "")
		require.NoError(t, err)
		require.NoError(t, f.engine.AssignPermissionToRole(ctx, tenantID, role.ID, perm.ID))
	}
	if userID != "" {
		require.NoError(t, f.engine.AssignRoleToUser(ctx, tenantID, userID, role.ID, "", 0))
	}
	return role
}

func TestEngine_CheckPermission(t *testing.T) {
	f := setupEngine(t)
	ctx := context.Background()
	f.grantRole(t, "t1", "u1", "viewer", "posts:read")

	req := rbac.CheckRequest{UserID: "u1", ClientID: "app", TenantID: "t1"}

	ok, err := f.engine.CheckPermission(ctx, req, "posts:read")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = f.engine.CheckPermission(ctx, req, "posts:write")
	require.NoError(t, err)
	assert.False(t, ok)

	// The second check ran off the cache.
	assert.Equal(t, 1, f.store.listCalls)
}

func TestEngine_AssignRoleInvalidatesCache(t *testing.T) {
	f := setupEngine(t)
	ctx := context.Background()

	f.grantRole(t, "t1", "u1", "viewer", "posts:read")
	editor := f.grantRole(t, "t1", "", "editor", "posts:write")

	req := rbac.CheckRequest{UserID: "u1", ClientID: "app", TenantID: "t1"}

	ok, err := f.engine.CheckPermission(ctx, req, "posts:write")
	require.NoError(t, err)
	assert.False(t, ok, "cache populated with the viewer set")

	require.NoError(t, f.engine.AssignRoleToUser(ctx, "t1", "u1", editor.ID, "admin", 0))

	// The very next check reflects the new role without waiting for TTL.
	ok, err = f.engine.CheckPermission(ctx, req, "posts:write")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEngine_InvalidationCoversAllClients(t *testing.T) {
	f := setupEngine(t)
	ctx := context.Background()

	f.grantRole(t, "t1", "u1", "viewer", "posts:read")
	editor := f.grantRole(t, "t1", "", "editor", "posts:write")

	// Populate cache entries under two different client ids.
	for _, client := range []string{"app-a", "app-b"} {
		_, err := f.engine.GetUserPermissions(ctx, rbac.CheckRequest{UserID: "u1", ClientID: client, TenantID: "t1"})
		require.NoError(t, err)
	}

	require.NoError(t, f.engine.AssignRoleToUser(ctx, "t1", "u1", editor.ID, "", 0))

	for _, client := range []string{"app-a", "app-b"} {
		perms, err := f.engine.GetUserPermissions(ctx, rbac.CheckRequest{UserID: "u1", ClientID: client, TenantID: "t1"})
		require.NoError(t, err)
		assert.Contains(t, perms, "posts:write", "client %s", client)
	}
}

func TestEngine_CacheExpiresByTTL(t *testing.T) {
	f := setupEngine(t)
	ctx := context.Background()

	f.grantRole(t, "t1", "u1", "viewer", "posts:read")
	req := rbac.CheckRequest{UserID: "u1", ClientID: "app", TenantID: "t1"}

	_, err := f.engine.GetUserPermissions(ctx, req)
	require.NoError(t, err)
	calls := f.store.listCalls

	_, err = f.engine.GetUserPermissions(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, calls, f.store.listCalls, "within TTL the store is not consulted")

	f.clock.Advance(61 * time.Second)
	_, err = f.engine.GetUserPermissions(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, calls+1, f.store.listCalls, "after TTL the entry is reloaded")
}

func TestEngine_CheckPermissionsBatch(t *testing.T) {
	f := setupEngine(t)
	ctx := context.Background()

	f.grantRole(t, "t1", "u1", "viewer", "posts:read", "comments:read")
	req := rbac.CheckRequest{UserID: "u1", ClientID: "app", TenantID: "t1"}

	got, err := f.engine.CheckPermissions(ctx, req, []string{"posts:read", "posts:write", "comments:read"})
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{
		"posts:read":    true,
		"posts:write":   false,
		"comments:read": true,
	}, got)
	assert.Equal(t, 1, f.store.listCalls, "batch uses a single cache load")

	tooMany := make([]string, 101)
	for i := range tooMany {
		tooMany[i] = fmt.Sprintf("perm:%d", i)
	}
	_, err = f.engine.CheckPermissions(ctx, req, tooMany)
	require.Error(t, err)
	assert.True(t, oautherr.CodeIs(err, "invalid_request"))
}

func TestEngine_EnrichTokenClaims(t *testing.T) {
	f := setupEngine(t)
	ctx := context.Background()

	f.grantRole(t, "t1", "u1", "viewer", "posts:read")
	f.grantRole(t, "t1", "u1", "editor", "posts:write")

	claims, err := f.engine.EnrichTokenClaims(ctx, rbac.CheckRequest{UserID: "u1", ClientID: "app", TenantID: "t1"})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"viewer", "editor"}, claims.Roles)
	assert.ElementsMatch(t, []string{"posts:read", "posts:write"}, claims.Permissions)
}

func TestEngine_EnrichTruncatesOversizedPermissionSets(t *testing.T) {
	f := setupEngine(t)
	ctx := context.Background()

	perms := make([]string, 60)
	for i := range perms {
		perms[i] = fmt.Sprintf("res%02d:read", i)
	}
	f.grantRole(t, "t1", "u1", "everything", perms...)

	claims, err := f.engine.EnrichTokenClaims(ctx, rbac.CheckRequest{UserID: "u1", ClientID: "app", TenantID: "t1"})
	require.NoError(t, err)
	assert.Len(t, claims.Permissions, 50)
}

func TestEngine_SystemRoleProtection(t *testing.T) {
	f := setupEngine(t)
	ctx := context.Background()

	system := &rbac.Role{
		ID: uuid.NewString(), TenantID: "t1", Name: "admin", IsSystemRole: true,
	}
	require.NoError(t, f.store.InsertRole(ctx, system))

	err := f.engine.DeleteRole(ctx, system.ID, "t1")
	require.Error(t, err)
	assert.True(t, oautherr.CodeIs(err, "cannot_delete_system_role"))

	_, err = f.engine.UpdateRole(ctx, system.ID, "t1", "renamed", "")
	require.Error(t, err)
	assert.True(t, oautherr.CodeIs(err, "cannot_modify_system_role"))
}

func TestEngine_DuplicateAssignment(t *testing.T) {
	f := setupEngine(t)
	ctx := context.Background()

	role := f.grantRole(t, "t1", "u1", "viewer", "posts:read")

	err := f.engine.AssignRoleToUser(ctx, "t1", "u1", role.ID, "", 0)
	require.Error(t, err)
	assert.True(t, oautherr.CodeIs(err, "role_already_assigned"))

	err = f.engine.AssignRoleToUser(ctx, "t1", "u1", "missing-role", "", 0)
	require.Error(t, err)
	assert.True(t, oautherr.CodeIs(err, "role_not_found"))
}

func TestEngine_RolePermissionChangeInvalidatesHolders(t *testing.T) {
	f := setupEngine(t)
	ctx := context.Background()

	role := f.grantRole(t, "t1", "u1", "viewer", "posts:read")
	req := rbac.CheckRequest{UserID: "u1", ClientID: "app", TenantID: "t1"}

	ok, err := f.engine.CheckPermission(ctx, req, "posts:export")
	require.NoError(t, err)
	assert.False(t, ok)

	perm, err := f.engine.CreatePermission(ctx, "t1", "posts:export", "")
	require.NoError(t, err)
	require.NoError(t, f.engine.AssignPermissionToRole(ctx, "t1", role.ID, perm.ID))

	ok, err = f.engine.CheckPermission(ctx, req, "posts:export")
	require.NoError(t, err)
	assert.True(t, ok, "holders are invalidated on role-permission change")
}

func TestEngine_EnumerationFailureFallsBackToTTL(t *testing.T) {
	f := setupEngine(t)
	ctx := context.Background()

	role := f.grantRole(t, "t1", "u1", "viewer", "posts:read")
	req := rbac.CheckRequest{UserID: "u1", ClientID: "app", TenantID: "t1"}

	ok, err := f.engine.CheckPermission(ctx, req, "posts:export")
	require.NoError(t, err)
	assert.False(t, ok)

	perm, err := f.engine.CreatePermission(ctx, "t1", "posts:export", "")
	require.NoError(t, err)
	f.store.failEnumeration = true
	require.NoError(t, f.engine.AssignPermissionToRole(ctx, "t1", role.ID, perm.ID),
		"enumeration failure must not fail the mutation")

	// Stale until the TTL expires.
	ok, err = f.engine.CheckPermission(ctx, req, "posts:export")
	require.NoError(t, err)
	assert.False(t, ok)

	f.clock.Advance(61 * time.Second)
	ok, err = f.engine.CheckPermission(ctx, req, "posts:export")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEngine_DeleteRoleInvalidatesHolders(t *testing.T) {
	f := setupEngine(t)
	ctx := context.Background()

	role := f.grantRole(t, "t1", "u1", "viewer", "posts:read")
	req := rbac.CheckRequest{UserID: "u1", ClientID: "app", TenantID: "t1"}

	ok, err := f.engine.CheckPermission(ctx, req, "posts:read")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, f.engine.DeleteRole(ctx, role.ID, "t1"))

	ok, err = f.engine.CheckPermission(ctx, req, "posts:read")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEngine_ExpiredRoleGrantStopsCounting(t *testing.T) {
	f := setupEngine(t)
	ctx := context.Background()

	role := f.grantRole(t, "t1", "", "oncall", "incidents:ack")
	expiry := f.clock.Now().Add(time.Hour).UnixMilli()
	require.NoError(t, f.engine.AssignRoleToUser(ctx, "t1", "u1", role.ID, "", expiry))

	req := rbac.CheckRequest{UserID: "u1", ClientID: "app", TenantID: "t1"}

	ok, err := f.engine.CheckPermission(ctx, req, "incidents:ack")
	require.NoError(t, err)
	assert.True(t, ok)

	roles, err := f.engine.GetUserRoles(ctx, "t1", "u1")
	require.NoError(t, err)
	assert.Len(t, roles, 1)

	// Past the expiry (and the cache TTL) the grant is gone.
	f.clock.Advance(2 * time.Hour)
	ok, err = f.engine.CheckPermission(ctx, req, "incidents:ack")
	require.NoError(t, err)
	assert.False(t, ok)

	roles, err = f.engine.GetUserRoles(ctx, "t1", "u1")
	require.NoError(t, err)
	assert.Empty(t, roles)
}

func TestEngine_AssignRejectsPastExpiry(t *testing.T) {
	f := setupEngine(t)
	ctx := context.Background()

	role := f.grantRole(t, "t1", "", "oncall", "incidents:ack")
	err := f.engine.AssignRoleToUser(ctx, "t1", "u1", role.ID, "", f.clock.Now().Add(-time.Minute).UnixMilli())
	require.Error(t, err)
	assert.True(t, oautherr.CodeIs(err, "invalid_request"))
}

func TestEngine_ClientScopedPermissionsStayScoped(t *testing.T) {
	f := setupEngine(t)
	ctx := context.Background()

	role := f.grantRole(t, "t1", "u1", "viewer", "posts:read")
	scoped, err := f.engine.CreateClientPermission(ctx, "t1", "app-a", "reports:export", "")
	require.NoError(t, err)
	require.NoError(t, f.engine.AssignPermissionToRole(ctx, "t1", role.ID, scoped.ID))

	ok, err := f.engine.CheckPermission(ctx, rbac.CheckRequest{UserID: "u1", ClientID: "app-a", TenantID: "t1"}, "reports:export")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = f.engine.CheckPermission(ctx, rbac.CheckRequest{UserID: "u1", ClientID: "app-b", TenantID: "t1"}, "reports:export")
	require.NoError(t, err)
	assert.False(t, ok, "permissions scoped to another client must not leak")

	// Tenant-wide permissions remain visible under every client.
	ok, err = f.engine.CheckPermission(ctx, rbac.CheckRequest{UserID: "u1", ClientID: "app-b", TenantID: "t1"}, "posts:read")
	require.NoError(t, err)
	assert.True(t, ok)
}
