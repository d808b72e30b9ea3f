package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/openauthd/openauthd/internal/api/helpers"
	"github.com/openauthd/openauthd/internal/api/middleware"
	"github.com/openauthd/openauthd/internal/rbac"
)

// RBACHandler serves both the self-service permission checks and the
// admin role/permission management endpoints.
type RBACHandler struct {
	engine *rbac.Engine
}

func NewRBACHandler(engine *rbac.Engine) *RBACHandler {
	return &RBACHandler{engine: engine}
}

// subject builds the engine subject from the token claims, letting the
// caller narrow to a specific client id.
func (h *RBACHandler) subject(r *http.Request, clientID string) (rbac.CheckRequest, bool) {
	claims, err := middleware.GetClaims(r.Context())
	if err != nil {
		return rbac.CheckRequest{}, false
	}
	if clientID == "" {
		clientID = claims.ClientID
	}
	return rbac.CheckRequest{
		UserID:   claims.Subject,
		ClientID: clientID,
		TenantID: claims.TenantID,
	}, true
}

type checkRequest struct {
	Permission string `json:"permission"`
	ClientID   string `json:"clientId,omitempty"`
}

// Check answers a single permission question for the caller.
func (h *RBACHandler) Check(w http.ResponseWriter, r *http.Request) {
	var req checkRequest
	if err := helpers.DecodeJSON(r, &req); err != nil {
		helpers.RespondOAuthError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}
	if req.Permission == "" {
		helpers.RespondOAuthError(w, http.StatusBadRequest, "invalid_request", "permission is required")
		return
	}

	subject, ok := h.subject(r, req.ClientID)
	if !ok {
		helpers.RespondOAuthError(w, http.StatusUnauthorized, "missing_token", "authorization is required")
		return
	}

	allowed, err := h.engine.CheckPermission(r.Context(), subject, req.Permission)
	if err != nil {
		helpers.RespondError(w, err)
		return
	}
	helpers.RespondJSON(w, http.StatusOK, map[string]bool{"allowed": allowed})
}

type checkBatchRequest struct {
	Permissions []string `json:"permissions"`
	ClientID    string   `json:"clientId,omitempty"`
}

// CheckBatch answers up to the configured maximum of permission
// questions from a single cache load.
func (h *RBACHandler) CheckBatch(w http.ResponseWriter, r *http.Request) {
	var req checkBatchRequest
	if err := helpers.DecodeJSON(r, &req); err != nil {
		helpers.RespondOAuthError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}
	if len(req.Permissions) == 0 {
		helpers.RespondOAuthError(w, http.StatusBadRequest, "invalid_request", "permissions is required")
		return
	}

	subject, ok := h.subject(r, req.ClientID)
	if !ok {
		helpers.RespondOAuthError(w, http.StatusUnauthorized, "missing_token", "authorization is required")
		return
	}

	results, err := h.engine.CheckPermissions(r.Context(), subject, req.Permissions)
	if err != nil {
		helpers.RespondError(w, err)
		return
	}
	helpers.RespondJSON(w, http.StatusOK, map[string]any{"results": results})
}

// Permissions lists the caller's effective permission names.
func (h *RBACHandler) Permissions(w http.ResponseWriter, r *http.Request) {
	subject, ok := h.subject(r, r.URL.Query().Get("clientId"))
	if !ok {
		helpers.RespondOAuthError(w, http.StatusUnauthorized, "missing_token", "authorization is required")
		return
	}

	perms, err := h.engine.GetUserPermissions(r.Context(), subject)
	if err != nil {
		helpers.RespondError(w, err)
		return
	}
	if perms == nil {
		perms = []string{}
	}
	helpers.RespondJSON(w, http.StatusOK, map[string]any{"permissions": perms})
}

// Roles lists the caller's roles.
func (h *RBACHandler) Roles(w http.ResponseWriter, r *http.Request) {
	claims, err := middleware.GetClaims(r.Context())
	if err != nil {
		helpers.RespondOAuthError(w, http.StatusUnauthorized, "missing_token", "authorization is required")
		return
	}

	roles, err := h.engine.GetUserRoles(r.Context(), claims.TenantID, claims.Subject)
	if err != nil {
		helpers.RespondError(w, err)
		return
	}
	if roles == nil {
		roles = []*rbac.Role{}
	}
	helpers.RespondJSON(w, http.StatusOK, map[string]any{"roles": roles})
}

// --- admin: roles ---

type roleRequest struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

func (h *RBACHandler) CreateRole(w http.ResponseWriter, r *http.Request) {
	claims := middleware.MustGetClaims(r.Context())

	var req roleRequest
	if err := helpers.DecodeJSON(r, &req); err != nil {
		helpers.RespondOAuthError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}

	role, err := h.engine.CreateRole(r.Context(), claims.TenantID, req.Name, req.Description)
	if err != nil {
		helpers.RespondError(w, err)
		return
	}
	helpers.RespondJSON(w, http.StatusCreated, role)
}

func (h *RBACHandler) ListRoles(w http.ResponseWriter, r *http.Request) {
	claims := middleware.MustGetClaims(r.Context())

	roles, err := h.engine.ListRoles(r.Context(), claims.TenantID)
	if err != nil {
		helpers.RespondError(w, err)
		return
	}
	if roles == nil {
		roles = []*rbac.Role{}
	}
	helpers.RespondJSON(w, http.StatusOK, map[string]any{"roles": roles})
}

func (h *RBACHandler) GetRole(w http.ResponseWriter, r *http.Request) {
	claims := middleware.MustGetClaims(r.Context())

	role, err := h.engine.GetRole(r.Context(), chi.URLParam(r, "id"), claims.TenantID)
	if err != nil {
		helpers.RespondError(w, err)
		return
	}
	helpers.RespondJSON(w, http.StatusOK, role)
}

func (h *RBACHandler) UpdateRole(w http.ResponseWriter, r *http.Request) {
	claims := middleware.MustGetClaims(r.Context())

	var req roleRequest
	if err := helpers.DecodeJSON(r, &req); err != nil {
		helpers.RespondOAuthError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}

	role, err := h.engine.UpdateRole(r.Context(), chi.URLParam(r, "id"), claims.TenantID, req.Name, req.Description)
	if err != nil {
		helpers.RespondError(w, err)
		return
	}
	helpers.RespondJSON(w, http.StatusOK, role)
}

func (h *RBACHandler) DeleteRole(w http.ResponseWriter, r *http.Request) {
	claims := middleware.MustGetClaims(r.Context())

	if err := h.engine.DeleteRole(r.Context(), chi.URLParam(r, "id"), claims.TenantID); err != nil {
		helpers.RespondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- admin: role permissions ---

type rolePermissionRequest struct {
	PermissionID string `json:"permissionId"`
}

func (h *RBACHandler) AssignPermission(w http.ResponseWriter, r *http.Request) {
	claims := middleware.MustGetClaims(r.Context())

	var req rolePermissionRequest
	if err := helpers.DecodeJSON(r, &req); err != nil || req.PermissionID == "" {
		helpers.RespondOAuthError(w, http.StatusBadRequest, "invalid_request", "permissionId is required")
		return
	}

	roleID := chi.URLParam(r, "id")
	if err := h.engine.AssignPermissionToRole(r.Context(), claims.TenantID, roleID, req.PermissionID); err != nil {
		helpers.RespondError(w, err)
		return
	}
	helpers.RespondJSON(w, http.StatusOK, map[string]string{"status": "assigned"})
}

func (h *RBACHandler) ListRolePermissions(w http.ResponseWriter, r *http.Request) {
	claims := middleware.MustGetClaims(r.Context())

	perms, err := h.engine.ListRolePermissions(r.Context(), claims.TenantID, chi.URLParam(r, "id"))
	if err != nil {
		helpers.RespondError(w, err)
		return
	}
	if perms == nil {
		perms = []*rbac.Permission{}
	}
	helpers.RespondJSON(w, http.StatusOK, map[string]any{"permissions": perms})
}

func (h *RBACHandler) RemovePermission(w http.ResponseWriter, r *http.Request) {
	claims := middleware.MustGetClaims(r.Context())

	var req rolePermissionRequest
	if err := helpers.DecodeJSON(r, &req); err != nil || req.PermissionID == "" {
		helpers.RespondOAuthError(w, http.StatusBadRequest, "invalid_request", "permissionId is required")
		return
	}

	roleID := chi.URLParam(r, "id")
	if err := h.engine.RemovePermissionFromRole(r.Context(), claims.TenantID, roleID, req.PermissionID); err != nil {
		helpers.RespondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListPermissionDefinitions lists every permission defined for the
// tenant, tenant-wide and client-scoped alike.
func (h *RBACHandler) ListPermissionDefinitions(w http.ResponseWriter, r *http.Request) {
	claims := middleware.MustGetClaims(r.Context())

	perms, err := h.engine.ListPermissions(r.Context(), claims.TenantID)
	if err != nil {
		helpers.RespondError(w, err)
		return
	}
	if perms == nil {
		perms = []*rbac.Permission{}
	}
	helpers.RespondJSON(w, http.StatusOK, map[string]any{"permissions": perms})
}

// --- admin: user roles ---

type userRoleRequest struct {
	RoleID    string `json:"roleId"`
	ExpiresAt int64  `json:"expiresAt,omitempty"` // unix millis, 0 = never
}

func (h *RBACHandler) AssignUserRole(w http.ResponseWriter, r *http.Request) {
	claims := middleware.MustGetClaims(r.Context())
	userID := chi.URLParam(r, "userId")

	if userID == claims.Subject {
		helpers.RespondJSON(w, http.StatusForbidden, map[string]string{
			"error":             "self_assignment_denied",
			"error_description": "cannot change your own role assignments",
		})
		return
	}

	var req userRoleRequest
	if err := helpers.DecodeJSON(r, &req); err != nil || req.RoleID == "" {
		helpers.RespondOAuthError(w, http.StatusBadRequest, "invalid_request", "roleId is required")
		return
	}

	if err := h.engine.AssignRoleToUser(r.Context(), claims.TenantID, userID, req.RoleID, claims.Subject, req.ExpiresAt); err != nil {
		helpers.RespondError(w, err)
		return
	}
	helpers.RespondJSON(w, http.StatusOK, map[string]string{"status": "assigned"})
}

func (h *RBACHandler) ListUserRoles(w http.ResponseWriter, r *http.Request) {
	claims := middleware.MustGetClaims(r.Context())

	roles, err := h.engine.GetUserRoles(r.Context(), claims.TenantID, chi.URLParam(r, "userId"))
	if err != nil {
		helpers.RespondError(w, err)
		return
	}
	if roles == nil {
		roles = []*rbac.Role{}
	}
	helpers.RespondJSON(w, http.StatusOK, map[string]any{"roles": roles})
}

func (h *RBACHandler) RemoveUserRole(w http.ResponseWriter, r *http.Request) {
	claims := middleware.MustGetClaims(r.Context())
	userID := chi.URLParam(r, "userId")

	if userID == claims.Subject {
		helpers.RespondJSON(w, http.StatusForbidden, map[string]string{
			"error":             "self_assignment_denied",
			"error_description": "cannot change your own role assignments",
		})
		return
	}

	var req userRoleRequest
	if err := helpers.DecodeJSON(r, &req); err != nil || req.RoleID == "" {
		helpers.RespondOAuthError(w, http.StatusBadRequest, "invalid_request", "roleId is required")
		return
	}

	if err := h.engine.RemoveRoleFromUser(r.Context(), claims.TenantID, userID, req.RoleID); err != nil {
		helpers.RespondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- admin: client permissions ---

type permissionRequest struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

func (h *RBACHandler) CreateClientPermission(w http.ResponseWriter, r *http.Request) {
	claims := middleware.MustGetClaims(r.Context())

	var req permissionRequest
	if err := helpers.DecodeJSON(r, &req); err != nil {
		helpers.RespondOAuthError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}

	perm, err := h.engine.CreateClientPermission(r.Context(), claims.TenantID, chi.URLParam(r, "clientId"), req.Name, req.Description)
	if err != nil {
		helpers.RespondError(w, err)
		return
	}
	helpers.RespondJSON(w, http.StatusCreated, perm)
}

func (h *RBACHandler) ListClientPermissions(w http.ResponseWriter, r *http.Request) {
	claims := middleware.MustGetClaims(r.Context())

	perms, err := h.engine.ListClientPermissions(r.Context(), claims.TenantID, chi.URLParam(r, "clientId"))
	if err != nil {
		helpers.RespondError(w, err)
		return
	}
	if perms == nil {
		perms = []*rbac.Permission{}
	}
	helpers.RespondJSON(w, http.StatusOK, map[string]any{"permissions": perms})
}

func (h *RBACHandler) DeleteClientPermission(w http.ResponseWriter, r *http.Request) {
	claims := middleware.MustGetClaims(r.Context())

	var req rolePermissionRequest
	if err := helpers.DecodeJSON(r, &req); err != nil || req.PermissionID == "" {
		helpers.RespondOAuthError(w, http.StatusBadRequest, "invalid_request", "permissionId is required")
		return
	}

	if err := h.engine.DeletePermission(r.Context(), req.PermissionID, claims.TenantID); err != nil {
		helpers.RespondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
