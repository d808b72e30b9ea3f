package api

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/openauthd/openauthd/internal/api/helpers"
	"github.com/openauthd/openauthd/internal/session"
)

// AdminSessionHandler serves operator-level session queries and
// revocation. Listings run over the relational mirror; revocation goes
// through the manager so the canonical KV rows are removed too.
type AdminSessionHandler struct {
	sessions *session.Manager
	queries  *session.PgStore
}

func NewAdminSessionHandler(sessions *session.Manager, queries *session.PgStore) *AdminSessionHandler {
	return &AdminSessionHandler{sessions: sessions, queries: queries}
}

// List returns a tenant's browser sessions, optionally narrowed to one
// user. Query params: tenantId (required), userId, limit, offset.
func (h *AdminSessionHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	tenantID := q.Get("tenantId")
	if tenantID == "" {
		helpers.RespondOAuthError(w, http.StatusBadRequest, "invalid_request", "tenantId is required")
		return
	}

	var (
		sessions []session.BrowserSession
		err      error
	)
	if userID := q.Get("userId"); userID != "" {
		sessions, err = h.queries.ListSessionsByUser(r.Context(), tenantID, userID)
	} else {
		limit, _ := strconv.Atoi(q.Get("limit"))
		offset, _ := strconv.Atoi(q.Get("offset"))
		sessions, err = h.queries.ListSessionsByTenant(r.Context(), tenantID, limit, offset)
	}
	if err != nil {
		helpers.RespondError(w, err)
		return
	}
	if sessions == nil {
		sessions = []session.BrowserSession{}
	}
	helpers.RespondJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

type revokeUserRequest struct {
	TenantID string `json:"tenantId"`
	UserID   string `json:"userId"`
}

// RevokeUser logs the user out of every browser session of the tenant.
func (h *AdminSessionHandler) RevokeUser(w http.ResponseWriter, r *http.Request) {
	var req revokeUserRequest
	if err := helpers.DecodeJSON(r, &req); err != nil {
		helpers.RespondOAuthError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}
	if req.TenantID == "" || req.UserID == "" {
		helpers.RespondOAuthError(w, http.StatusBadRequest, "invalid_request", "tenantId and userId are required")
		return
	}

	count, err := h.sessions.RevokeUserSessions(r.Context(), req.TenantID, req.UserID)
	if err != nil {
		helpers.RespondError(w, err)
		return
	}

	slog.Info("user_sessions_revoked", "tenant_id", req.TenantID, "user_id", req.UserID, "count", count)
	helpers.RespondJSON(w, http.StatusOK, map[string]any{"revoked": count})
}

type revokeSessionRequest struct {
	TenantID  string `json:"tenantId"`
	SessionID string `json:"sessionId"`
}

// RevokeSession destroys one browser session entirely.
func (h *AdminSessionHandler) RevokeSession(w http.ResponseWriter, r *http.Request) {
	var req revokeSessionRequest
	if err := helpers.DecodeJSON(r, &req); err != nil {
		helpers.RespondOAuthError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}
	if req.TenantID == "" || req.SessionID == "" {
		helpers.RespondOAuthError(w, http.StatusBadRequest, "invalid_request", "tenantId and sessionId are required")
		return
	}

	existed, err := h.sessions.RevokeSpecificSession(r.Context(), req.SessionID, req.TenantID)
	if err != nil {
		helpers.RespondError(w, err)
		return
	}
	helpers.RespondJSON(w, http.StatusOK, map[string]any{"revoked": existed})
}
