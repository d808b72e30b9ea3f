package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/openauthd/openauthd/internal/api/helpers"
	"github.com/openauthd/openauthd/internal/session"
)

// SessionHandler serves the multi-account session endpoints. All of them
// authenticate through the encrypted session cookie, not bearer tokens.
type SessionHandler struct {
	sessions *session.Manager
	codec    *session.CookieCodec
}

func NewSessionHandler(sessions *session.Manager, codec *session.CookieCodec) *SessionHandler {
	return &SessionHandler{sessions: sessions, codec: codec}
}

// currentSession resolves the browser session from the cookie. Returns
// nil without writing a response when there is no valid session.
func (h *SessionHandler) currentSession(r *http.Request) *session.BrowserSession {
	cookie, err := r.Cookie(h.codec.Name())
	if err != nil {
		return nil
	}
	payload := h.codec.Decrypt(cookie.Value)
	if payload == nil {
		return nil
	}
	s, err := h.sessions.GetBrowserSession(r.Context(), payload.SID, payload.TID)
	if err != nil {
		slog.Error("session_lookup_failed", "error", err)
		return nil
	}
	return s
}

// refreshCookie reissues the cookie so the client sees the bumped version.
func (h *SessionHandler) refreshCookie(w http.ResponseWriter, s *session.BrowserSession) {
	value, err := h.codec.Encrypt(session.CookiePayload{
		SID: s.ID,
		TID: s.TenantID,
		V:   s.Version,
		IAT: time.Now().UnixMilli(),
	})
	if err != nil {
		slog.Error("session_cookie_encrypt_failed", "session_id", s.ID, "error", err)
		return
	}
	http.SetCookie(w, h.codec.Cookie(value))
}

type accountView struct {
	UserID          string `json:"userId"`
	IsActive        bool   `json:"isActive"`
	SubjectType     string `json:"subjectType,omitempty"`
	AuthenticatedAt int64  `json:"authenticatedAt"`
	ExpiresAt       int64  `json:"expiresAt"`
}

// GetAccounts lists the accounts held by the browser session.
func (h *SessionHandler) GetAccounts(w http.ResponseWriter, r *http.Request) {
	s := h.currentSession(r)
	if s == nil {
		helpers.RespondOAuthError(w, http.StatusUnauthorized, "session_not_found", "no active browser session")
		return
	}

	accounts := make([]accountView, 0, len(s.AccountUserIDs))
	for _, userID := range s.AccountUserIDs {
		a, err := h.sessions.GetAccountSession(r.Context(), s.ID, userID)
		if err != nil {
			helpers.RespondError(w, err)
			return
		}
		if a == nil {
			continue // expired, lazily cleaned
		}
		accounts = append(accounts, accountView{
			UserID:          a.UserID,
			IsActive:        a.IsActive,
			SubjectType:     a.SubjectType,
			AuthenticatedAt: a.AuthenticatedAt,
			ExpiresAt:       a.ExpiresAt,
		})
	}

	helpers.RespondJSON(w, http.StatusOK, map[string]any{
		"sessionId":    s.ID,
		"tenantId":     s.TenantID,
		"activeUserId": s.ActiveUserID,
		"accounts":     accounts,
	})
}

type switchRequest struct {
	UserID string `json:"userId"`
}

// Switch makes another logged-in account the active one.
func (h *SessionHandler) Switch(w http.ResponseWriter, r *http.Request) {
	s := h.currentSession(r)
	if s == nil {
		helpers.RespondOAuthError(w, http.StatusUnauthorized, "session_not_found", "no active browser session")
		return
	}

	var req switchRequest
	if err := helpers.DecodeJSON(r, &req); err != nil {
		helpers.RespondOAuthError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}
	if req.UserID == "" {
		helpers.RespondOAuthError(w, http.StatusBadRequest, "invalid_request", "userId is required")
		return
	}

	updated, err := h.sessions.SwitchActiveAccount(r.Context(), s.ID, req.UserID)
	if err != nil {
		helpers.RespondError(w, err)
		return
	}

	h.refreshCookie(w, updated)
	helpers.RespondJSON(w, http.StatusOK, map[string]any{
		"activeUserId": updated.ActiveUserID,
		"version":      updated.Version,
	})
}

// RemoveAccount logs one user out of the session.
func (h *SessionHandler) RemoveAccount(w http.ResponseWriter, r *http.Request) {
	s := h.currentSession(r)
	if s == nil {
		helpers.RespondOAuthError(w, http.StatusUnauthorized, "session_not_found", "no active browser session")
		return
	}
	userID := chi.URLParam(r, "userId")

	updated, err := h.sessions.RemoveAccount(r.Context(), s.ID, userID)
	if err != nil {
		helpers.RespondError(w, err)
		return
	}

	h.refreshCookie(w, updated)
	helpers.RespondJSON(w, http.StatusOK, map[string]any{
		"activeUserId": updated.ActiveUserID,
		"accountCount": len(updated.AccountUserIDs),
	})
}

// RemoveAll logs every user out but keeps the browser session alive.
func (h *SessionHandler) RemoveAll(w http.ResponseWriter, r *http.Request) {
	s := h.currentSession(r)
	if s == nil {
		helpers.RespondOAuthError(w, http.StatusUnauthorized, "session_not_found", "no active browser session")
		return
	}

	updated, err := h.sessions.RemoveAllAccounts(r.Context(), s.ID)
	if err != nil {
		helpers.RespondError(w, err)
		return
	}

	h.refreshCookie(w, updated)
	helpers.RespondJSON(w, http.StatusOK, map[string]any{
		"activeUserId": "",
		"accountCount": 0,
	})
}

// Check is the CORS-permissive session probe used by embedding frontends.
// It never fails: an absent or invalid cookie reads as inactive.
func (h *SessionHandler) Check(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	s := h.currentSession(r)
	if s == nil {
		helpers.RespondJSON(w, http.StatusOK, map[string]any{"active": false})
		return
	}

	helpers.RespondJSON(w, http.StatusOK, map[string]any{
		"active":       true,
		"sessionId":    s.ID,
		"tenantId":     s.TenantID,
		"activeUserId": s.ActiveUserID,
		"accountCount": len(s.AccountUserIDs),
	})
}
