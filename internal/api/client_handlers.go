package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/openauthd/openauthd/internal/api/helpers"
	"github.com/openauthd/openauthd/internal/api/middleware"
	"github.com/openauthd/openauthd/internal/clients"
)

// ClientHandler serves OAuth client administration for the caller's
// tenant. The plaintext secret appears exactly twice: at create and at
// rotate.
type ClientHandler struct {
	registry *clients.Registry
}

func NewClientHandler(registry *clients.Registry) *ClientHandler {
	return &ClientHandler{registry: registry}
}

func (h *ClientHandler) Create(w http.ResponseWriter, r *http.Request) {
	claims := middleware.MustGetClaims(r.Context())

	var req clients.CreateRequest
	if err := helpers.DecodeJSON(r, &req); err != nil {
		helpers.RespondOAuthError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}

	client, secret, err := h.registry.CreateClient(r.Context(), claims.TenantID, req)
	if err != nil {
		helpers.RespondError(w, err)
		return
	}
	helpers.RespondJSON(w, http.StatusCreated, map[string]any{
		"client":        client,
		"client_secret": secret,
	})
}

func (h *ClientHandler) List(w http.ResponseWriter, r *http.Request) {
	claims := middleware.MustGetClaims(r.Context())
	q := r.URL.Query()

	opts := clients.ListOptions{Cursor: q.Get("cursor")}
	if limit := q.Get("limit"); limit != "" {
		opts.Limit, _ = strconv.Atoi(limit)
	}
	if enabled := q.Get("enabled"); enabled != "" {
		v := enabled == "true"
		opts.Enabled = &v
	}

	page, err := h.registry.ListClients(r.Context(), claims.TenantID, opts)
	if err != nil {
		helpers.RespondError(w, err)
		return
	}
	helpers.RespondJSON(w, http.StatusOK, page)
}

func (h *ClientHandler) Get(w http.ResponseWriter, r *http.Request) {
	claims := middleware.MustGetClaims(r.Context())

	client, err := h.registry.GetClient(r.Context(), chi.URLParam(r, "id"), claims.TenantID)
	if err != nil {
		helpers.RespondError(w, err)
		return
	}
	if client == nil {
		helpers.RespondOAuthError(w, http.StatusNotFound, "client_not_found", "client not found")
		return
	}
	helpers.RespondJSON(w, http.StatusOK, client)
}

type updateClientRequest struct {
	Name         *string        `json:"name,omitempty"`
	GrantTypes   []string       `json:"grant_types,omitempty"`
	Scopes       []string       `json:"scopes,omitempty"`
	RedirectURIs []string       `json:"redirect_uris,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	Enabled      *bool          `json:"enabled,omitempty"`
}

func (h *ClientHandler) Update(w http.ResponseWriter, r *http.Request) {
	claims := middleware.MustGetClaims(r.Context())

	var req updateClientRequest
	if err := helpers.DecodeJSON(r, &req); err != nil {
		helpers.RespondOAuthError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}

	client, err := h.registry.UpdateClient(r.Context(), chi.URLParam(r, "id"), claims.TenantID, clients.UpdateParams{
		Name:         req.Name,
		GrantTypes:   req.GrantTypes,
		Scopes:       req.Scopes,
		RedirectURIs: req.RedirectURIs,
		Metadata:     req.Metadata,
		Enabled:      req.Enabled,
	})
	if err != nil {
		helpers.RespondError(w, err)
		return
	}
	helpers.RespondJSON(w, http.StatusOK, client)
}

func (h *ClientHandler) Delete(w http.ResponseWriter, r *http.Request) {
	claims := middleware.MustGetClaims(r.Context())

	if err := h.registry.DeleteClient(r.Context(), chi.URLParam(r, "id"), claims.TenantID); err != nil {
		helpers.RespondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type rotateSecretRequest struct {
	GracePeriodSeconds int `json:"gracePeriodSeconds,omitempty"`
}

func (h *ClientHandler) RotateSecret(w http.ResponseWriter, r *http.Request) {
	claims := middleware.MustGetClaims(r.Context())

	var req rotateSecretRequest
	if r.ContentLength > 0 {
		if err := helpers.DecodeJSON(r, &req); err != nil {
			helpers.RespondOAuthError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
			return
		}
	}

	client, secret, err := h.registry.RotateSecret(r.Context(), chi.URLParam(r, "id"), claims.TenantID, req.GracePeriodSeconds)
	if err != nil {
		helpers.RespondError(w, err)
		return
	}
	helpers.RespondJSON(w, http.StatusOK, map[string]any{
		"client":        client,
		"client_secret": secret,
	})
}
