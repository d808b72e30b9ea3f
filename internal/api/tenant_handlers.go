package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/openauthd/openauthd/internal/api/helpers"
	"github.com/openauthd/openauthd/internal/tenant"
)

// TenantHandler serves the tenant administration endpoints.
type TenantHandler struct {
	registry *tenant.Registry
}

func NewTenantHandler(registry *tenant.Registry) *TenantHandler {
	return &TenantHandler{registry: registry}
}

type createTenantRequest struct {
	ID       string         `json:"id"`
	Name     string         `json:"name"`
	Domain   string         `json:"domain,omitempty"`
	Branding map[string]any `json:"branding,omitempty"`
	Settings map[string]any `json:"settings,omitempty"`
}

func (h *TenantHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createTenantRequest
	if err := helpers.DecodeJSON(r, &req); err != nil {
		helpers.RespondOAuthError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}

	t, err := h.registry.Create(r.Context(), tenant.CreateParams{
		ID:       req.ID,
		Name:     req.Name,
		Domain:   req.Domain,
		Branding: req.Branding,
		Settings: req.Settings,
	})
	if err != nil {
		helpers.RespondError(w, err)
		return
	}
	helpers.RespondJSON(w, http.StatusCreated, t)
}

func (h *TenantHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))

	tenants, err := h.registry.List(r.Context(), tenant.ListParams{
		Status: tenant.Status(q.Get("status")),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		helpers.RespondError(w, err)
		return
	}
	if tenants == nil {
		tenants = []tenant.Tenant{}
	}
	helpers.RespondJSON(w, http.StatusOK, map[string]any{"tenants": tenants})
}

func (h *TenantHandler) Get(w http.ResponseWriter, r *http.Request) {
	t, err := h.registry.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		helpers.RespondError(w, err)
		return
	}
	helpers.RespondJSON(w, http.StatusOK, t)
}

type updateTenantRequest struct {
	Name     *string        `json:"name,omitempty"`
	Domain   *string        `json:"domain,omitempty"`
	Status   *string        `json:"status,omitempty"`
	Branding map[string]any `json:"branding,omitempty"`
	Settings map[string]any `json:"settings,omitempty"`
}

func (h *TenantHandler) Update(w http.ResponseWriter, r *http.Request) {
	var req updateTenantRequest
	if err := helpers.DecodeJSON(r, &req); err != nil {
		helpers.RespondOAuthError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}

	patch := tenant.UpdateParams{
		Name:     req.Name,
		Domain:   req.Domain,
		Branding: req.Branding,
		Settings: req.Settings,
	}
	if req.Status != nil {
		status := tenant.Status(*req.Status)
		patch.Status = &status
	}

	t, err := h.registry.Update(r.Context(), chi.URLParam(r, "id"), patch)
	if err != nil {
		helpers.RespondError(w, err)
		return
	}
	helpers.RespondJSON(w, http.StatusOK, t)
}

func (h *TenantHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.registry.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		helpers.RespondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// UpdateBranding replaces the branding record wholesale.
func (h *TenantHandler) UpdateBranding(w http.ResponseWriter, r *http.Request) {
	var branding map[string]any
	if err := helpers.DecodeJSON(r, &branding); err != nil {
		helpers.RespondOAuthError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}
	t, err := h.registry.Update(r.Context(), chi.URLParam(r, "id"), tenant.UpdateParams{Branding: branding})
	if err != nil {
		helpers.RespondError(w, err)
		return
	}
	helpers.RespondJSON(w, http.StatusOK, t)
}

// UpdateSettings replaces the settings record wholesale.
func (h *TenantHandler) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	var settings map[string]any
	if err := helpers.DecodeJSON(r, &settings); err != nil {
		helpers.RespondOAuthError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}
	t, err := h.registry.Update(r.Context(), chi.URLParam(r, "id"), tenant.UpdateParams{Settings: settings})
	if err != nil {
		helpers.RespondError(w, err)
		return
	}
	helpers.RespondJSON(w, http.StatusOK, t)
}
