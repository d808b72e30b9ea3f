package api

import (
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/openauthd/openauthd/internal/api/helpers"
	"github.com/openauthd/openauthd/internal/api/middleware"
	"github.com/openauthd/openauthd/internal/clients"
	"github.com/openauthd/openauthd/internal/issuer"
	"github.com/openauthd/openauthd/internal/keys"
	"github.com/openauthd/openauthd/internal/kv"
	"github.com/openauthd/openauthd/internal/session"
)

// Authorization codes are single-use and short-lived.
const authCodeTTL = 60 * time.Second

var keyAuthCode = kv.Key{"oauth", "code"}

// authCode is the state carried between /authorize and /token.
type authCode struct {
	TenantID    string         `json:"tenantId"`
	ClientID    string         `json:"clientId"`
	UserID      string         `json:"userId"`
	SessionID   string         `json:"sessionId"`
	RedirectURI string         `json:"redirectUri"`
	Scope       string         `json:"scope,omitempty"`
	SubjectType string         `json:"subjectType,omitempty"`
	Props       map[string]any `json:"props,omitempty"`
	CreatedAt   int64          `json:"createdAt"`
}

// OAuthHandler serves the OAuth 2.0 / OIDC protocol endpoints.
type OAuthHandler struct {
	clients    *clients.Registry
	issuer     *issuer.Issuer
	keys       *keys.Manager
	sessions   *session.Manager
	codec      *session.CookieCodec
	store      kv.Store
	issuerURL  string
	sessionTTL time.Duration
	legacyKeys []*keys.KeyPair
}

// OAuthHandlerConfig bundles the handler's collaborators.
type OAuthHandlerConfig struct {
	Clients    *clients.Registry
	Issuer     *issuer.Issuer
	Keys       *keys.Manager
	Sessions   *session.Manager
	Codec      *session.CookieCodec
	Store      kv.Store
	IssuerURL  string
	SessionTTL time.Duration
	LegacyKeys []*keys.KeyPair
}

func NewOAuthHandler(cfg OAuthHandlerConfig) *OAuthHandler {
	return &OAuthHandler{
		clients:    cfg.Clients,
		issuer:     cfg.Issuer,
		keys:       cfg.Keys,
		sessions:   cfg.Sessions,
		codec:      cfg.Codec,
		store:      cfg.Store,
		issuerURL:  strings.TrimRight(cfg.IssuerURL, "/"),
		sessionTTL: cfg.SessionTTL,
		legacyKeys: cfg.LegacyKeys,
	}
}

// Authorize handles the authorization-code front channel. The login UI
// itself lives in the provider layer: without an authenticated session
// cookie the request fails with login_required.
func (h *OAuthHandler) Authorize(w http.ResponseWriter, r *http.Request) {
	t := middleware.GetTenant(r.Context())
	if t == nil {
		helpers.RespondOAuthError(w, http.StatusBadRequest, "tenant_not_found", "no tenant could be resolved")
		return
	}

	q := r.URL.Query()
	if rt := q.Get("response_type"); rt != "code" {
		helpers.RespondOAuthError(w, http.StatusBadRequest, "unsupported_response_type", "only response_type=code is supported")
		return
	}
	clientID := q.Get("client_id")
	if clientID == "" {
		helpers.RespondOAuthError(w, http.StatusBadRequest, "invalid_request", "client_id is required")
		return
	}

	client, err := h.clients.GetClient(r.Context(), clientID, t.ID)
	if err != nil {
		helpers.RespondError(w, err)
		return
	}
	if client == nil {
		helpers.RespondOAuthError(w, http.StatusBadRequest, "invalid_client", "unknown client")
		return
	}
	if !client.Enabled {
		helpers.RespondOAuthError(w, http.StatusForbidden, "client_disabled", "client is disabled")
		return
	}
	if !hasGrant(client, "authorization_code") {
		helpers.RespondOAuthError(w, http.StatusBadRequest, "unauthorized_client", "client may not use the authorization_code grant")
		return
	}

	redirectURI := q.Get("redirect_uri")
	if redirectURI == "" && len(client.RedirectURIs) == 1 {
		redirectURI = client.RedirectURIs[0]
	}
	if !containsURI(client.RedirectURIs, redirectURI) {
		helpers.RespondOAuthError(w, http.StatusBadRequest, "invalid_redirect_uri", "redirect_uri is not registered for this client")
		return
	}

	// The account on the session is the authenticated subject.
	payload := h.cookiePayload(r)
	if payload == nil || payload.TID != t.ID {
		helpers.RespondOAuthError(w, http.StatusUnauthorized, "login_required", "no authenticated session for this tenant")
		return
	}
	s, err := h.sessions.GetBrowserSession(r.Context(), payload.SID, t.ID)
	if err != nil {
		helpers.RespondError(w, err)
		return
	}
	if s == nil || s.ActiveUserID == "" {
		helpers.RespondOAuthError(w, http.StatusUnauthorized, "login_required", "no authenticated session for this tenant")
		return
	}
	account, err := h.sessions.GetAccountSession(r.Context(), s.ID, s.ActiveUserID)
	if err != nil {
		helpers.RespondError(w, err)
		return
	}
	if account == nil {
		helpers.RespondOAuthError(w, http.StatusUnauthorized, "login_required", "active account has expired")
		return
	}

	code, err := clients.NewSecret()
	if err != nil {
		helpers.RespondError(w, err)
		return
	}
	record := authCode{
		TenantID:    t.ID,
		ClientID:    client.ID,
		UserID:      account.UserID,
		SessionID:   s.ID,
		RedirectURI: redirectURI,
		Scope:       q.Get("scope"),
		SubjectType: account.SubjectType,
		Props:       account.SubjectProperties,
		CreatedAt:   time.Now().UnixMilli(),
	}
	if err := kv.SetJSON(r.Context(), h.store, keyAuthCode.Append(code), record, authCodeTTL); err != nil {
		helpers.RespondError(w, err)
		return
	}

	target, err := url.Parse(redirectURI)
	if err != nil {
		helpers.RespondOAuthError(w, http.StatusBadRequest, "invalid_redirect_uri", "redirect_uri is not a valid URL")
		return
	}
	params := target.Query()
	params.Set("code", code)
	if state := q.Get("state"); state != "" {
		params.Set("state", state)
	}
	target.RawQuery = params.Encode()

	http.Redirect(w, r, target.String(), http.StatusFound)
}

// Token handles the token endpoint: authorization_code exchange and the
// client_credentials grant. Client authentication accepts basic auth or
// form credentials.
func (h *OAuthHandler) Token(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		helpers.RespondOAuthError(w, http.StatusBadRequest, "invalid_request", "malformed form body")
		return
	}

	clientID, clientSecret := clientCredentials(r)
	if clientID == "" || clientSecret == "" {
		helpers.RespondOAuthError(w, http.StatusUnauthorized, "invalid_client", "client authentication is required")
		return
	}

	client, err := h.clients.VerifyCredentials(r.Context(), clientID, clientSecret)
	if err != nil {
		helpers.RespondError(w, err)
		return
	}
	if client == nil {
		slog.Warn("client_authentication_failed", "client_id", clientID)
		helpers.RespondOAuthError(w, http.StatusUnauthorized, "invalid_client", "client authentication failed")
		return
	}
	if !client.Enabled {
		helpers.RespondOAuthError(w, http.StatusForbidden, "client_disabled", "client is disabled")
		return
	}

	grantType := r.PostFormValue("grant_type")
	switch grantType {
	case "authorization_code":
		h.exchangeCode(w, r, client)
	case "client_credentials":
		h.clientCredentialsGrant(w, r, client)
	default:
		helpers.RespondOAuthError(w, http.StatusBadRequest, "unsupported_grant_type", "unsupported grant_type")
	}
}

func (h *OAuthHandler) exchangeCode(w http.ResponseWriter, r *http.Request, client *clients.OAuthClient) {
	if !hasGrant(client, "authorization_code") {
		helpers.RespondOAuthError(w, http.StatusBadRequest, "unauthorized_client", "client may not use the authorization_code grant")
		return
	}

	code := r.PostFormValue("code")
	if code == "" {
		helpers.RespondOAuthError(w, http.StatusBadRequest, "invalid_request", "code is required")
		return
	}

	var record authCode
	found, err := kv.GetJSON(r.Context(), h.store, keyAuthCode.Append(code), &record)
	if err != nil {
		helpers.RespondError(w, err)
		return
	}
	// Single use: remove before validating so a replay always fails.
	if found {
		if err := h.store.Remove(r.Context(), keyAuthCode.Append(code)); err != nil {
			helpers.RespondError(w, err)
			return
		}
	}
	if !found || record.ClientID != client.ID {
		helpers.RespondOAuthError(w, http.StatusBadRequest, "invalid_grant", "authorization code is invalid or expired")
		return
	}
	if uri := r.PostFormValue("redirect_uri"); uri != "" && uri != record.RedirectURI {
		helpers.RespondOAuthError(w, http.StatusBadRequest, "invalid_grant", "redirect_uri does not match the authorization request")
		return
	}

	email, _ := record.Props["email"].(string)
	tokens, _, err := h.issuer.OnAuthenticationSuccess(r.Context(), issuer.SuccessParams{
		TenantID:         record.TenantID,
		BrowserSessionID: record.SessionID,
		ClientID:         client.ID,
		Scope:            record.Scope,
		Identity: issuer.ProviderIdentity{
			Provider:   record.SubjectType,
			Subject:    record.UserID,
			Email:      email,
			Properties: record.Props,
		},
		SessionTTL: h.sessionTTL,
	})
	if err != nil {
		helpers.RespondError(w, err)
		return
	}

	respondTokens(w, tokens)
}

func (h *OAuthHandler) clientCredentialsGrant(w http.ResponseWriter, r *http.Request, client *clients.OAuthClient) {
	if !hasGrant(client, "client_credentials") {
		helpers.RespondOAuthError(w, http.StatusBadRequest, "unauthorized_client", "client may not use the client_credentials grant")
		return
	}

	scope := r.PostFormValue("scope")
	if scope == "" {
		scope = strings.Join(client.Scopes, " ")
	}

	tokens, err := h.issuer.ClientCredentials(r.Context(), client.TenantID, client.ID, scope)
	if err != nil {
		helpers.RespondError(w, err)
		return
	}
	respondTokens(w, tokens)
}

// UserInfo returns the OIDC userinfo document for the bearer token.
func (h *OAuthHandler) UserInfo(w http.ResponseWriter, r *http.Request) {
	claims, err := middleware.GetClaims(r.Context())
	if err != nil {
		helpers.RespondOAuthError(w, http.StatusUnauthorized, "missing_token", "authorization is required")
		return
	}

	doc := map[string]any{
		"sub":       claims.Subject,
		"tenant_id": claims.TenantID,
	}
	if claims.Email != "" {
		doc["email"] = claims.Email
	}
	if len(claims.Roles) > 0 {
		doc["roles"] = claims.Roles
	}
	if len(claims.Permissions) > 0 {
		doc["permissions"] = claims.Permissions
	}
	helpers.RespondJSON(w, http.StatusOK, doc)
}

// Discovery serves /.well-known/openid-configuration.
func (h *OAuthHandler) Discovery(w http.ResponseWriter, r *http.Request) {
	helpers.RespondJSON(w, http.StatusOK, map[string]any{
		"issuer":                                h.issuerURL,
		"authorization_endpoint":                h.issuerURL + "/authorize",
		"token_endpoint":                        h.issuerURL + "/token",
		"userinfo_endpoint":                     h.issuerURL + "/userinfo",
		"jwks_uri":                              h.issuerURL + "/.well-known/jwks.json",
		"response_types_supported":              []string{"code"},
		"grant_types_supported":                 []string{"authorization_code", "client_credentials"},
		"subject_types_supported":               []string{"public"},
		"id_token_signing_alg_values_supported": []string{"ES256"},
		"token_endpoint_auth_methods_supported": []string{"client_secret_basic", "client_secret_post"},
	})
}

// JWKS serves the public signing keys, including any configured legacy
// verification-only keys.
func (h *OAuthHandler) JWKS(w http.ResponseWriter, r *http.Request) {
	doc, err := h.keys.JWKS(r.Context(), h.legacyKeys)
	if err != nil {
		helpers.RespondError(w, err)
		return
	}
	w.Header().Set("Cache-Control", "public, max-age=300")
	helpers.RespondJSON(w, http.StatusOK, doc)
}

func (h *OAuthHandler) cookiePayload(r *http.Request) *session.CookiePayload {
	cookie, err := r.Cookie(h.codec.Name())
	if err != nil {
		return nil
	}
	return h.codec.Decrypt(cookie.Value)
}

func respondTokens(w http.ResponseWriter, tokens *issuer.TokenSet) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	helpers.RespondJSON(w, http.StatusOK, tokens)
}

// clientCredentials pulls the client id/secret from basic auth or the
// form body, in that order.
func clientCredentials(r *http.Request) (string, string) {
	if id, secret, ok := r.BasicAuth(); ok {
		return id, secret
	}
	return r.PostFormValue("client_id"), r.PostFormValue("client_secret")
}

func hasGrant(client *clients.OAuthClient, grant string) bool {
	for _, g := range client.GrantTypes {
		if g == grant {
			return true
		}
	}
	return false
}

func containsURI(uris []string, uri string) bool {
	if uri == "" {
		return false
	}
	for _, u := range uris {
		if u == uri {
			return true
		}
	}
	return false
}
