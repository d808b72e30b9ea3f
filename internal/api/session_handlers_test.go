package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jonboulle/clockwork"
	"github.com/openauthd/openauthd/internal/api"
	"github.com/openauthd/openauthd/internal/kv"
	"github.com/openauthd/openauthd/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sessionEnv struct {
	router *chi.Mux
	mgr    *session.Manager
	codec  *session.CookieCodec
	clock  *clockwork.FakeClock
}

func newSessionEnv(t *testing.T) *sessionEnv {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.UnixMilli(1_700_000_000_000))
	store := kv.NewMemoryWithClock(clock)
	mgr := session.NewManager(store, session.Config{}, nil, slog.Default()).WithClock(clock)

	codec, err := session.NewCookieCodec(bytes.Repeat([]byte{0x2a}, 32), session.CookieConfig{
		Lifetime: time.Hour,
	})
	require.NoError(t, err)

	handler := api.NewSessionHandler(mgr, codec)
	r := chi.NewRouter()
	r.Get("/session/accounts", handler.GetAccounts)
	r.Post("/session/switch", handler.Switch)
	r.Delete("/session/accounts/{userId}", handler.RemoveAccount)
	r.Delete("/session/all", handler.RemoveAll)
	r.Get("/session/check", handler.Check)
	r.Options("/session/check", handler.Check)

	return &sessionEnv{router: r, mgr: mgr, codec: codec, clock: clock}
}

// seedSession creates a browser session with the given accounts logged in.
// The last account added is the active one.
func (e *sessionEnv) seedSession(t *testing.T, users ...string) *session.BrowserSession {
	t.Helper()
	ctx := context.Background()
	s, err := e.mgr.CreateBrowserSession(ctx, "acme", "Mozilla/5.0", "203.0.113.7")
	require.NoError(t, err)
	for _, userID := range users {
		_, err := e.mgr.AddAccount(ctx, session.AddAccountParams{
			BrowserSessionID: s.ID,
			TenantID:         "acme",
			UserID:           userID,
			SubjectType:      "user",
			TTL:              time.Hour,
		})
		require.NoError(t, err)
	}
	updated, err := e.mgr.GetBrowserSession(ctx, s.ID, "acme")
	require.NoError(t, err)
	return updated
}

func (e *sessionEnv) cookie(t *testing.T, s *session.BrowserSession) *http.Cookie {
	t.Helper()
	value, err := e.codec.Encrypt(session.CookiePayload{
		SID: s.ID,
		TID: s.TenantID,
		V:   s.Version,
		IAT: e.clock.Now().UnixMilli(),
	})
	require.NoError(t, err)
	return e.codec.Cookie(value)
}

func doJSON(t *testing.T, router http.Handler, method, path string, body string, cookie *http.Cookie) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if cookie != nil {
		req.AddCookie(cookie)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	var decoded map[string]any
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decoded))
	}
	return rec, decoded
}

func TestSessionAccounts_NoCookie(t *testing.T) {
	env := newSessionEnv(t)

	rec, body := doJSON(t, env.router, http.MethodGet, "/session/accounts", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "session_not_found", body["error"])
}

func TestSessionAccounts_ListsAccounts(t *testing.T) {
	env := newSessionEnv(t)
	s := env.seedSession(t, "u1", "u2")

	rec, body := doJSON(t, env.router, http.MethodGet, "/session/accounts", "", env.cookie(t, s))
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, s.ID, body["sessionId"])
	assert.Equal(t, "acme", body["tenantId"])
	assert.Equal(t, "u2", body["activeUserId"])

	accounts, ok := body["accounts"].([]any)
	require.True(t, ok)
	require.Len(t, accounts, 2)

	first := accounts[0].(map[string]any)
	assert.Equal(t, "u1", first["userId"])
	assert.Equal(t, false, first["isActive"])
}

func TestSessionSwitch(t *testing.T) {
	env := newSessionEnv(t)
	s := env.seedSession(t, "u1", "u2")

	rec, body := doJSON(t, env.router, http.MethodPost, "/session/switch", `{"userId":"u1"}`, env.cookie(t, s))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "u1", body["activeUserId"])

	// The refreshed cookie carries the bumped version.
	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	payload := env.codec.Decrypt(cookies[0].Value)
	require.NotNil(t, payload)
	assert.Equal(t, s.ID, payload.SID)
	assert.Greater(t, payload.V, s.Version)
}

func TestSessionSwitch_UnknownUser(t *testing.T) {
	env := newSessionEnv(t)
	s := env.seedSession(t, "u1")

	rec, body := doJSON(t, env.router, http.MethodPost, "/session/switch", `{"userId":"ghost"}`, env.cookie(t, s))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "account_not_found", body["error"])
}

func TestSessionRemoveAccount(t *testing.T) {
	env := newSessionEnv(t)
	s := env.seedSession(t, "u1", "u2")

	rec, body := doJSON(t, env.router, http.MethodDelete, "/session/accounts/u2", "", env.cookie(t, s))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), body["accountCount"])
	assert.Equal(t, "u1", body["activeUserId"])
}

func TestSessionRemoveAll(t *testing.T) {
	env := newSessionEnv(t)
	s := env.seedSession(t, "u1", "u2")

	rec, body := doJSON(t, env.router, http.MethodDelete, "/session/all", "", env.cookie(t, s))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(0), body["accountCount"])

	got, err := env.mgr.GetBrowserSession(context.Background(), s.ID, "acme")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Empty(t, got.AccountUserIDs)
}

func TestSessionCheck(t *testing.T) {
	env := newSessionEnv(t)

	rec, body := doJSON(t, env.router, http.MethodGet, "/session/check", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, false, body["active"])

	s := env.seedSession(t, "u1")
	rec, body = doJSON(t, env.router, http.MethodGet, "/session/check", "", env.cookie(t, s))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["active"])
	assert.Equal(t, "u1", body["activeUserId"])
	assert.Equal(t, float64(1), body["accountCount"])
}

func TestSessionCheck_Preflight(t *testing.T) {
	env := newSessionEnv(t)

	rec, _ := doJSON(t, env.router, http.MethodOptions, "/session/check", "", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestSession_TamperedCookieRejected(t *testing.T) {
	env := newSessionEnv(t)
	s := env.seedSession(t, "u1")

	cookie := env.cookie(t, s)
	cookie.Value = cookie.Value[:len(cookie.Value)-2] + "xx"

	rec, body := doJSON(t, env.router, http.MethodGet, "/session/accounts", "", cookie)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "session_not_found", body["error"])
}
