package session

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/openauthd/openauthd/internal/kv"
	"github.com/openauthd/openauthd/internal/oautherr"
)

// Storage keys (logical, before tenant-scoped wrapping is applied by the
// caller; the manager owns the full layout itself):
//
//	session/browser/{tenantId}/{sessionId}        -> BrowserSession
//	session/account/{browserSessionId}/{userId}   -> AccountSession
//	session/user/{tenantId}/{userId}/{sessionId}  -> userIndexEntry
var (
	keyBrowser = kv.Key{"session", "browser"}
	keyAccount = kv.Key{"session", "account"}
	keyUser    = kv.Key{"session", "user"}
)

// Config carries the session tunables.
type Config struct {
	MaxAccountsPerSession int           // default 3
	Lifetime              time.Duration // hard lifetime, default 7d
	SlidingWindow         time.Duration // activity refresh interval, default 1d
}

func (c Config) withDefaults() Config {
	if c.MaxAccountsPerSession <= 0 {
		c.MaxAccountsPerSession = 3
	}
	if c.Lifetime <= 0 {
		c.Lifetime = 7 * 24 * time.Hour
	}
	if c.SlidingWindow <= 0 {
		c.SlidingWindow = 24 * time.Hour
	}
	return c
}

// AccountLimiter resolves a tenant's account-per-session capacity.
// Implementations return def when the tenant has no override.
type AccountLimiter interface {
	MaxAccountsPerSession(ctx context.Context, tenantID string, def int) int
}

// RelationalWriter receives best-effort copies of every session mutation.
// The KV write is canonical: writer failures are logged and swallowed.
type RelationalWriter interface {
	UpsertBrowserSession(ctx context.Context, s *BrowserSession) error
	DeleteBrowserSession(ctx context.Context, sessionID string) error
	UpsertAccountSession(ctx context.Context, a *AccountSession) error
	DeleteAccountSession(ctx context.Context, browserSessionID, userID string) error
}

// Manager is the browser/account session state machine.
type Manager struct {
	store  kv.Store
	cfg    Config
	rel    RelationalWriter // optional
	limits AccountLimiter   // optional
	clock  clockwork.Clock
	log    *slog.Logger
}

// NewManager creates a session manager. rel may be nil.
func NewManager(store kv.Store, cfg Config, rel RelationalWriter, log *slog.Logger) *Manager {
	return &Manager{
		store: store,
		cfg:   cfg.withDefaults(),
		rel:   rel,
		clock: clockwork.NewRealClock(),
		log:   log,
	}
}

// WithClock replaces the clock, for tests.
func (m *Manager) WithClock(clock clockwork.Clock) *Manager {
	m.clock = clock
	return m
}

// WithLimits installs a per-tenant capacity source.
func (m *Manager) WithLimits(limits AccountLimiter) *Manager {
	m.limits = limits
	return m
}

// CreateBrowserSession starts a fresh session with version 1 and no
// accounts. The row TTL equals the hard lifetime.
func (m *Manager) CreateBrowserSession(ctx context.Context, tenantID, userAgent, ipAddress string) (*BrowserSession, error) {
	now := m.clock.Now().UnixMilli()
	s := &BrowserSession{
		ID:             uuid.NewString(),
		TenantID:       tenantID,
		CreatedAt:      now,
		LastActivity:   now,
		UserAgent:      userAgent,
		IPAddress:      ipAddress,
		Version:        1,
		AccountUserIDs: []string{},
	}
	if err := kv.SetJSON(ctx, m.store, keyBrowser.Append(tenantID, s.ID), s, m.cfg.Lifetime); err != nil {
		return nil, err
	}
	m.mirrorBrowser(ctx, s)
	return s, nil
}

// GetBrowserSession returns the session, or nil when absent or past its
// hard lifetime (in which case all derived rows are cleaned up). Reads
// inside the sliding window are non-mutating; beyond it, last_activity is
// refreshed and the row is rewritten with the REMAINING lifetime TTL so
// activity never extends the hard deadline.
func (m *Manager) GetBrowserSession(ctx context.Context, sessionID, tenantID string) (*BrowserSession, error) {
	var s BrowserSession
	found, err := kv.GetJSON(ctx, m.store, keyBrowser.Append(tenantID, sessionID), &s)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}

	now := m.clock.Now().UnixMilli()
	age := time.Duration(now-s.CreatedAt) * time.Millisecond
	if age > m.cfg.Lifetime {
		if err := m.destroySession(ctx, &s); err != nil {
			return nil, err
		}
		return nil, nil
	}

	idle := time.Duration(now-s.LastActivity) * time.Millisecond
	if idle > m.cfg.SlidingWindow {
		s.LastActivity = now
		s.Version++
		if err := m.writeBrowser(ctx, &s); err != nil {
			return nil, err
		}
	}
	return &s, nil
}

// AddAccountParams are the inputs for adding (or re-authenticating) an
// account in a browser session. TenantID is optional; when empty the
// owning session is found by scan.
type AddAccountParams struct {
	BrowserSessionID  string
	TenantID          string
	UserID            string
	SubjectType       string
	SubjectProperties map[string]any
	RefreshToken      string
	ClientID          string
	TTL               time.Duration
}

// AddAccount logs a user into the browser session. Re-authentication of a
// user already present refreshes their account row and makes it active
// without growing the account list; a genuinely new user beyond the
// capacity limit fails with max_accounts_exceeded.
func (m *Manager) AddAccount(ctx context.Context, params AddAccountParams) (*AccountSession, error) {
	s, err := m.resolveBrowserSession(ctx, params.BrowserSessionID, params.TenantID)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, oautherr.NotFound("session_not_found", "browser session %q not found", params.BrowserSessionID)
	}

	now := m.clock.Now().UnixMilli()
	expiresAt := now + params.TTL.Milliseconds()

	existing, err := m.GetAccountSession(ctx, s.ID, params.UserID)
	if err != nil {
		return nil, err
	}

	// An expired account row may have been lazily cleaned while its user id
	// is still listed; membership in the list is what counts for capacity.
	member := containsString(s.AccountUserIDs, params.UserID)
	if !member && len(s.AccountUserIDs) >= m.maxAccounts(ctx, s) {
		return nil, oautherr.Capacity("max_accounts_exceeded",
			"browser session already holds %d accounts", len(s.AccountUserIDs))
	}

	if err := m.deactivateAccounts(ctx, s, params.UserID); err != nil {
		return nil, err
	}

	account := existing
	if account == nil {
		account = &AccountSession{
			ID:               uuid.NewString(),
			BrowserSessionID: s.ID,
			UserID:           params.UserID,
		}
	}
	if !member {
		s.AccountUserIDs = append(s.AccountUserIDs, params.UserID)
	}
	account.IsActive = true
	account.AuthenticatedAt = now
	account.ExpiresAt = expiresAt
	account.SubjectType = params.SubjectType
	account.SubjectProperties = params.SubjectProperties
	account.RefreshToken = params.RefreshToken
	account.ClientID = params.ClientID

	if err := m.writeAccount(ctx, account, params.TTL); err != nil {
		return nil, err
	}
	if err := kv.SetJSON(ctx, m.store, keyUser.Append(s.TenantID, params.UserID, s.ID),
		userIndexEntry{SessionID: s.ID, TenantID: s.TenantID}, params.TTL); err != nil {
		return nil, err
	}

	s.ActiveUserID = params.UserID
	s.Version++
	if err := m.writeBrowser(ctx, s); err != nil {
		return nil, err
	}
	return account, nil
}

// GetAccountSession returns the account row, or nil. Expired rows are
// lazily deleted on read.
func (m *Manager) GetAccountSession(ctx context.Context, browserSessionID, userID string) (*AccountSession, error) {
	var a AccountSession
	found, err := kv.GetJSON(ctx, m.store, keyAccount.Append(browserSessionID, userID), &a)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	if m.clock.Now().UnixMilli() > a.ExpiresAt {
		if err := m.store.Remove(ctx, keyAccount.Append(browserSessionID, userID)); err != nil {
			return nil, err
		}
		m.mirrorAccountDelete(ctx, browserSessionID, userID)
		return nil, nil
	}
	return &a, nil
}

// SwitchActiveAccount makes userID the active account of the session.
func (m *Manager) SwitchActiveAccount(ctx context.Context, browserSessionID, userID string) (*BrowserSession, error) {
	s, err := m.findBrowserSessionByID(ctx, browserSessionID)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, oautherr.NotFound("session_not_found", "browser session %q not found", browserSessionID)
	}

	target, err := m.GetAccountSession(ctx, browserSessionID, userID)
	if err != nil {
		return nil, err
	}
	if target == nil {
		return nil, oautherr.NotFound("account_not_found", "user %q has no account in this session", userID)
	}

	if err := m.deactivateAccounts(ctx, s, userID); err != nil {
		return nil, err
	}
	target.IsActive = true
	if err := m.writeAccount(ctx, target, m.remainingTTL(target)); err != nil {
		return nil, err
	}

	s.ActiveUserID = userID
	s.LastActivity = m.clock.Now().UnixMilli()
	s.Version++
	if err := m.writeBrowser(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

// RemoveAccount logs a single user out of the session. If the removed
// account was active, the first remaining account becomes active.
func (m *Manager) RemoveAccount(ctx context.Context, browserSessionID, userID string) (*BrowserSession, error) {
	s, err := m.findBrowserSessionByID(ctx, browserSessionID)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, oautherr.NotFound("session_not_found", "browser session %q not found", browserSessionID)
	}

	if err := m.store.Remove(ctx, keyAccount.Append(browserSessionID, userID)); err != nil {
		return nil, err
	}
	if err := m.store.Remove(ctx, keyUser.Append(s.TenantID, userID, s.ID)); err != nil {
		return nil, err
	}
	m.mirrorAccountDelete(ctx, browserSessionID, userID)

	s.AccountUserIDs = removeString(s.AccountUserIDs, userID)
	if s.ActiveUserID == userID {
		s.ActiveUserID = ""
		if len(s.AccountUserIDs) > 0 {
			s.ActiveUserID = s.AccountUserIDs[0]
			if err := m.activateAccount(ctx, s.ID, s.ActiveUserID); err != nil {
				return nil, err
			}
		}
	}
	s.Version++
	if err := m.writeBrowser(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

// RemoveAllAccounts logs every user out but keeps the browser session row.
func (m *Manager) RemoveAllAccounts(ctx context.Context, browserSessionID string) (*BrowserSession, error) {
	s, err := m.findBrowserSessionByID(ctx, browserSessionID)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, oautherr.NotFound("session_not_found", "browser session %q not found", browserSessionID)
	}

	for _, userID := range s.AccountUserIDs {
		if err := m.store.Remove(ctx, keyAccount.Append(s.ID, userID)); err != nil {
			return nil, err
		}
		if err := m.store.Remove(ctx, keyUser.Append(s.TenantID, userID, s.ID)); err != nil {
			return nil, err
		}
		m.mirrorAccountDelete(ctx, s.ID, userID)
	}

	s.AccountUserIDs = []string{}
	s.ActiveUserID = ""
	s.Version++
	if err := m.writeBrowser(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

// RevokeUserSessions removes the user from every browser session of the
// tenant via the reverse index. Returns the number of sessions touched.
func (m *Manager) RevokeUserSessions(ctx context.Context, tenantID, userID string) (int, error) {
	entries, err := m.store.Scan(ctx, keyUser.Append(tenantID, userID))
	if err != nil {
		return 0, err
	}

	count := 0
	for _, e := range entries {
		var idx userIndexEntry
		if err := json.Unmarshal(e.Value, &idx); err != nil {
			m.log.Warn("session_index_undecodable", "key", kv.Encode(e.Key), "error", err)
			continue
		}
		if _, err := m.RemoveAccount(ctx, idx.SessionID, userID); err != nil {
			if oautherr.CodeIs(err, "session_not_found") {
				// Stale index pointing at an expired session; drop it.
				_ = m.store.Remove(ctx, e.Key)
				continue
			}
			return count, err
		}
		count++
	}
	return count, nil
}

// RevokeSpecificSession destroys one browser session entirely, including
// account rows and reverse-index entries. Returns whether a row existed.
func (m *Manager) RevokeSpecificSession(ctx context.Context, sessionID, tenantID string) (bool, error) {
	var s BrowserSession
	found, err := kv.GetJSON(ctx, m.store, keyBrowser.Append(tenantID, sessionID), &s)
	if err != nil {
		return false, err
	}
	if !found {
		return false, nil
	}
	if err := m.destroySession(ctx, &s); err != nil {
		return false, err
	}
	m.log.Info("session_revoked", "tenant_id", tenantID, "session_id", sessionID)
	return true, nil
}

// --- internals ---

// resolveBrowserSession reads the session directly when the tenant is
// known, otherwise falls back to a cross-tenant scan.
func (m *Manager) resolveBrowserSession(ctx context.Context, sessionID, tenantID string) (*BrowserSession, error) {
	if tenantID != "" {
		return m.GetBrowserSession(ctx, sessionID, tenantID)
	}
	return m.findBrowserSessionByID(ctx, sessionID)
}

func (m *Manager) findBrowserSessionByID(ctx context.Context, sessionID string) (*BrowserSession, error) {
	entries, err := m.store.Scan(ctx, keyBrowser)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if len(e.Key) == 4 && e.Key[3] == sessionID {
			// Re-read through the tenant-qualified path so hard-expiry
			// cleanup and the sliding window apply.
			return m.GetBrowserSession(ctx, sessionID, e.Key[2])
		}
	}
	return nil, nil
}

// deactivateAccounts clears is_active on every account row except keep.
func (m *Manager) deactivateAccounts(ctx context.Context, s *BrowserSession, keep string) error {
	for _, userID := range s.AccountUserIDs {
		if userID == keep {
			continue
		}
		var a AccountSession
		found, err := kv.GetJSON(ctx, m.store, keyAccount.Append(s.ID, userID), &a)
		if err != nil {
			return err
		}
		if !found || !a.IsActive {
			continue
		}
		a.IsActive = false
		if err := m.writeAccount(ctx, &a, m.remainingTTL(&a)); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) activateAccount(ctx context.Context, sessionID, userID string) error {
	var a AccountSession
	found, err := kv.GetJSON(ctx, m.store, keyAccount.Append(sessionID, userID), &a)
	if err != nil || !found {
		return err
	}
	a.IsActive = true
	return m.writeAccount(ctx, &a, m.remainingTTL(&a))
}

// destroySession removes the browser row plus every derived row.
func (m *Manager) destroySession(ctx context.Context, s *BrowserSession) error {
	accounts, err := m.store.Scan(ctx, keyAccount.Append(s.ID))
	if err != nil {
		return err
	}
	for _, e := range accounts {
		if err := m.store.Remove(ctx, e.Key); err != nil {
			return err
		}
		if len(e.Key) == 4 {
			userID := e.Key[3]
			if err := m.store.Remove(ctx, keyUser.Append(s.TenantID, userID, s.ID)); err != nil {
				return err
			}
			m.mirrorAccountDelete(ctx, s.ID, userID)
		}
	}
	if err := m.store.Remove(ctx, keyBrowser.Append(s.TenantID, s.ID)); err != nil {
		return err
	}
	if m.rel != nil {
		if err := m.rel.DeleteBrowserSession(ctx, s.ID); err != nil {
			m.log.Warn("session_dual_write_failed", "op", "delete_browser", "session_id", s.ID, "error", err)
		}
	}
	return nil
}

// writeBrowser persists the row with its REMAINING lifetime as TTL, so no
// rewrite can push the hard deadline out.
func (m *Manager) writeBrowser(ctx context.Context, s *BrowserSession) error {
	deadline := s.CreatedAt + m.cfg.Lifetime.Milliseconds()
	remaining := time.Duration(deadline-m.clock.Now().UnixMilli()) * time.Millisecond
	if remaining <= 0 {
		remaining = time.Millisecond
	}
	if err := kv.SetJSON(ctx, m.store, keyBrowser.Append(s.TenantID, s.ID), s, remaining); err != nil {
		return err
	}
	m.mirrorBrowser(ctx, s)
	return nil
}

func (m *Manager) writeAccount(ctx context.Context, a *AccountSession, ttl time.Duration) error {
	if err := kv.SetJSON(ctx, m.store, keyAccount.Append(a.BrowserSessionID, a.UserID), a, ttl); err != nil {
		return err
	}
	if m.rel != nil {
		if err := m.rel.UpsertAccountSession(ctx, a); err != nil {
			m.log.Warn("session_dual_write_failed", "op", "upsert_account", "session_id", a.BrowserSessionID, "error", err)
		}
	}
	return nil
}

func (m *Manager) mirrorBrowser(ctx context.Context, s *BrowserSession) {
	if m.rel == nil {
		return
	}
	if err := m.rel.UpsertBrowserSession(ctx, s); err != nil {
		m.log.Warn("session_dual_write_failed", "op", "upsert_browser", "session_id", s.ID, "error", err)
	}
}

func (m *Manager) mirrorAccountDelete(ctx context.Context, sessionID, userID string) {
	if m.rel == nil {
		return
	}
	if err := m.rel.DeleteAccountSession(ctx, sessionID, userID); err != nil {
		m.log.Warn("session_dual_write_failed", "op", "delete_account", "session_id", sessionID, "error", err)
	}
}

func (m *Manager) remainingTTL(a *AccountSession) time.Duration {
	remaining := time.Duration(a.ExpiresAt-m.clock.Now().UnixMilli()) * time.Millisecond
	if remaining <= 0 {
		remaining = time.Millisecond
	}
	return remaining
}

func (m *Manager) maxAccounts(ctx context.Context, s *BrowserSession) int {
	if m.limits == nil {
		return m.cfg.MaxAccountsPerSession
	}
	return m.limits.MaxAccountsPerSession(ctx, s.TenantID, m.cfg.MaxAccountsPerSession)
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func removeString(list []string, s string) []string {
	out := make([]string, 0, len(list))
	for _, v := range list {
		if v != s {
			out = append(out, v)
		}
	}
	return out
}
