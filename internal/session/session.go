// Package session implements multi-account browser sessions: the encrypted
// cookie transport, the KV-backed session state machine with sliding
// expiration, administrative revocation, and an optional relational
// dual-write for admin queries.
package session

// BrowserSession is the cookie-identified container for up to N account
// sessions. Version increases on every mutation; it is advisory (stale
// cookie detection), not a compare-and-swap token.
type BrowserSession struct {
	ID             string   `json:"id"`
	TenantID       string   `json:"tenant_id"`
	CreatedAt      int64    `json:"created_at"`    // unix millis
	LastActivity   int64    `json:"last_activity"` // unix millis
	UserAgent      string   `json:"user_agent,omitempty"`
	IPAddress      string   `json:"ip_address,omitempty"`
	Version        int      `json:"version"`
	ActiveUserID   string   `json:"active_user_id,omitempty"`
	AccountUserIDs []string `json:"account_user_ids"`
}

// AccountSession is one account logged into a browser session.
type AccountSession struct {
	ID                string         `json:"id"`
	BrowserSessionID  string         `json:"browser_session_id"`
	UserID            string         `json:"user_id"`
	IsActive          bool           `json:"is_active"`
	AuthenticatedAt   int64          `json:"authenticated_at"` // unix millis
	ExpiresAt         int64          `json:"expires_at"`       // unix millis
	SubjectType       string         `json:"subject_type,omitempty"`
	SubjectProperties map[string]any `json:"subject_properties,omitempty"`
	RefreshToken      string         `json:"refresh_token,omitempty"`
	ClientID          string         `json:"client_id,omitempty"`
}

// userIndexEntry is the reverse index row under
// session/user/{tenantId}/{userId}/{browserSessionId}.
type userIndexEntry struct {
	SessionID string `json:"sessionId"`
	TenantID  string `json:"tenantId"`
}
