package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PgStore mirrors session mutations into Postgres so admin queries (list by
// user, list by tenant, expired cleanup) can run over an indexed table. The
// KV store remains canonical: callers swallow errors from this store.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore wraps a pgx pool.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

var _ RelationalWriter = (*PgStore)(nil)

func (p *PgStore) UpsertBrowserSession(ctx context.Context, s *BrowserSession) error {
	accountIDs, err := json.Marshal(s.AccountUserIDs)
	if err != nil {
		return fmt.Errorf("encode account ids: %w", err)
	}
	_, err = p.pool.Exec(ctx, `
		INSERT INTO browser_sessions
			(id, tenant_id, created_at, last_activity, user_agent, ip_address, version, active_user_id, account_user_ids, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''), $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			last_activity = EXCLUDED.last_activity,
			version = EXCLUDED.version,
			active_user_id = EXCLUDED.active_user_id,
			account_user_ids = EXCLUDED.account_user_ids,
			updated_at = EXCLUDED.updated_at`,
		s.ID, s.TenantID, s.CreatedAt, s.LastActivity, s.UserAgent, s.IPAddress,
		s.Version, s.ActiveUserID, accountIDs, time.Now().UnixMilli())
	return err
}

func (p *PgStore) DeleteBrowserSession(ctx context.Context, sessionID string) error {
	_, err := p.pool.Exec(ctx, `DELETE FROM browser_sessions WHERE id = $1`, sessionID)
	if err != nil {
		return err
	}
	_, err = p.pool.Exec(ctx, `DELETE FROM account_sessions WHERE browser_session_id = $1`, sessionID)
	return err
}

func (p *PgStore) UpsertAccountSession(ctx context.Context, a *AccountSession) error {
	props, err := json.Marshal(a.SubjectProperties)
	if err != nil {
		return fmt.Errorf("encode subject properties: %w", err)
	}
	_, err = p.pool.Exec(ctx, `
		INSERT INTO account_sessions
			(id, browser_session_id, user_id, is_active, authenticated_at, expires_at, subject_type, subject_properties, refresh_token, client_id, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (browser_session_id, user_id) DO UPDATE SET
			is_active = EXCLUDED.is_active,
			authenticated_at = EXCLUDED.authenticated_at,
			expires_at = EXCLUDED.expires_at,
			subject_type = EXCLUDED.subject_type,
			subject_properties = EXCLUDED.subject_properties,
			refresh_token = EXCLUDED.refresh_token,
			client_id = EXCLUDED.client_id,
			updated_at = EXCLUDED.updated_at`,
		a.ID, a.BrowserSessionID, a.UserID, a.IsActive, a.AuthenticatedAt,
		a.ExpiresAt, a.SubjectType, props, a.RefreshToken, a.ClientID,
		time.Now().UnixMilli())
	return err
}

func (p *PgStore) DeleteAccountSession(ctx context.Context, browserSessionID, userID string) error {
	_, err := p.pool.Exec(ctx,
		`DELETE FROM account_sessions WHERE browser_session_id = $1 AND user_id = $2`,
		browserSessionID, userID)
	return err
}

// ListSessionsByUser returns every browser session holding an account for
// the user within the tenant. Admin-only path.
func (p *PgStore) ListSessionsByUser(ctx context.Context, tenantID, userID string) ([]BrowserSession, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT DISTINCT b.id, b.tenant_id, b.created_at, b.last_activity,
			COALESCE(b.user_agent, ''), COALESCE(b.ip_address, ''),
			b.version, COALESCE(b.active_user_id, ''), b.account_user_ids
		FROM browser_sessions b
		JOIN account_sessions a ON a.browser_session_id = b.id
		WHERE b.tenant_id = $1 AND a.user_id = $2
		ORDER BY b.last_activity DESC`, tenantID, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanBrowserSessions(rows)
}

// ListSessionsByTenant pages browser sessions of a tenant by recency.
func (p *PgStore) ListSessionsByTenant(ctx context.Context, tenantID string, limit, offset int) ([]BrowserSession, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.pool.Query(ctx, `
		SELECT id, tenant_id, created_at, last_activity,
			COALESCE(user_agent, ''), COALESCE(ip_address, ''),
			version, COALESCE(active_user_id, ''), account_user_ids
		FROM browser_sessions
		WHERE tenant_id = $1
		ORDER BY last_activity DESC
		LIMIT $2 OFFSET $3`, tenantID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanBrowserSessions(rows)
}

// CleanupExpired drops mirror rows past the given cutoff (unix millis).
// Returns the number of browser sessions removed.
func (p *PgStore) CleanupExpired(ctx context.Context, createdBefore int64) (int64, error) {
	tag, err := p.pool.Exec(ctx, `
		DELETE FROM browser_sessions WHERE created_at < $1`, createdBefore)
	if err != nil {
		return 0, err
	}
	_, err = p.pool.Exec(ctx, `DELETE FROM account_sessions WHERE expires_at < $1`, time.Now().UnixMilli())
	return tag.RowsAffected(), err
}

type pgRows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

func scanBrowserSessions(rows pgRows) ([]BrowserSession, error) {
	var out []BrowserSession
	for rows.Next() {
		var s BrowserSession
		var accountIDs []byte
		if err := rows.Scan(&s.ID, &s.TenantID, &s.CreatedAt, &s.LastActivity,
			&s.UserAgent, &s.IPAddress, &s.Version, &s.ActiveUserID, &accountIDs); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(accountIDs, &s.AccountUserIDs); err != nil {
			return nil, fmt.Errorf("decode account ids: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
