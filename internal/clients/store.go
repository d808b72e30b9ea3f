package clients

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ListQuery selects a page of clients ordered by created_at DESC, id DESC.
// The cursor fields are exclusive: rows strictly after the cursor position.
type ListQuery struct {
	Limit           int
	CursorCreatedAt int64
	CursorID        string
	Enabled         *bool
}

// Changes is the set of fields a partial update may touch. Nil slices and
// pointers mean "leave unchanged".
type Changes struct {
	Name         *string
	GrantTypes   []string
	Scopes       []string
	RedirectURIs []string
	Metadata     map[string]any
	Enabled      *bool
	UpdatedAt    int64
}

// SecretRotation is the atomic field set written by a rotation.
type SecretRotation struct {
	SecretHash              string
	PreviousSecretHash      string
	PreviousSecretExpiresAt int64
	RotatedAt               int64
	UpdatedAt               int64
}

// Store is the persistence contract of the client registry. The registry
// wraps every call in the resilience layer; implementations stay plain.
type Store interface {
	Insert(ctx context.Context, c *OAuthClient) error
	GetByID(ctx context.Context, id string) (*OAuthClient, error)
	GetByTenant(ctx context.Context, id, tenantID string) (*OAuthClient, error)
	NameTaken(ctx context.Context, tenantID, name, excludeID string) (bool, error)
	List(ctx context.Context, tenantID string, q ListQuery) ([]*OAuthClient, error)
	Update(ctx context.Context, id, tenantID string, ch Changes) error
	UpdateSecrets(ctx context.Context, id, tenantID string, rot SecretRotation) error
	Delete(ctx context.Context, id, tenantID string) (bool, error)
}

// PgStore implements Store on Postgres.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore wraps a pgx pool.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

var _ Store = (*PgStore)(nil)

const clientColumns = `id, tenant_id, name, client_secret_hash,
	COALESCE(previous_secret_hash, ''), COALESCE(previous_secret_expires_at, 0),
	COALESCE(rotated_at, 0), grant_types, scopes, redirect_uris, metadata,
	enabled, created_at, updated_at`

func (p *PgStore) Insert(ctx context.Context, c *OAuthClient) error {
	metadata, err := json.Marshal(c.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	_, err = p.pool.Exec(ctx, `
		INSERT INTO oauth_clients
			(id, tenant_id, name, client_secret_hash, grant_types, scopes, redirect_uris, metadata, enabled, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		c.ID, c.TenantID, c.Name, c.SecretHash, c.GrantTypes, c.Scopes,
		c.RedirectURIs, metadata, c.Enabled, c.CreatedAt, c.UpdatedAt)
	return err
}

func (p *PgStore) GetByID(ctx context.Context, id string) (*OAuthClient, error) {
	row := p.pool.QueryRow(ctx,
		`SELECT `+clientColumns+` FROM oauth_clients WHERE id = $1`, id)
	return scanClient(row)
}

func (p *PgStore) GetByTenant(ctx context.Context, id, tenantID string) (*OAuthClient, error) {
	row := p.pool.QueryRow(ctx,
		`SELECT `+clientColumns+` FROM oauth_clients WHERE id = $1 AND tenant_id = $2`, id, tenantID)
	return scanClient(row)
}

func (p *PgStore) NameTaken(ctx context.Context, tenantID, name, excludeID string) (bool, error) {
	var exists bool
	err := p.pool.QueryRow(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM oauth_clients WHERE tenant_id = $1 AND name = $2 AND id <> $3
		)`, tenantID, name, excludeID).Scan(&exists)
	return exists, err
}

func (p *PgStore) List(ctx context.Context, tenantID string, q ListQuery) ([]*OAuthClient, error) {
	sql := `SELECT ` + clientColumns + ` FROM oauth_clients WHERE tenant_id = $1`
	args := []any{tenantID}

	if q.CursorID != "" {
		sql += fmt.Sprintf(` AND (created_at, id) < ($%d, $%d)`, len(args)+1, len(args)+2)
		args = append(args, q.CursorCreatedAt, q.CursorID)
	}
	if q.Enabled != nil {
		sql += fmt.Sprintf(` AND enabled = $%d`, len(args)+1)
		args = append(args, *q.Enabled)
	}
	sql += fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT $%d`, len(args)+1)
	args = append(args, q.Limit)

	rows, err := p.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*OAuthClient
	for rows.Next() {
		c, err := scanClientRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (p *PgStore) Update(ctx context.Context, id, tenantID string, ch Changes) error {
	set := []string{}
	args := []any{}
	add := func(col string, v any) {
		args = append(args, v)
		set = append(set, fmt.Sprintf("%s = $%d", col, len(args)))
	}

	if ch.Name != nil {
		add("name", *ch.Name)
	}
	if ch.GrantTypes != nil {
		add("grant_types", ch.GrantTypes)
	}
	if ch.Scopes != nil {
		add("scopes", ch.Scopes)
	}
	if ch.RedirectURIs != nil {
		add("redirect_uris", ch.RedirectURIs)
	}
	if ch.Metadata != nil {
		metadata, err := json.Marshal(ch.Metadata)
		if err != nil {
			return fmt.Errorf("encode metadata: %w", err)
		}
		add("metadata", metadata)
	}
	if ch.Enabled != nil {
		add("enabled", *ch.Enabled)
	}
	if len(set) == 0 {
		return nil
	}
	add("updated_at", ch.UpdatedAt)

	args = append(args, id, tenantID)
	sql := fmt.Sprintf(`UPDATE oauth_clients SET %s WHERE id = $%d AND tenant_id = $%d`,
		strings.Join(set, ", "), len(args)-1, len(args))
	_, err := p.pool.Exec(ctx, sql, args...)
	return err
}

func (p *PgStore) UpdateSecrets(ctx context.Context, id, tenantID string, rot SecretRotation) error {
	_, err := p.pool.Exec(ctx, `
		UPDATE oauth_clients SET
			client_secret_hash = $1,
			previous_secret_hash = $2,
			previous_secret_expires_at = $3,
			rotated_at = $4,
			updated_at = $5
		WHERE id = $6 AND tenant_id = $7`,
		rot.SecretHash, rot.PreviousSecretHash, rot.PreviousSecretExpiresAt,
		rot.RotatedAt, rot.UpdatedAt, id, tenantID)
	return err
}

func (p *PgStore) Delete(ctx context.Context, id, tenantID string) (bool, error) {
	tag, err := p.pool.Exec(ctx,
		`DELETE FROM oauth_clients WHERE id = $1 AND tenant_id = $2`, id, tenantID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func scanClient(row pgx.Row) (*OAuthClient, error) {
	c, err := scanClientRow(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return c, err
}

func scanClientRow(row pgx.Row) (*OAuthClient, error) {
	var c OAuthClient
	var metadata []byte
	if err := row.Scan(&c.ID, &c.TenantID, &c.Name, &c.SecretHash,
		&c.PreviousSecretHash, &c.PreviousSecretExpiresAt, &c.RotatedAt,
		&c.GrantTypes, &c.Scopes, &c.RedirectURIs, &metadata,
		&c.Enabled, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &c.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
	}
	return &c, nil
}
