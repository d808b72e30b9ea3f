package tenant

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PgStore mirrors tenant rows into Postgres so admin listings run over an
// indexed table instead of a KV scan.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore wraps a pgx pool.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

var _ Relational = (*PgStore)(nil)

func (p *PgStore) UpsertTenant(ctx context.Context, t *Tenant) error {
	branding, err := json.Marshal(t.Branding)
	if err != nil {
		return fmt.Errorf("encode branding: %w", err)
	}
	settings, err := json.Marshal(t.Settings)
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	_, err = p.pool.Exec(ctx, `
		INSERT INTO tenants (id, name, domain, status, branding, settings, created_at, updated_at)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			domain = EXCLUDED.domain,
			status = EXCLUDED.status,
			branding = EXCLUDED.branding,
			settings = EXCLUDED.settings,
			updated_at = EXCLUDED.updated_at`,
		t.ID, t.Name, t.Domain, string(t.Status), branding, settings, t.CreatedAt, t.UpdatedAt)
	return err
}

func (p *PgStore) ListTenants(ctx context.Context, status Status, limit, offset int) ([]Tenant, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, name, COALESCE(domain, ''), status, branding, settings, created_at, updated_at
		FROM tenants
		WHERE ($1 = '' OR status = $1)
		ORDER BY created_at, id
		LIMIT $2 OFFSET $3`, string(status), limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Tenant
	for rows.Next() {
		var t Tenant
		var branding, settings []byte
		if err := rows.Scan(&t.ID, &t.Name, &t.Domain, &t.Status, &branding, &settings, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, err
		}
		if len(branding) > 0 {
			if err := json.Unmarshal(branding, &t.Branding); err != nil {
				return nil, fmt.Errorf("decode branding for %s: %w", t.ID, err)
			}
		}
		if len(settings) > 0 {
			if err := json.Unmarshal(settings, &t.Settings); err != nil {
				return nil, fmt.Errorf("decode settings for %s: %w", t.ID, err)
			}
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
