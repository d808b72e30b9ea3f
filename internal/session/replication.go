package session

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Queue-based replication contract. Messages carry a full row image plus
// the mutation timestamp; consumers apply them last-writer-wins: updates
// are guarded by updated_at < ts, deletes by updated_at <= ts. This is
// weaker than consensus and is documented as such; replacements must keep
// the LWW contract that existing deployments expect.

// ReplicationOp is the mutation kind carried by a message.
type ReplicationOp string

const (
	OpCreate ReplicationOp = "create"
	OpUpdate ReplicationOp = "update"
	OpDelete ReplicationOp = "delete"
)

// ReplicationMessage is the wire format of a replicated mutation.
type ReplicationMessage struct {
	Op        ReplicationOp   `json:"op"`
	Table     string          `json:"table"`
	Row       json.RawMessage `json:"row"`
	Timestamp int64           `json:"timestamp"` // unix millis
}

// Replicator applies replication messages to a replica Postgres.
type Replicator struct {
	pool *pgxpool.Pool
}

// NewReplicator wraps a replica pool.
func NewReplicator(pool *pgxpool.Pool) *Replicator {
	return &Replicator{pool: pool}
}

// Apply processes one message. Unknown tables are rejected; stale messages
// (older than the replica row) are silently dropped per LWW.
func (r *Replicator) Apply(ctx context.Context, msg ReplicationMessage) error {
	switch msg.Table {
	case "browser_sessions":
		return r.applyBrowserSession(ctx, msg)
	default:
		return fmt.Errorf("replication: unsupported table %q", msg.Table)
	}
}

func (r *Replicator) applyBrowserSession(ctx context.Context, msg ReplicationMessage) error {
	switch msg.Op {
	case OpCreate, OpUpdate:
		var s BrowserSession
		if err := json.Unmarshal(msg.Row, &s); err != nil {
			return fmt.Errorf("replication: decode row: %w", err)
		}
		accountIDs, err := json.Marshal(s.AccountUserIDs)
		if err != nil {
			return err
		}
		_, err = r.pool.Exec(ctx, `
			INSERT INTO browser_sessions
				(id, tenant_id, created_at, last_activity, user_agent, ip_address, version, active_user_id, account_user_ids, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''), $9, $10)
			ON CONFLICT (id) DO UPDATE SET
				last_activity = EXCLUDED.last_activity,
				version = EXCLUDED.version,
				active_user_id = EXCLUDED.active_user_id,
				account_user_ids = EXCLUDED.account_user_ids,
				updated_at = EXCLUDED.updated_at
			WHERE browser_sessions.updated_at < EXCLUDED.updated_at`,
			s.ID, s.TenantID, s.CreatedAt, s.LastActivity, s.UserAgent, s.IPAddress,
			s.Version, s.ActiveUserID, accountIDs, msg.Timestamp)
		return err

	case OpDelete:
		var key struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(msg.Row, &key); err != nil {
			return fmt.Errorf("replication: decode row: %w", err)
		}
		_, err := r.pool.Exec(ctx,
			`DELETE FROM browser_sessions WHERE id = $1 AND updated_at <= $2`,
			key.ID, msg.Timestamp)
		return err

	default:
		return fmt.Errorf("replication: unsupported op %q", msg.Op)
	}
}
