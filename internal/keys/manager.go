package keys

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"

	"github.com/jonboulle/clockwork"
	"github.com/openauthd/openauthd/internal/kv"
	"golang.org/x/sync/singleflight"
)

// PrimaryKeyID is the reserved key id denoting the active pair of a role.
// Racing generators all write this one id; readers converge on the last
// writer, and verifiers tolerate the overlap via the JWKS set.
const PrimaryKeyID = "primary"

// Storage layout: signing:key/{kid} and encryption:key/{kid}.
func rolePrefix(role Role) kv.Key {
	return kv.Key{string(role) + ":key"}
}

// Manager discovers, generates, and caches nothing: every lookup goes to
// storage, coalesced per (storage identity, role) by a process-local
// single-flight group.
type Manager struct {
	store   kv.Store
	storeID string
	group   singleflight.Group
	clock   clockwork.Clock
	log     *slog.Logger
}

// NewManager creates a key manager. storeID identifies the backing store
// so two managers over different stores never share a flight.
func NewManager(store kv.Store, storeID string, log *slog.Logger) *Manager {
	return &Manager{
		store:   store,
		storeID: storeID,
		clock:   clockwork.NewRealClock(),
		log:     log,
	}
}

// WithClock replaces the clock, for tests.
func (m *Manager) WithClock(clock clockwork.Clock) *Manager {
	m.clock = clock
	return m
}

// SigningKeys returns the usable signing pairs, newest first. The first
// element is the pair to sign with.
func (m *Manager) SigningKeys(ctx context.Context) ([]*KeyPair, error) {
	return m.lookup(ctx, RoleSigning)
}

// EncryptionKeys returns the usable encryption pairs, newest first.
func (m *Manager) EncryptionKeys(ctx context.Context) ([]*KeyPair, error) {
	return m.lookup(ctx, RoleEncryption)
}

func (m *Manager) lookup(ctx context.Context, role Role) ([]*KeyPair, error) {
	if !role.valid() {
		return nil, fmt.Errorf("unknown key role %q", role)
	}
	// The flight entry is removed when the call settles, so later callers
	// re-run the lookup and observe cross-process writes.
	v, err, _ := m.group.Do(m.storeID+"/"+string(role), func() (any, error) {
		return m.resolve(ctx, role)
	})
	if err != nil {
		return nil, err
	}
	return v.([]*KeyPair), nil
}

func (m *Manager) resolve(ctx context.Context, role Role) ([]*KeyPair, error) {
	now := m.clock.Now().UnixMilli()
	prefix := rolePrefix(role)

	// Fast path: the primary pair, when present and usable, is the answer.
	primary, err := m.read(ctx, prefix.Append(PrimaryKeyID))
	if err != nil {
		return nil, err
	}
	if primary != nil && !primary.IsExpired(now) {
		return []*KeyPair{primary}, nil
	}

	// Slow path: any stored pair for the role, newest first.
	pairs, err := m.scan(ctx, prefix)
	if err != nil {
		return nil, err
	}
	for _, p := range pairs {
		if !p.IsExpired(now) {
			return pairs, nil
		}
	}

	// Nothing usable: generate, write the primary slot, then re-read so
	// racing nodes converge on whatever is persisted now.
	generated, err := generate(role, now)
	if err != nil {
		return nil, err
	}
	if err := kv.SetJSON(ctx, m.store, prefix.Append(PrimaryKeyID), generated, 0); err != nil {
		return nil, fmt.Errorf("failed to store %s key: %w", role, err)
	}
	m.log.Info("key_generated", "role", string(role), "alg", generated.Alg)

	persisted, err := m.read(ctx, prefix.Append(PrimaryKeyID))
	if err != nil || persisted == nil {
		m.log.Warn("key_reread_failed", "role", string(role), "error", err)
		return []*KeyPair{generated}, nil
	}
	return []*KeyPair{persisted}, nil
}

func (m *Manager) read(ctx context.Context, key kv.Key) (*KeyPair, error) {
	var pair KeyPair
	found, err := kv.GetJSON(ctx, m.store, key, &pair)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return &pair, nil
}

// scan deserializes every pair under the prefix, skipping and logging rows
// that fail to decode, sorted by created descending.
func (m *Manager) scan(ctx context.Context, prefix kv.Key) ([]*KeyPair, error) {
	entries, err := m.store.Scan(ctx, prefix)
	if err != nil {
		return nil, err
	}
	pairs := make([]*KeyPair, 0, len(entries))
	for _, e := range entries {
		var pair KeyPair
		if err := json.Unmarshal(e.Value, &pair); err != nil {
			m.log.Warn("key_undecodable", "key", kv.Encode(e.Key), "error", err)
			continue
		}
		pairs = append(pairs, &pair)
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].Created > pairs[j].Created })
	return pairs, nil
}

// JWKS exports the public halves of the signing pairs plus any legacy
// verification-only pairs.
func (m *Manager) JWKS(ctx context.Context, legacy []*KeyPair) (map[string]any, error) {
	pairs, err := m.SigningKeys(ctx)
	if err != nil {
		return nil, err
	}
	pairs = append(pairs, legacy...)

	jwks := make([]any, 0, len(pairs))
	for _, p := range pairs {
		jwk, err := p.JWK()
		if err != nil {
			m.log.Warn("jwk_export_failed", "kid", p.ID, "error", err)
			continue
		}
		jwks = append(jwks, jwk)
	}
	return map[string]any{"keys": jwks}, nil
}
