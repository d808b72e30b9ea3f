package kv

import (
	"context"
	"time"
)

const tenantPrefix = "t"

// Scoped is a tenant-isolated view over a base Store. Every key is
// transparently prefixed with ["t", tenantID]; scans strip the prefix from
// returned keys. A view for one tenant cannot observe or mutate another
// tenant's data through these operations.
type Scoped struct {
	base     Store
	tenantID string
}

// NewScoped wraps base in a view for tenantID.
func NewScoped(base Store, tenantID string) *Scoped {
	return &Scoped{base: base, tenantID: tenantID}
}

// TenantID returns the tenant this view is bound to.
func (s *Scoped) TenantID() string { return s.tenantID }

func (s *Scoped) wrap(key Key) Key {
	return Key{tenantPrefix, s.tenantID}.Append(key...)
}

func (s *Scoped) Get(ctx context.Context, key Key) ([]byte, error) {
	return s.base.Get(ctx, s.wrap(key))
}

func (s *Scoped) Set(ctx context.Context, key Key, value []byte, ttl time.Duration) error {
	return s.base.Set(ctx, s.wrap(key), value, ttl)
}

func (s *Scoped) Remove(ctx context.Context, key Key) error {
	return s.base.Remove(ctx, s.wrap(key))
}

func (s *Scoped) Scan(ctx context.Context, prefix Key) ([]Entry, error) {
	entries, err := s.base.Scan(ctx, s.wrap(prefix))
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		// Strip the ["t", tenantID] discriminator.
		if len(e.Key) < 2 {
			continue
		}
		out = append(out, Entry{Key: e.Key[2:], Value: e.Value})
	}
	return out, nil
}
