package kv

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

type memoryItem struct {
	value   []byte
	expires time.Time // zero = no expiry
}

// Memory is an in-process Store. It is the reference implementation for
// ordering and scan semantics and backs the test suites of the other
// subsystems. Safe for concurrent use.
type Memory struct {
	mu    sync.RWMutex
	items map[string]memoryItem
	clock clockwork.Clock
}

// NewMemory creates an empty in-memory store using the real clock.
func NewMemory() *Memory {
	return NewMemoryWithClock(clockwork.NewRealClock())
}

// NewMemoryWithClock creates a store on an injected clock, so tests can
// advance time across TTL boundaries.
func NewMemoryWithClock(clock clockwork.Clock) *Memory {
	return &Memory{
		items: make(map[string]memoryItem),
		clock: clock,
	}
}

func (m *Memory) Get(ctx context.Context, key Key) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// The same logical key may exist under either encoding.
	for _, encoded := range []string{Encode(key), EncodeLegacy(key)} {
		item, ok := m.items[encoded]
		if !ok {
			continue
		}
		if m.expired(item) {
			delete(m.items, encoded)
			continue
		}
		out := make([]byte, len(item.value))
		copy(out, item.value)
		return out, nil
	}
	return nil, ErrNotFound
}

func (m *Memory) Set(ctx context.Context, key Key, value []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	item := memoryItem{value: append([]byte(nil), value...)}
	if ttl > 0 {
		item.expires = m.clock.Now().Add(ttl)
	}
	// Writers emit the current encoding only; drop any legacy twin so a
	// rewrite does not leave a stale shadow entry.
	delete(m.items, EncodeLegacy(key))
	m.items[Encode(key)] = item
	return nil
}

func (m *Memory) Remove(ctx context.Context, key Key) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, Encode(key))
	delete(m.items, EncodeLegacy(key))
	return nil
}

func (m *Memory) Scan(ctx context.Context, prefix Key) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Entry
	for encoded, item := range m.items {
		if m.expired(item) {
			delete(m.items, encoded)
			continue
		}
		decoded := Decode(encoded)
		if !decoded.HasPrefix(prefix) {
			continue
		}
		value := make([]byte, len(item.value))
		copy(value, item.value)
		out = append(out, Entry{Key: decoded, Value: value})
	}

	sort.Slice(out, func(i, j int) bool {
		return Encode(out[i].Key) < Encode(out[j].Key)
	})
	return out, nil
}

// SetEncoded writes a raw pre-encoded entry. It exists so tests and data
// migrations can plant legacy-encoded rows.
func (m *Memory) SetEncoded(encoded string, value []byte, ttl time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	item := memoryItem{value: append([]byte(nil), value...)}
	if ttl > 0 {
		item.expires = m.clock.Now().Add(ttl)
	}
	m.items[encoded] = item
}

// Len reports the number of live entries.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for encoded, item := range m.items {
		if m.expired(item) {
			delete(m.items, encoded)
			continue
		}
		n++
	}
	return n
}

func (m *Memory) expired(item memoryItem) bool {
	return !item.expires.IsZero() && m.clock.Now().After(item.expires)
}
