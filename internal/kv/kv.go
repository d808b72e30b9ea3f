// Package kv provides the ordered key-value storage abstraction used by the
// core. Keys are ordered sequences of string segments; values are opaque
// JSON-serializable records. Two adapters exist: an in-memory store (the
// reference semantic for ordering and scans) and a Redis-backed store.
package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned by Get when no entry exists under the key.
var ErrNotFound = errors.New("kv: key not found")

// Key is an ordered sequence of string segments.
type Key []string

// Append returns a new key with extra segments appended.
func (k Key) Append(segments ...string) Key {
	out := make(Key, 0, len(k)+len(segments))
	out = append(out, k...)
	return append(out, segments...)
}

// HasPrefix reports whether k starts with the given prefix, segment-wise.
func (k Key) HasPrefix(prefix Key) bool {
	if len(prefix) > len(k) {
		return false
	}
	for i := range prefix {
		if k[i] != prefix[i] {
			return false
		}
	}
	return true
}

// Entry is a single scanned key/value pair.
type Entry struct {
	Key   Key
	Value []byte
}

// Store is the minimal ordered KV contract the core depends on.
// Set with ttl <= 0 stores without expiry. Remove of an absent key is a
// no-op. Scan returns entries under the given segment prefix in encoded
// key order, regardless of which key encoding they were written with.
type Store interface {
	Get(ctx context.Context, key Key) ([]byte, error)
	Set(ctx context.Context, key Key, value []byte, ttl time.Duration) error
	Remove(ctx context.Context, key Key) error
	Scan(ctx context.Context, prefix Key) ([]Entry, error)
}

// GetJSON reads the entry under key and unmarshals it into out.
// Returns false without error when the key is absent.
func GetJSON(ctx context.Context, s Store, key Key, out any) (bool, error) {
	raw, err := s.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("decode %q: %w", Encode(key), err)
	}
	return true, nil
}

// SetJSON marshals v and stores it under key.
func SetJSON(ctx context.Context, s Store, key Key, v any, ttl time.Duration) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %q: %w", Encode(key), err)
	}
	return s.Set(ctx, key, raw, ttl)
}
