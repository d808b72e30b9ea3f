package kv

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultKeyNamespace prefixes every Redis key so the server can share an
// instance with other applications.
const DefaultKeyNamespace = "oa:"

// Redis is a Store backed by a Redis instance. TTLs are delegated to Redis
// key expiry.
type Redis struct {
	client    redis.UniversalClient
	namespace string
}

// NewRedis wraps an existing client with the default namespace.
func NewRedis(client redis.UniversalClient) *Redis {
	return &Redis{client: client, namespace: DefaultKeyNamespace}
}

// NewRedisFromURL dials the given redis:// URL.
func NewRedisFromURL(url string) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return NewRedis(redis.NewClient(opts)), nil
}

func (r *Redis) Get(ctx context.Context, key Key) ([]byte, error) {
	for _, encoded := range []string{Encode(key), EncodeLegacy(key)} {
		val, err := r.client.Get(ctx, r.namespace+encoded).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("redis get: %w", err)
		}
		return val, nil
	}
	return nil, ErrNotFound
}

func (r *Redis) Set(ctx context.Context, key Key, value []byte, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	pipe := r.client.TxPipeline()
	// Drop a legacy twin so a rewrite cannot leave a stale shadow entry.
	pipe.Del(ctx, r.namespace+EncodeLegacy(key))
	pipe.Set(ctx, r.namespace+Encode(key), value, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (r *Redis) Remove(ctx context.Context, key Key) error {
	if err := r.client.Del(ctx, r.namespace+Encode(key), r.namespace+EncodeLegacy(key)).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

func (r *Redis) Scan(ctx context.Context, prefix Key) ([]Entry, error) {
	patterns := []string{
		globEscape(r.namespace+Encode(prefix)) + globEscape(Separator) + "*",
		globEscape(r.namespace+EncodeLegacy(prefix)) + globEscape(LegacySeparator) + "*",
	}
	seen := map[string]struct{}{
		r.namespace + Encode(prefix):       {},
		r.namespace + EncodeLegacy(prefix): {},
	}

	var names []string
	// Exact matches first: the prefix itself may hold an entry.
	for name := range seen {
		names = append(names, name)
	}
	for _, pattern := range patterns {
		iter := r.client.Scan(ctx, 0, pattern, 256).Iterator()
		for iter.Next(ctx) {
			name := iter.Val()
			if _, dup := seen[name]; dup {
				continue
			}
			seen[name] = struct{}{}
			names = append(names, name)
		}
		if err := iter.Err(); err != nil {
			return nil, fmt.Errorf("redis scan: %w", err)
		}
	}

	var out []Entry
	for _, name := range names {
		val, err := r.client.Get(ctx, name).Bytes()
		if errors.Is(err, redis.Nil) {
			continue // expired between SCAN and GET
		}
		if err != nil {
			return nil, fmt.Errorf("redis get: %w", err)
		}
		decoded := Decode(strings.TrimPrefix(name, r.namespace))
		if !decoded.HasPrefix(prefix) {
			continue
		}
		out = append(out, Entry{Key: decoded, Value: val})
	}

	sort.Slice(out, func(i, j int) bool {
		return Encode(out[i].Key) < Encode(out[j].Key)
	})
	return out, nil
}

// globEscape neutralizes Redis MATCH metacharacters in literal key text.
func globEscape(s string) string {
	var b strings.Builder
	for _, c := range s {
		switch c {
		case '*', '?', '[', ']', '\\':
			b.WriteRune('\\')
		}
		b.WriteRune(c)
	}
	return b.String()
}
