// Package redis provides a Redis-backed plan cache. Entries are stored as
// JSON under a configurable key prefix so multiple kernels can share one
// Redis deployment. Staleness is computed client-side from the stored
// timestamp; Redis TTLs handle hard expiry when configured.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"goa.design/parserator/runtime/plan"
	"goa.design/parserator/runtime/plancache"
)

type (
	// Commands is the subset of the go-redis API used by the cache. It is
	// satisfied by *redis.Client and *redis.ClusterClient.
	Commands interface {
		Get(ctx context.Context, key string) *redis.StringCmd
		Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
		Del(ctx context.Context, keys ...string) *redis.IntCmd
		Scan(ctx context.Context, cursor uint64, match string, count int64) *redis.ScanCmd
	}

	// Options configures the cache.
	Options struct {
		// KeyPrefix namespaces cache keys. Defaults to "parserator:plan:".
		KeyPrefix string
		// TTL sets a hard Redis expiry on entries. Zero stores entries
		// without expiry.
		TTL time.Duration
		// Policy tunes admission and staleness.
		Policy plancache.Policy
	}

	// Cache implements plancache.Cache on top of Redis.
	Cache struct {
		rdb    Commands
		prefix string
		ttl    time.Duration
		policy plancache.Policy
		now    func() time.Time
	}

	// document is the stored wire form. StoredAt drives client-side
	// staleness independently of the entry's UpdatedAt string.
	document struct {
		Entry    *plancache.Entry `json:"entry"`
		StoredAt time.Time        `json:"storedAt"`
	}
)

var _ plancache.Cache = (*Cache)(nil)

const defaultKeyPrefix = "parserator:plan:"

// New constructs a Redis-backed plan cache.
func New(rdb Commands, opts Options) (*Cache, error) {
	if rdb == nil {
		return nil, errors.New("redis client is required")
	}
	prefix := opts.KeyPrefix
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &Cache{
		rdb:    rdb,
		prefix: prefix,
		ttl:    opts.TTL,
		policy: opts.Policy,
		now:    time.Now,
	}, nil
}

// Get returns the entry for key, or nil when absent. Plans served from the
// cache have their origin rewritten to cached. Entries older than the
// staleness window come back with Stale set.
func (c *Cache) Get(ctx context.Context, key string) (*plancache.Entry, error) {
	raw, err := c.rdb.Get(ctx, c.prefix+key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("redis plan cache get: %w", err)
	}
	var doc document
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, fmt.Errorf("redis plan cache decode: %w", err)
	}
	entry := doc.Entry
	if entry == nil || entry.Plan == nil {
		return nil, nil
	}
	entry.Plan.Metadata.Origin = plan.OriginCached
	if c.policy.StaleAfter > 0 && c.now().Sub(doc.StoredAt) > c.policy.StaleAfter {
		entry.Stale = true
	}
	return entry, nil
}

// Set stores the entry under key. Writes below the policy confidence floor
// are silently rejected, matching the in-memory cache.
func (c *Cache) Set(ctx context.Context, key string, entry *plancache.Entry) error {
	if entry == nil || entry.Plan == nil {
		return nil
	}
	if c.policy.MinConfidence > 0 && entry.Confidence < c.policy.MinConfidence {
		return nil
	}
	cp := entry.Clone()
	if cp.UpdatedAt == "" {
		cp.UpdatedAt = c.now().UTC().Format(time.RFC3339Nano)
	}
	raw, err := json.Marshal(document{Entry: cp, StoredAt: c.now().UTC()})
	if err != nil {
		return fmt.Errorf("redis plan cache encode: %w", err)
	}
	if err := c.rdb.Set(ctx, c.prefix+key, raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis plan cache set: %w", err)
	}
	return nil
}

// Delete removes the entry for key.
func (c *Cache) Delete(ctx context.Context, key string) error {
	if err := c.rdb.Del(ctx, c.prefix+key).Err(); err != nil {
		return fmt.Errorf("redis plan cache delete: %w", err)
	}
	return nil
}

// Clear removes all entries under the prefix, or only those tagged with
// profile when profile is non-empty. Profile filtering fetches each entry,
// so clearing by profile is linear in the keyspace.
func (c *Cache) Clear(ctx context.Context, profile string) error {
	var cursor uint64
	for {
		keys, next, err := c.rdb.Scan(ctx, cursor, c.prefix+"*", 100).Result()
		if err != nil {
			return fmt.Errorf("redis plan cache scan: %w", err)
		}
		for _, key := range keys {
			if profile != "" {
				raw, err := c.rdb.Get(ctx, key).Result()
				if err != nil {
					if errors.Is(err, redis.Nil) {
						continue
					}
					return fmt.Errorf("redis plan cache get: %w", err)
				}
				var doc document
				if err := json.Unmarshal([]byte(raw), &doc); err != nil {
					continue
				}
				if doc.Entry == nil || doc.Entry.Profile != profile {
					continue
				}
			}
			if err := c.rdb.Del(ctx, key).Err(); err != nil {
				return fmt.Errorf("redis plan cache delete: %w", err)
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}
