// Package mongo provides a MongoDB-backed plan cache. Each entry is one
// document keyed by the cache digest, replaced wholesale on write so
// concurrent kernels converge on the latest plan.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"goa.design/parserator/runtime/plan"
	"goa.design/parserator/runtime/plancache"
)

const (
	defaultCollection = "parserator_plans"
	defaultOpTimeout  = 5 * time.Second
)

type (
	// Options configures the cache.
	Options struct {
		// Client is the connected Mongo client. Required.
		Client *mongodriver.Client
		// Database is the database name. Required.
		Database string
		// Collection overrides the default collection name.
		Collection string
		// Timeout bounds each storage operation. Defaults to 5s.
		Timeout time.Duration
		// Policy tunes admission and staleness.
		Policy plancache.Policy
	}

	// Cache implements plancache.Cache on top of MongoDB.
	Cache struct {
		coll    collection
		timeout time.Duration
		policy  plancache.Policy
		now     func() time.Time
	}

	// collection is the subset of *mongodriver.Collection used by the cache.
	collection interface {
		FindOne(ctx context.Context, filter any, opts ...options.Lister[options.FindOneOptions]) *mongodriver.SingleResult
		ReplaceOne(ctx context.Context, filter any, replacement any, opts ...options.Lister[options.ReplaceOptions]) (*mongodriver.UpdateResult, error)
		DeleteOne(ctx context.Context, filter any, opts ...options.Lister[options.DeleteOneOptions]) (*mongodriver.DeleteResult, error)
		DeleteMany(ctx context.Context, filter any, opts ...options.Lister[options.DeleteManyOptions]) (*mongodriver.DeleteResult, error)
	}

	document struct {
		Key      string           `bson:"_id"`
		Entry    *plancache.Entry `bson:"entry"`
		Profile  string           `bson:"profile,omitempty"`
		StoredAt time.Time        `bson:"storedAt"`
	}
)

var _ plancache.Cache = (*Cache)(nil)

// New constructs a Mongo-backed plan cache and ensures the profile index
// used by Clear.
func New(opts Options) (*Cache, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	name := opts.Collection
	if name == "" {
		name = defaultCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	coll := opts.Client.Database(opts.Database).Collection(name)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	index := mongodriver.IndexModel{Keys: bson.D{{Key: "profile", Value: 1}}}
	if _, err := coll.Indexes().CreateOne(ctx, index); err != nil {
		return nil, fmt.Errorf("mongo plan cache index: %w", err)
	}

	return newCacheWithCollection(coll, timeout, opts.Policy), nil
}

func newCacheWithCollection(coll collection, timeout time.Duration, policy plancache.Policy) *Cache {
	return &Cache{
		coll:    coll,
		timeout: timeout,
		policy:  policy,
		now:     time.Now,
	}
}

// Get returns the entry for key, or nil when absent. Plans served from the
// cache have their origin rewritten to cached. Entries older than the
// staleness window come back with Stale set.
func (c *Cache) Get(ctx context.Context, key string) (*plancache.Entry, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	var doc document
	if err := c.coll.FindOne(ctx, bson.M{"_id": key}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, nil
		}
		return nil, fmt.Errorf("mongo plan cache get: %w", err)
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
	doc := document{
		Key:      key,
		Entry:    cp,
		Profile:  cp.Profile,
		StoredAt: c.now().UTC(),
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	if _, err := c.coll.ReplaceOne(ctx, bson.M{"_id": key}, doc, options.Replace().SetUpsert(true)); err != nil {
		return fmt.Errorf("mongo plan cache set: %w", err)
	}
	return nil
}

// Delete removes the entry for key.
func (c *Cache) Delete(ctx context.Context, key string) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	if _, err := c.coll.DeleteOne(ctx, bson.M{"_id": key}); err != nil {
		return fmt.Errorf("mongo plan cache delete: %w", err)
	}
	return nil
}

// Clear removes all entries, or only those tagged with profile when profile
// is non-empty.
func (c *Cache) Clear(ctx context.Context, profile string) error {
	filter := bson.M{}
	if profile != "" {
		filter["profile"] = profile
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	if _, err := c.coll.DeleteMany(ctx, filter); err != nil {
		return fmt.Errorf("mongo plan cache clear: %w", err)
	}
	return nil
}

func (c *Cache) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}
