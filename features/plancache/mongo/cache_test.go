package mongo

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"goa.design/parserator/runtime/plan"
	"goa.design/parserator/runtime/plancache"
	"goa.design/parserator/runtime/schema"
)

// fakeCollection implements the collection subset over a plain map.
type fakeCollection struct {
	docs map[string]document
}

func newFakeCollection() *fakeCollection {
	return &fakeCollection{docs: make(map[string]document)}
}

func (f *fakeCollection) FindOne(_ context.Context, filter any, _ ...options.Lister[options.FindOneOptions]) *mongodriver.SingleResult {
	key := filter.(bson.M)["_id"].(string)
	doc, ok := f.docs[key]
	if !ok {
		// A nil document would surface ErrNilDocument instead of the
		// sentinel, so hand the constructor an empty one.
		return mongodriver.NewSingleResultFromDocument(bson.D{}, mongodriver.ErrNoDocuments, nil)
	}
	return mongodriver.NewSingleResultFromDocument(doc, nil, nil)
}

func (f *fakeCollection) ReplaceOne(_ context.Context, filter any, replacement any, _ ...options.Lister[options.ReplaceOptions]) (*mongodriver.UpdateResult, error) {
	key := filter.(bson.M)["_id"].(string)
	f.docs[key] = replacement.(document)
	return &mongodriver.UpdateResult{MatchedCount: 1}, nil
}

func (f *fakeCollection) DeleteOne(_ context.Context, filter any, _ ...options.Lister[options.DeleteOneOptions]) (*mongodriver.DeleteResult, error) {
	key := filter.(bson.M)["_id"].(string)
	delete(f.docs, key)
	return &mongodriver.DeleteResult{DeletedCount: 1}, nil
}

func (f *fakeCollection) DeleteMany(_ context.Context, filter any, _ ...options.Lister[options.DeleteManyOptions]) (*mongodriver.DeleteResult, error) {
	profile, _ := filter.(bson.M)["profile"].(string)
	var n int64
	for key, doc := range f.docs {
		if profile != "" && doc.Profile != profile {
			continue
		}
		delete(f.docs, key)
		n++
	}
	return &mongodriver.DeleteResult{DeletedCount: n}, nil
}

func testEntry(confidence float64, profile string) *plancache.Entry {
	return &plancache.Entry{
		Plan: &plan.SearchPlan{
			ID:      "p1",
			Version: 1,
			Steps: []plan.SearchStep{
				{TargetKey: "total", ValidationType: schema.TypeCurrency, IsRequired: true},
			},
			Strategy: plan.StrategySequential,
			Metadata: plan.Metadata{Origin: plan.OriginHeuristic},
		},
		Confidence: confidence,
		Tokens:     40,
		Profile:    profile,
	}
}

func TestCacheRoundTrip(t *testing.T) {
	coll := newFakeCollection()
	c := newCacheWithCollection(coll, time.Second, plancache.Policy{})
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k1", testEntry(0.8, "lean-agent")))

	got, err := c.Get(ctx, "k1")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, "p1", got.Plan.ID)
	require.Equal(t, plan.OriginCached, got.Plan.Metadata.Origin)
	require.Equal(t, 0.8, got.Confidence)
	require.NotEmpty(t, got.UpdatedAt)
}

func TestCacheMissReturnsNil(t *testing.T) {
	c := newCacheWithCollection(newFakeCollection(), time.Second, plancache.Policy{})

	got, err := c.Get(context.Background(), "absent")
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestCacheRejectsLowConfidenceWrites(t *testing.T) {
	coll := newFakeCollection()
	c := newCacheWithCollection(coll, time.Second, plancache.Policy{MinConfidence: 0.5})
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k1", testEntry(0.2, "")))
	require.Empty(t, coll.docs)

	require.NoError(t, c.Set(ctx, "k1", testEntry(0.7, "")))
	require.Len(t, coll.docs, 1)
}

func TestCacheStaleness(t *testing.T) {
	coll := newFakeCollection()
	c := newCacheWithCollection(coll, time.Second, plancache.Policy{StaleAfter: time.Minute})
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k1", testEntry(0.8, "")))

	c.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	got, err := c.Get(ctx, "k1")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.True(t, got.Stale)
}

func TestCacheDeleteAndClear(t *testing.T) {
	coll := newFakeCollection()
	c := newCacheWithCollection(coll, time.Second, plancache.Policy{})
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k1", testEntry(0.8, "lean-agent")))
	require.NoError(t, c.Set(ctx, "k2", testEntry(0.8, "sensor-grid")))

	require.NoError(t, c.Delete(ctx, "k1"))
	got, err := c.Get(ctx, "k1")
	require.NoError(t, err)
	require.Nil(t, got)

	require.NoError(t, c.Set(ctx, "k1", testEntry(0.8, "lean-agent")))
	require.NoError(t, c.Clear(ctx, "sensor-grid"))
	require.Len(t, coll.docs, 1)

	require.NoError(t, c.Clear(ctx, ""))
	require.Empty(t, coll.docs)
}
