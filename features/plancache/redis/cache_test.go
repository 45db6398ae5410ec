package redis

import (
	"context"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"goa.design/parserator/runtime/plan"
	"goa.design/parserator/runtime/plancache"
	"goa.design/parserator/runtime/schema"
)

// fakeRedis implements Commands over a plain map using the cmd result
// constructors go-redis exposes for testing.
type fakeRedis struct {
	values map[string]string
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{values: make(map[string]string)}
}

func (f *fakeRedis) Get(_ context.Context, key string) *goredis.StringCmd {
	v, ok := f.values[key]
	if !ok {
		return goredis.NewStringResult("", goredis.Nil)
	}
	return goredis.NewStringResult(v, nil)
}

func (f *fakeRedis) Set(_ context.Context, key string, value any, _ time.Duration) *goredis.StatusCmd {
	switch v := value.(type) {
	case []byte:
		f.values[key] = string(v)
	case string:
		f.values[key] = v
	}
	return goredis.NewStatusResult("OK", nil)
}

func (f *fakeRedis) Del(_ context.Context, keys ...string) *goredis.IntCmd {
	var n int64
	for _, key := range keys {
		if _, ok := f.values[key]; ok {
			delete(f.values, key)
			n++
		}
	}
	return goredis.NewIntResult(n, nil)
}

func (f *fakeRedis) Scan(_ context.Context, _ uint64, _ string, _ int64) *goredis.ScanCmd {
	keys := make([]string, 0, len(f.values))
	for key := range f.values {
		keys = append(keys, key)
	}
	return goredis.NewScanCmdResult(keys, 0, nil)
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
	rdb := newFakeRedis()
	c, err := New(rdb, Options{})
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k1", testEntry(0.8, "lean-agent")))

	got, err := c.Get(ctx, "k1")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, "p1", got.Plan.ID)
	require.Equal(t, plan.OriginCached, got.Plan.Metadata.Origin)
	require.Equal(t, 0.8, got.Confidence)
	require.False(t, got.Stale)
	require.NotEmpty(t, got.UpdatedAt)
}

func TestCacheMissReturnsNil(t *testing.T) {
	c, err := New(newFakeRedis(), Options{})
	require.NoError(t, err)

	got, err := c.Get(context.Background(), "absent")
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestCacheRejectsLowConfidenceWrites(t *testing.T) {
	rdb := newFakeRedis()
	c, err := New(rdb, Options{Policy: plancache.Policy{MinConfidence: 0.5}})
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k1", testEntry(0.2, "")))
	require.Empty(t, rdb.values)

	require.NoError(t, c.Set(ctx, "k1", testEntry(0.7, "")))
	require.Len(t, rdb.values, 1)
}

func TestCacheStaleness(t *testing.T) {
	rdb := newFakeRedis()
	c, err := New(rdb, Options{Policy: plancache.Policy{StaleAfter: time.Minute}})
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k1", testEntry(0.8, "")))

	c.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	got, err := c.Get(ctx, "k1")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.True(t, got.Stale)
}

func TestCacheDelete(t *testing.T) {
	rdb := newFakeRedis()
	c, err := New(rdb, Options{})
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k1", testEntry(0.8, "")))
	require.NoError(t, c.Delete(ctx, "k1"))

	got, err := c.Get(ctx, "k1")
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestCacheClearByProfile(t *testing.T) {
	rdb := newFakeRedis()
	c, err := New(rdb, Options{})
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k1", testEntry(0.8, "lean-agent")))
	require.NoError(t, c.Set(ctx, "k2", testEntry(0.8, "sensor-grid")))

	require.NoError(t, c.Clear(ctx, "sensor-grid"))
	require.Len(t, rdb.values, 1)

	got, err := c.Get(ctx, "k1")
	require.NoError(t, err)
	require.NotNil(t, got)

	require.NoError(t, c.Clear(ctx, ""))
	require.Empty(t, rdb.values)
}
