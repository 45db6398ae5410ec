package plancache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/parserator/runtime/plan"
	"goa.design/parserator/runtime/schema"
)

func testEntry(confidence float64, profile string) *Entry {
	return &Entry{
		Plan: &plan.SearchPlan{
			ID:      "p1",
			Version: 1,
			Steps: []plan.SearchStep{
				{TargetKey: "total", ValidationType: schema.TypeCurrency, IsRequired: true},
			},
			Metadata: plan.Metadata{Origin: plan.OriginHeuristic},
		},
		Confidence: confidence,
		Tokens:     40,
		Profile:    profile,
	}
}

func TestMemoryRoundTrip(t *testing.T) {
	m := NewMemory(Policy{})
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "k1", testEntry(0.8, "lean-agent")))

	got, err := m.Get(ctx, "k1")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, "p1", got.Plan.ID)
	require.Equal(t, plan.OriginCached, got.Plan.Metadata.Origin)
	require.NotEmpty(t, got.UpdatedAt)
	require.Equal(t, 1, m.Len())
}

func TestMemoryMissReturnsNil(t *testing.T) {
	m := NewMemory(Policy{})

	got, err := m.Get(context.Background(), "absent")
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestMemoryServesClones(t *testing.T) {
	m := NewMemory(Policy{})
	ctx := context.Background()

	stored := testEntry(0.8, "")
	require.NoError(t, m.Set(ctx, "k1", stored))

	// Mutating either the original or a fetched copy never leaks into the
	// cache.
	stored.Plan.Steps[0].TargetKey = "mutated-original"
	first, err := m.Get(ctx, "k1")
	require.NoError(t, err)
	first.Plan.Steps[0].TargetKey = "mutated-copy"

	second, err := m.Get(ctx, "k1")
	require.NoError(t, err)
	require.Equal(t, "total", second.Plan.Steps[0].TargetKey)
}

func TestMemoryRejectsLowConfidenceWrites(t *testing.T) {
	m := NewMemory(Policy{MinConfidence: 0.5})
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "k1", testEntry(0.2, "")))
	require.Zero(t, m.Len())

	require.NoError(t, m.Set(ctx, "k1", testEntry(0.7, "")))
	require.Equal(t, 1, m.Len())
}

func TestMemoryStaleness(t *testing.T) {
	m := NewMemory(Policy{StaleAfter: time.Minute})
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "k1", testEntry(0.8, "")))

	got, err := m.Get(ctx, "k1")
	require.NoError(t, err)
	require.False(t, got.Stale)

	m.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	got, err = m.Get(ctx, "k1")
	require.NoError(t, err)
	require.True(t, got.Stale)
}

func TestMemoryDeleteAndClear(t *testing.T) {
	m := NewMemory(Policy{})
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "k1", testEntry(0.8, "lean-agent")))
	require.NoError(t, m.Set(ctx, "k2", testEntry(0.8, "sensor-grid")))

	require.NoError(t, m.Delete(ctx, "k1"))
	require.Equal(t, 1, m.Len())

	require.NoError(t, m.Set(ctx, "k1", testEntry(0.8, "lean-agent")))
	require.NoError(t, m.Clear(ctx, "sensor-grid"))
	require.Equal(t, 1, m.Len())

	require.NoError(t, m.Clear(ctx, ""))
	require.Zero(t, m.Len())
}

func TestMemoryIgnoresNilEntries(t *testing.T) {
	m := NewMemory(Policy{})
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "k1", nil))
	require.NoError(t, m.Set(ctx, "k2", &Entry{Confidence: 0.9}))
	require.Zero(t, m.Len())
}

func TestMemoryHonorsContext(t *testing.T) {
	m := NewMemory(Policy{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := m.Get(ctx, "k1")
	require.ErrorIs(t, err, context.Canceled)
	require.ErrorIs(t, m.Set(ctx, "k1", testEntry(0.8, "")), context.Canceled)
}
