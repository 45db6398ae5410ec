package kernel

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/parserator/runtime/parse"
	"goa.design/parserator/runtime/plan"
	"goa.design/parserator/runtime/process"
	"goa.design/parserator/runtime/telemetry"
)

func invoiceSessionParams() SessionParams {
	return SessionParams{
		OutputSchema: map[string]any{
			"name":  "string",
			"email": "email",
			"total": "currency",
		},
	}
}

const invoiceInput = "Invoice #1234\nName: Ada Lovelace\nEmail: ada@example.com\nTotal: $42.50\n"

func TestSessionChargesArchitectTokensOnce(t *testing.T) {
	arch := &scriptedArchitect{conf: 0.8, tokens: 100}
	c := testCore(t, Options{NoCache: true, Architect: arch, Extractor: &fixedExtractor{conf: 0.9, tokens: 10}})
	s := c.CreateSession(invoiceSessionParams())
	ctx := context.Background()

	first := s.Parse(ctx, invoiceInput, nil)
	require.True(t, first.Success)
	require.Equal(t, 100, first.Metadata.ArchitectTokens)

	second := s.Parse(ctx, invoiceInput, nil)
	require.True(t, second.Success)
	require.Zero(t, second.Metadata.ArchitectTokens)

	third := s.Parse(ctx, invoiceInput, nil)
	require.Zero(t, third.Metadata.ArchitectTokens)

	require.Equal(t, 1, arch.callCount())

	snap := s.Snapshot()
	require.Equal(t, 3, snap.ParseCount)
	require.Equal(t, 100, snap.TotalArchitectTokens)
	require.Equal(t, 30, snap.TotalExtractorTokens)
	require.True(t, snap.Plan.HasPlan)
}

func TestSessionAdoptsKernelCachedPlan(t *testing.T) {
	c := testCore(t, Options{})
	ctx := context.Background()

	// Prime the kernel plan cache through a plain parse.
	primed := c.Parse(ctx, invoiceRequest())
	require.True(t, primed.Success)

	s := c.CreateSession(invoiceSessionParams())
	resp := s.Parse(ctx, invoiceInput, nil)
	require.True(t, resp.Success)
	require.Zero(t, resp.Metadata.ArchitectTokens)
	require.Equal(t, plan.OriginCached, resp.Metadata.ArchitectPlan.Metadata.Origin)
}

func TestSessionWritesPlanCacheAsynchronously(t *testing.T) {
	c := testCore(t, Options{})
	params := invoiceSessionParams()
	s := c.CreateSession(params)
	ctx := context.Background()

	resp := s.Parse(ctx, invoiceInput, nil)
	require.True(t, resp.Success)
	require.NoError(t, s.WaitForIdle(ctx))

	key := plan.CacheKey(params.OutputSchema, "", s.options, c.GetProfile())
	entry, err := c.GetPlanCacheEntry(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, entry)
	require.NotNil(t, entry.Plan)
	require.Equal(t, resp.Metadata.ArchitectPlan.ID, entry.Plan.ID)
}

// schemaKeyTrimmer normalizes schema keys by trimming surrounding space.
type schemaKeyTrimmer struct{}

func (schemaKeyTrimmer) Name() string { return "trim-schema-keys" }

func (schemaKeyTrimmer) Run(_ context.Context, req *parse.Request) (*process.PreResult, error) {
	trimmed := make(map[string]any, len(req.OutputSchema))
	for k, v := range req.OutputSchema {
		trimmed[strings.TrimSpace(k)] = v
	}
	out := *req
	out.OutputSchema = trimmed
	return &process.PreResult{Request: &out}, nil
}

func TestRefreshWritesPlanCacheUnderPreprocessedKey(t *testing.T) {
	c := testCore(t, Options{Preprocessors: []process.Preprocessor{schemaKeyTrimmer{}}})
	ctx := context.Background()

	s := c.CreateSession(SessionParams{
		OutputSchema: map[string]any{"name": "string", " total ": "currency"},
	})
	resp := s.Parse(ctx, invoiceInput, nil)
	require.True(t, resp.Success)
	require.NoError(t, s.WaitForIdle(ctx))

	require.NoError(t, s.RefreshPlan(ctx, &RefreshOptions{Force: true}))
	require.NoError(t, s.WaitForIdle(ctx))

	// The refreshed plan is stored under the same key parses read: the one
	// derived from the preprocessed schema.
	key := plan.CacheKey(map[string]any{"name": "string", "total": "currency"}, "", nil, c.GetProfile())
	entry, err := c.GetPlanCacheEntry(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, entry)
	require.Equal(t, s.GetPlanState().PlanID, entry.Plan.ID)
}

func TestSessionSeedInputDrivesPlanning(t *testing.T) {
	arch := &scriptedArchitect{conf: 0.8, tokens: 20}
	c := testCore(t, Options{NoCache: true, Architect: arch, Extractor: &fixedExtractor{conf: 0.9, tokens: 5}})
	params := invoiceSessionParams()
	params.SeedInput = invoiceInput
	s := c.CreateSession(params)

	resp := s.Parse(context.Background(), "a different document", nil)
	require.True(t, resp.Success)
	require.Equal(t, 1, arch.callCount())
}

func TestSessionValidationFailure(t *testing.T) {
	c := testCore(t, Options{})
	s := c.CreateSession(invoiceSessionParams())
	resp := s.Parse(context.Background(), "", nil)
	require.False(t, resp.Success)
	require.Equal(t, parse.CodeValidation, resp.Error.Code)
}

func TestSessionEventsCarrySessionIdentity(t *testing.T) {
	c := testCore(t, Options{})
	log := &eventLog{}
	sub, err := c.Telemetry().Register(log)
	require.NoError(t, err)
	defer sub.Close()

	s := c.CreateSession(invoiceSessionParams())
	resp := s.Parse(context.Background(), invoiceInput, nil)
	require.True(t, resp.Success)

	events := log.snapshot()
	require.NotEmpty(t, events)
	for _, e := range events {
		require.Equal(t, telemetry.SourceSession, e.Source)
		require.Equal(t, s.ID(), e.SessionID)
	}
}

func TestSessionAutoRefreshOnLowConfidence(t *testing.T) {
	arch := &scriptedArchitect{conf: 0.2, tokens: 40}
	c := testCore(t, Options{NoCache: true, Architect: arch, Extractor: &fixedExtractor{conf: 0.1, tokens: 5}})
	log := &eventLog{}
	sub, err := c.Telemetry().Register(log)
	require.NoError(t, err)
	defer sub.Close()

	params := invoiceSessionParams()
	params.AutoRefresh = &AutoRefreshConfig{MinConfidence: fptr(0.9)}
	s := c.CreateSession(params)
	ctx := context.Background()

	resp := s.Parse(ctx, invoiceInput, nil)
	require.True(t, resp.Success)
	require.NoError(t, s.WaitForIdle(ctx))

	// Initial plan plus one background refresh.
	require.Equal(t, 2, arch.callCount())

	state := s.GetAutoRefreshState()
	require.Equal(t, "confidence", state.LastReason)
	require.Equal(t, "completed", state.LastAction)
	require.False(t, state.Pending)
	require.Zero(t, state.ParsesSinceRefresh)
	require.Zero(t, state.LowConfidenceRuns)
	require.False(t, state.LastTriggeredAt.IsZero())

	var actions []string
	for _, e := range log.snapshot() {
		if e.Type == telemetry.EventPlanAutoRefresh {
			payload, ok := e.Payload.(telemetry.AutoRefreshPayload)
			require.True(t, ok)
			actions = append(actions, payload.Action)
		}
	}
	require.Equal(t, []string{"triggered", "completed"}, actions)

	// The refreshed plan charges architect tokens on the next parse.
	next := s.Parse(ctx, invoiceInput, nil)
	require.Equal(t, 40, next.Metadata.ArchitectTokens)
}

func TestSessionAutoRefreshOnUsage(t *testing.T) {
	arch := &scriptedArchitect{conf: 0.8, tokens: 10}
	c := testCore(t, Options{NoCache: true, Architect: arch, Extractor: &fixedExtractor{conf: 0.9, tokens: 5}})
	params := invoiceSessionParams()
	params.AutoRefresh = &AutoRefreshConfig{MaxParses: iptr(2)}
	s := c.CreateSession(params)
	ctx := context.Background()

	s.Parse(ctx, invoiceInput, nil)
	require.NoError(t, s.WaitForIdle(ctx))
	require.Equal(t, 1, arch.callCount())

	s.Parse(ctx, invoiceInput, nil)
	require.NoError(t, s.WaitForIdle(ctx))
	require.Equal(t, 2, arch.callCount())
	require.Equal(t, "usage", s.GetAutoRefreshState().LastReason)
}

func TestSessionAutoRefreshGrace(t *testing.T) {
	arch := &scriptedArchitect{conf: 0.2, tokens: 10}
	c := testCore(t, Options{NoCache: true, Architect: arch, Extractor: &fixedExtractor{conf: 0.1, tokens: 5}})
	params := invoiceSessionParams()
	params.AutoRefresh = &AutoRefreshConfig{MinConfidence: fptr(0.9), LowConfidenceGrace: 2}
	s := c.CreateSession(params)
	ctx := context.Background()

	s.Parse(ctx, invoiceInput, nil)
	s.Parse(ctx, invoiceInput, nil)
	require.NoError(t, s.WaitForIdle(ctx))
	// Two low-confidence parses are within the grace window.
	require.Equal(t, 1, arch.callCount())
	require.Equal(t, 2, s.GetAutoRefreshState().LowConfidenceRuns)

	s.Parse(ctx, invoiceInput, nil)
	require.NoError(t, s.WaitForIdle(ctx))
	require.Equal(t, 2, arch.callCount())
	require.Equal(t, "confidence", s.GetAutoRefreshState().LastReason)
}

func TestSessionAutoRefreshCooldown(t *testing.T) {
	arch := &scriptedArchitect{conf: 0.2, tokens: 10}
	c := testCore(t, Options{NoCache: true, Architect: arch, Extractor: &fixedExtractor{conf: 0.1, tokens: 5}})
	log := &eventLog{}
	sub, err := c.Telemetry().Register(log)
	require.NoError(t, err)
	defer sub.Close()

	params := invoiceSessionParams()
	params.AutoRefresh = &AutoRefreshConfig{MinConfidence: fptr(0.9), MinInterval: time.Hour}
	s := c.CreateSession(params)
	ctx := context.Background()

	s.Parse(ctx, invoiceInput, nil)
	require.NoError(t, s.WaitForIdle(ctx))
	require.Equal(t, 2, arch.callCount())

	s.Parse(ctx, invoiceInput, nil)
	require.NoError(t, s.WaitForIdle(ctx))
	// Cooldown window suppresses the second trigger.
	require.Equal(t, 2, arch.callCount())
	require.Equal(t, "skipped", s.GetAutoRefreshState().LastAction)

	var sawCooldownSkip bool
	for _, e := range log.snapshot() {
		if e.Type == telemetry.EventPlanAutoRefresh {
			payload := e.Payload.(telemetry.AutoRefreshPayload)
			if payload.Action == "skipped" && payload.Reason == "cooldown" {
				sawCooldownSkip = true
			}
		}
	}
	require.True(t, sawCooldownSkip)
}

func TestRefreshPlan(t *testing.T) {
	arch := &scriptedArchitect{conf: 0.8, tokens: 100, failOn: map[int]bool{2: true}}
	c := testCore(t, Options{NoCache: true, Architect: arch, Extractor: &fixedExtractor{conf: 0.9, tokens: 5}})
	s := c.CreateSession(invoiceSessionParams())
	ctx := context.Background()

	s.Parse(ctx, invoiceInput, nil)
	prev := s.GetPlanState()
	require.True(t, prev.HasPlan)

	// No changes and no force: no-op, architect not consulted.
	require.NoError(t, s.RefreshPlan(ctx, nil))
	require.Equal(t, 1, arch.callCount())

	// Forced refresh fails; the previous plan survives.
	require.Error(t, s.RefreshPlan(ctx, &RefreshOptions{Force: true}))
	require.Equal(t, prev.PlanID, s.GetPlanState().PlanID)

	// Next forced refresh succeeds and replaces the plan.
	require.NoError(t, s.RefreshPlan(ctx, &RefreshOptions{Force: true}))
	require.NotEqual(t, prev.PlanID, s.GetPlanState().PlanID)

	// A fresh plan charges architect tokens on the next parse.
	resp := s.Parse(ctx, invoiceInput, nil)
	require.Equal(t, 100, resp.Metadata.ArchitectTokens)
}

func TestSessionExportInitRoundTrip(t *testing.T) {
	arch := &scriptedArchitect{conf: 0.8, tokens: 100}
	c1 := testCore(t, Options{NoCache: true, Architect: arch, Extractor: &fixedExtractor{conf: 0.9, tokens: 5}})
	s1 := c1.CreateSession(invoiceSessionParams())
	ctx := context.Background()

	first := s1.Parse(ctx, invoiceInput, nil)
	require.True(t, first.Success)
	init := s1.ExportInit()
	require.NotNil(t, init.Plan)
	require.Equal(t, first.Metadata.ArchitectPlan.ID, init.Plan.ID)

	arch2 := &scriptedArchitect{conf: 0.8, tokens: 100}
	c2 := testCore(t, Options{NoCache: true, Architect: arch2, Extractor: &fixedExtractor{conf: 0.9, tokens: 5}})
	s2 := c2.NewSessionFromInit(init)

	resp := s2.Parse(ctx, invoiceInput, nil)
	require.True(t, resp.Success)
	require.Zero(t, resp.Metadata.ArchitectTokens)
	require.Equal(t, init.Plan.ID, resp.Metadata.ArchitectPlan.ID)
	require.Equal(t, plan.OriginCached, resp.Metadata.ArchitectPlan.Metadata.Origin)
	require.Zero(t, arch2.callCount())
}

func TestCreateSessionFromResponse(t *testing.T) {
	c := testCore(t, Options{NoCache: true})
	ctx := context.Background()

	req := invoiceRequest()
	resp := c.Parse(ctx, req)
	require.True(t, resp.Success)

	s := c.CreateSessionFromResponse(req, resp, nil)
	next := s.Parse(ctx, invoiceInput, nil)
	require.True(t, next.Success)
	require.Zero(t, next.Metadata.ArchitectTokens)
	require.Equal(t, resp.Metadata.ArchitectPlan.ID, next.Metadata.ArchitectPlan.ID)
	require.Equal(t, plan.OriginCached, next.Metadata.ArchitectPlan.Metadata.Origin)
}

func TestParseManySharesOnePlan(t *testing.T) {
	arch := &scriptedArchitect{conf: 0.8, tokens: 60}
	c := testCore(t, Options{NoCache: true, Architect: arch, Extractor: &fixedExtractor{conf: 0.9, tokens: 5}})
	ctx := context.Background()

	schema := map[string]any{"name": "string", "total": "currency"}
	requests := []*parse.Request{
		{InputData: "Name: Ada\nTotal: $1.00", OutputSchema: schema},
		{InputData: "Name: Grace\nTotal: $2.00", OutputSchema: schema},
		{InputData: "Name: Edsger\nTotal: $3.00", OutputSchema: schema},
	}

	responses, err := c.ParseMany(ctx, requests, &ParseManyOptions{ReusePlan: true})
	require.NoError(t, err)
	require.Len(t, responses, 3)
	for _, r := range responses {
		require.True(t, r.Success)
	}
	require.Equal(t, 1, arch.callCount())
	// Only the first response carries the planning cost.
	require.Equal(t, 60, responses[0].Metadata.ArchitectTokens)
	require.Zero(t, responses[1].Metadata.ArchitectTokens)
	require.Zero(t, responses[2].Metadata.ArchitectTokens)
}

func TestParseManyWithoutReuse(t *testing.T) {
	arch := &scriptedArchitect{conf: 0.8, tokens: 60}
	c := testCore(t, Options{NoCache: true, Architect: arch, Extractor: &fixedExtractor{conf: 0.9, tokens: 5}})

	schema := map[string]any{"name": "string"}
	requests := []*parse.Request{
		{InputData: "Name: Ada", OutputSchema: schema},
		{InputData: "Name: Grace", OutputSchema: schema},
	}
	responses, err := c.ParseMany(context.Background(), requests, &ParseManyOptions{})
	require.NoError(t, err)
	require.Len(t, responses, 2)
	require.Equal(t, 2, arch.callCount())
}

func TestParseManyRejectsMixedSchemas(t *testing.T) {
	c := testCore(t, Options{})
	requests := []*parse.Request{
		{InputData: "a", OutputSchema: map[string]any{"name": "string"}},
		{InputData: "b", OutputSchema: map[string]any{"total": "currency"}},
	}
	_, err := c.ParseMany(context.Background(), requests, nil)
	require.ErrorIs(t, err, ErrSchemaMismatch)
}

func TestParseManyEmpty(t *testing.T) {
	c := testCore(t, Options{})
	responses, err := c.ParseMany(context.Background(), nil, nil)
	require.NoError(t, err)
	require.Nil(t, responses)
}
