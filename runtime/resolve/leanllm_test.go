package resolve

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"goa.design/parserator/runtime/model"
	"goa.design/parserator/runtime/parse"
	"goa.design/parserator/runtime/plan"
	"goa.design/parserator/runtime/schema"
	"goa.design/parserator/runtime/telemetry"
)

type stubFieldClient struct {
	mu    sync.Mutex
	calls []*model.FieldBatchRequest
	resp  *model.FieldBatchResponse
	err   error
}

func (s *stubFieldClient) ResolveFields(_ context.Context, req *model.FieldBatchRequest) (*model.FieldBatchResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, req)
	if s.err != nil {
		return nil, s.err
	}
	if s.resp != nil {
		return s.resp, nil
	}
	// Answer only the first queried field.
	resp := &model.FieldBatchResponse{
		Values: map[string]any{req.Fields[0].Key: "value-" + req.Fields[0].Key},
		Usage:  model.Usage{TotalTokens: 50},
	}
	return resp, nil
}

func (s *stubFieldClient) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func leanRequest(steps []plan.SearchStep, current int, input string) *Request {
	return &Request{
		Step:       steps[current],
		InputData:  input,
		Plan:       &plan.SearchPlan{Steps: steps},
		RequestID:  "req-1",
		Scratchpad: NewScratchpad(),
	}
}

func requiredSteps(keys ...string) []plan.SearchStep {
	steps := make([]plan.SearchStep, len(keys))
	for i, k := range keys {
		steps[i] = plan.SearchStep{TargetKey: k, ValidationType: schema.TypeString, IsRequired: true}
	}
	return steps
}

func TestLeanLLMZeroInvocationBudgetNeverCalls(t *testing.T) {
	client := &stubFieldClient{}
	r := NewLeanLLMResolver(LeanLLMConfig{Client: client, MaxInvocationsPerParse: 0})
	steps := requiredSteps("a", "b")
	req := leanRequest(steps, 0, "input")

	for i := range steps {
		req.Step = steps[i]
		res, err := r.Resolve(context.Background(), req)
		require.NoError(t, err)
		require.NotNil(t, res)
		require.Nil(t, res.Value)
	}
	require.Zero(t, client.callCount())

	summary := req.Scratchpad.Get(KeyLeanUsage).(*parse.FallbackSummary)
	require.Equal(t, 2, summary.SkippedByLimits)
	require.Len(t, summary.Audit, 2)
	for _, a := range summary.Audit {
		require.Equal(t, parse.AuditSkipped, a.Action)
		require.Equal(t, "invocation-limit", a.Reason)
		require.Equal(t, "invocations", a.LimitType)
	}
}

func TestLeanLLMInvocationBudgetExhaustion(t *testing.T) {
	client := &stubFieldClient{}
	r := NewLeanLLMResolver(LeanLLMConfig{Client: client, MaxInvocationsPerParse: 1})
	steps := requiredSteps("first", "second", "third")
	req := leanRequest(steps, 0, "input")

	res, err := r.Resolve(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, "value-first", res.Value)

	for _, i := range []int{1, 2} {
		req.Step = steps[i]
		res, err = r.Resolve(context.Background(), req)
		require.NoError(t, err)
		require.Nil(t, res.Value)
	}

	require.Equal(t, 1, client.callCount())
	summary := req.Scratchpad.Get(KeyLeanUsage).(*parse.FallbackSummary)
	require.Equal(t, 1, summary.TotalInvocations)
	require.Equal(t, 1, summary.ResolvedFields)
	require.Equal(t, 2, summary.SkippedByLimits)

	var skipped []parse.FieldAudit
	for _, a := range summary.Audit {
		if a.Action == parse.AuditSkipped {
			skipped = append(skipped, a)
		}
	}
	require.Len(t, skipped, 2)
	for _, a := range skipped {
		require.Equal(t, "invocations", a.LimitType)
		require.Equal(t, 1, a.Limit)
	}
}

func TestLeanLLMBatchesAllUnresolvedFields(t *testing.T) {
	client := &stubFieldClient{}
	r := NewLeanLLMResolver(LeanLLMConfig{Client: client, MaxInvocationsPerParse: 1})
	steps := requiredSteps("first", "second", "third")
	req := leanRequest(steps, 0, "input")
	req.Scratchpad.Set(KeyResolvedFields, map[string]any{"second": "done"})

	_, err := r.Resolve(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, 1, client.callCount())

	batch := client.calls[0]
	require.Len(t, batch.Fields, 2)
	require.Equal(t, "first", batch.Fields[0].Key)
	require.Equal(t, "third", batch.Fields[1].Key)
}

func TestLeanLLMPlanConfidenceGate(t *testing.T) {
	client := &stubFieldClient{}
	r := NewLeanLLMResolver(LeanLLMConfig{Client: client, MaxInvocationsPerParse: 3, PlanConfidenceGate: 0.85})
	steps := requiredSteps("a")
	req := leanRequest(steps, 0, "input")
	req.Plan.Metadata.PlannerConfidence = 0.9

	res, err := r.Resolve(context.Background(), req)
	require.NoError(t, err)
	require.Nil(t, res.Value)
	require.Zero(t, client.callCount())

	summary := req.Scratchpad.Get(KeyLeanUsage).(*parse.FallbackSummary)
	require.Equal(t, 1, summary.SkippedByPlanConfidence)
	require.Equal(t, "plan-confidence", summary.Audit[0].Reason)
}

func TestLeanLLMOptionalFieldGuard(t *testing.T) {
	client := &stubFieldClient{}
	r := NewLeanLLMResolver(LeanLLMConfig{Client: client, MaxInvocationsPerParse: 3})
	steps := []plan.SearchStep{{TargetKey: "nickname", ValidationType: schema.TypeString}}
	req := leanRequest(steps, 0, "input")

	res, err := r.Resolve(context.Background(), req)
	require.NoError(t, err)
	require.Nil(t, res.Value)
	require.Zero(t, client.callCount())

	summary := req.Scratchpad.Get(KeyLeanUsage).(*parse.FallbackSummary)
	require.Equal(t, "optional-field", summary.Audit[0].Reason)
}

func TestLeanLLMSharedExtractionReuse(t *testing.T) {
	client := &stubFieldClient{resp: &model.FieldBatchResponse{
		Values:            map[string]any{"first": "v1"},
		SharedExtractions: map[string]any{"second": "v2"},
		Usage:             model.Usage{TotalTokens: 80},
	}}
	r := NewLeanLLMResolver(LeanLLMConfig{Client: client, MaxInvocationsPerParse: 1})
	steps := requiredSteps("first", "second")
	req := leanRequest(steps, 0, "input")

	res, err := r.Resolve(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, "v1", res.Value)

	// Second field resolves from the memoized shared extraction without a
	// new call and without consuming budget.
	req.Step = steps[1]
	res, err = r.Resolve(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, "v2", res.Value)
	require.Equal(t, 1, client.callCount())

	summary := req.Scratchpad.Get(KeyLeanUsage).(*parse.FallbackSummary)
	require.Equal(t, 1, summary.TotalInvocations)
	require.Equal(t, 1, summary.ReusedResolutions)
	require.Equal(t, 1, summary.SharedExtractions)
	require.Equal(t, 80, summary.TotalTokens)

	var reused *parse.FieldAudit
	for i := range summary.Audit {
		if summary.Audit[i].Action == parse.AuditReused {
			reused = &summary.Audit[i]
		}
	}
	require.NotNil(t, reused)
	require.Equal(t, "second", reused.Field)
	require.Equal(t, "first", reused.SourceField)
}

func TestLeanLLMFailureRecordsWarning(t *testing.T) {
	client := &stubFieldClient{err: errors.New("provider unavailable")}
	r := NewLeanLLMResolver(LeanLLMConfig{Client: client, MaxInvocationsPerParse: 2})
	steps := requiredSteps("a")
	req := leanRequest(steps, 0, "input")

	res, err := r.Resolve(context.Background(), req)
	require.NoError(t, err)
	require.Nil(t, res.Value)
	require.Len(t, res.Diagnostics, 1)
	require.Equal(t, parse.SeverityWarning, res.Diagnostics[0].Severity)

	state := r.State()
	require.False(t, state.LastAttemptAt.IsZero())
	require.False(t, state.LastFailureAt.IsZero())
	require.True(t, state.LastSuccessAt.IsZero())
}

func TestLeanLLMTrimsInput(t *testing.T) {
	client := &stubFieldClient{}
	r := NewLeanLLMResolver(LeanLLMConfig{Client: client, MaxInvocationsPerParse: 1, MaxInputCharacters: 10})
	steps := requiredSteps("a")
	long := "0123456789abcdefghij"
	req := leanRequest(steps, 0, long)

	_, err := r.Resolve(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, 1, client.callCount())
	require.Equal(t, "0123456789... [truncated 10 chars]", client.calls[0].InputData)
}

func TestLeanLLMEmitsFallbackEvents(t *testing.T) {
	client := &stubFieldClient{}
	hub := telemetry.NewHub(nil)
	var mu sync.Mutex
	var actions []string
	sub, err := hub.Register(telemetry.ListenerFunc(func(_ context.Context, ev telemetry.Event) error {
		payload, ok := ev.Payload.(telemetry.FallbackPayload)
		require.True(t, ok)
		mu.Lock()
		actions = append(actions, payload.Action)
		mu.Unlock()
		return nil
	}))
	require.NoError(t, err)
	defer sub.Close()

	r := NewLeanLLMResolver(LeanLLMConfig{Client: client, Hub: hub, MaxInvocationsPerParse: 1})
	steps := requiredSteps("a", "b")
	req := leanRequest(steps, 0, "input")

	_, err = r.Resolve(context.Background(), req)
	require.NoError(t, err)
	req.Step = steps[1]
	_, err = r.Resolve(context.Background(), req)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Contains(t, actions, "queued")
	require.Contains(t, actions, "started")
	require.Contains(t, actions, "resolved")
	require.Contains(t, actions, "skipped")
}
