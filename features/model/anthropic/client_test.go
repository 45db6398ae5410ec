package anthropic

import (
	"context"
	"errors"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/stretchr/testify/require"

	"goa.design/parserator/runtime/model"
	"goa.design/parserator/runtime/plan"
	"goa.design/parserator/runtime/schema"
)

type stubMessages struct {
	reply  string
	err    error
	params sdk.MessageNewParams
}

func (s *stubMessages) New(_ context.Context, body sdk.MessageNewParams, _ ...option.RequestOption) (*sdk.Message, error) {
	s.params = body
	if s.err != nil {
		return nil, s.err
	}
	return &sdk.Message{
		Content:    []sdk.ContentBlockUnion{{Type: "text", Text: s.reply}},
		StopReason: "end_turn",
		Usage:      sdk.Usage{InputTokens: 120, OutputTokens: 40},
	}, nil
}

func rewriteRequest() *model.PlanRewriteRequest {
	return &model.PlanRewriteRequest{
		InputSample:  "Total: $10",
		OutputSchema: map[string]any{"total": "currency"},
		HeuristicPlan: &plan.SearchPlan{
			ID:      "p1",
			Version: 1,
			Steps:   []plan.SearchStep{{TargetKey: "total", ValidationType: schema.TypeCurrency, IsRequired: true}},
		},
		Threshold: 0.8,
	}
}

func TestNewValidatesInputs(t *testing.T) {
	_, err := New(nil, Options{Model: "claude"})
	require.Error(t, err)
	_, err = New(&stubMessages{}, Options{})
	require.Error(t, err)
}

func TestRewritePlan(t *testing.T) {
	stub := &stubMessages{reply: `{"confidence": 0.9, "steps": [
		{"targetKey": "total", "validationType": "currency", "isRequired": true}]}`}
	c, err := New(stub, Options{Model: "claude-test", MaxTokens: 512})
	require.NoError(t, err)

	resp, err := c.RewritePlan(context.Background(), rewriteRequest())
	require.NoError(t, err)
	require.NotNil(t, resp.Plan)
	require.Equal(t, 0.9, resp.Confidence)
	require.Equal(t, 160, resp.Usage.TotalTokens)
	require.Equal(t, "claude-test", resp.Usage.Model)
	require.Equal(t, "end_turn", resp.Usage.FinishReason)

	require.Equal(t, sdk.Model("claude-test"), stub.params.Model)
	require.Equal(t, int64(512), stub.params.MaxTokens)
	require.NotEmpty(t, stub.params.System)
}

func TestResolveFields(t *testing.T) {
	stub := &stubMessages{reply: `{"fields": {"total": {"value": 10, "confidence": 0.8}},
		"shared": {"vendor": "ACME"}}`}
	c, err := New(stub, Options{Model: "claude-test"})
	require.NoError(t, err)

	resp, err := c.ResolveFields(context.Background(), &model.FieldBatchRequest{
		InputData: "Total: $10",
		Fields:    []model.FieldQuery{{Key: "total", ValidationType: schema.TypeCurrency}},
	})
	require.NoError(t, err)
	require.Equal(t, float64(10), resp.Values["total"])
	require.Equal(t, "ACME", resp.SharedExtractions["vendor"])
	require.Equal(t, 160, resp.Usage.TotalTokens)
}

func TestErrorsAreWrapped(t *testing.T) {
	stub := &stubMessages{err: errors.New("boom")}
	c, err := New(stub, Options{Model: "claude-test"})
	require.NoError(t, err)

	_, err = c.ResolveFields(context.Background(), &model.FieldBatchRequest{InputData: "x"})
	require.Error(t, err)
	require.NotErrorIs(t, err, model.ErrRateLimited)
}

func TestMalformedReplyFails(t *testing.T) {
	stub := &stubMessages{reply: "sorry, no can do"}
	c, err := New(stub, Options{Model: "claude-test"})
	require.NoError(t, err)

	_, err = c.RewritePlan(context.Background(), rewriteRequest())
	require.Error(t, err)
}
