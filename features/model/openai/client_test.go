package openai

import (
	"context"
	"testing"

	sdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/stretchr/testify/require"

	"goa.design/parserator/runtime/model"
	"goa.design/parserator/runtime/plan"
	"goa.design/parserator/runtime/schema"
)

type stubChat struct {
	reply  string
	params sdk.ChatCompletionNewParams
}

func (s *stubChat) New(_ context.Context, body sdk.ChatCompletionNewParams, _ ...option.RequestOption) (*sdk.ChatCompletion, error) {
	s.params = body
	return &sdk.ChatCompletion{
		Choices: []sdk.ChatCompletionChoice{{
			Message:      sdk.ChatCompletionMessage{Content: s.reply},
			FinishReason: "stop",
		}},
		Usage: sdk.CompletionUsage{PromptTokens: 100, CompletionTokens: 30, TotalTokens: 130},
	}, nil
}

func TestRewritePlan(t *testing.T) {
	stub := &stubChat{reply: "```json\n" + `{"confidence": 0.85, "steps": [
		{"targetKey": "total", "validationType": "currency", "isRequired": true}]}` + "\n```"}
	c, err := New(stub, Options{Model: "gpt-test"})
	require.NoError(t, err)

	resp, err := c.RewritePlan(context.Background(), &model.PlanRewriteRequest{
		InputSample:  "Total: $10",
		OutputSchema: map[string]any{"total": "currency"},
		HeuristicPlan: &plan.SearchPlan{
			Steps: []plan.SearchStep{{TargetKey: "total", ValidationType: schema.TypeCurrency}},
		},
		Threshold: 0.8,
	})
	require.NoError(t, err)
	require.NotNil(t, resp.Plan)
	require.Equal(t, 0.85, resp.Confidence)
	require.Equal(t, 130, resp.Usage.TotalTokens)
	require.Equal(t, "stop", resp.Usage.FinishReason)
	require.Equal(t, sdk.ChatModel("gpt-test"), stub.params.Model)
	require.Len(t, stub.params.Messages, 2)
}

func TestResolveFields(t *testing.T) {
	stub := &stubChat{reply: `{"fields": {"email": {"value": "a@b.co", "confidence": 0.9}}}`}
	c, err := New(stub, Options{Model: "gpt-test"})
	require.NoError(t, err)

	resp, err := c.ResolveFields(context.Background(), &model.FieldBatchRequest{
		InputData: "contact a@b.co",
		Fields:    []model.FieldQuery{{Key: "email", ValidationType: schema.TypeEmail}},
	})
	require.NoError(t, err)
	require.Equal(t, "a@b.co", resp.Values["email"])
	require.Equal(t, 0.9, resp.Confidences["email"])
}

func TestNewValidatesInputs(t *testing.T) {
	_, err := New(nil, Options{Model: "gpt-test"})
	require.Error(t, err)
	_, err = New(&stubChat{}, Options{})
	require.Error(t, err)
}
