package extract

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"goa.design/parserator/runtime/parse"
	"goa.design/parserator/runtime/plan"
	"goa.design/parserator/runtime/resolve"
	"goa.design/parserator/runtime/schema"
)

func textPlan(steps ...plan.SearchStep) *plan.SearchPlan {
	return &plan.SearchPlan{
		ID:       "plan-1",
		Version:  1,
		Steps:    steps,
		Strategy: plan.StrategySequential,
		Metadata: plan.Metadata{
			DetectedFormat:  schema.FormatText,
			EstimatedTokens: 200,
			Origin:          plan.OriginHeuristic,
		},
	}
}

func defaultExtractor() *Heuristic {
	return NewHeuristic(resolve.NewRegistry(nil, resolve.DefaultChain()...))
}

func TestExecuteResolvesLooseText(t *testing.T) {
	input := "Name: Bob Smith\nEmail: bob@acme.io\nPhone: +1 555 123 4567"
	p := textPlan(
		plan.SearchStep{TargetKey: "name", ValidationType: schema.TypeName, IsRequired: true},
		plan.SearchStep{TargetKey: "email", ValidationType: schema.TypeEmail, IsRequired: true},
		plan.SearchStep{TargetKey: "phone", ValidationType: schema.TypePhone, IsRequired: true},
	)

	res, err := defaultExtractor().Execute(context.Background(), &Request{InputData: input, Plan: p})
	require.NoError(t, err)
	require.Nil(t, res.Error)
	require.Equal(t, "Bob Smith", res.ParsedData["name"])
	require.Equal(t, "bob@acme.io", res.ParsedData["email"])
	require.Equal(t, "+1 555 123 4567", res.ParsedData["phone"])

	for _, d := range res.Diagnostics {
		require.NotEqual(t, parse.SeverityWarning, d.Severity)
	}
}

func TestExecuteMissingRequiredField(t *testing.T) {
	input := "Name: Bob Smith"
	p := textPlan(
		plan.SearchStep{TargetKey: "name", ValidationType: schema.TypeName, IsRequired: true},
		plan.SearchStep{TargetKey: "total", ValidationType: schema.TypeCurrency, IsRequired: true},
	)

	res, err := defaultExtractor().Execute(context.Background(), &Request{InputData: input, Plan: p})
	require.NoError(t, err)
	require.NotNil(t, res.Error)
	require.Equal(t, parse.CodeMissingRequiredFields, res.Error.Code)
	require.Equal(t, parse.StageExtractor, res.Error.Stage)
	require.Equal(t, []string{"total"}, res.Error.Details["missing"])

	// Partial data survives the failure.
	require.Equal(t, "Bob Smith", res.ParsedData["name"])
}

func TestExecuteConfidenceAggregation(t *testing.T) {
	input := "Email: jane@example.com"
	p := textPlan(
		plan.SearchStep{TargetKey: "email", ValidationType: schema.TypeEmail, IsRequired: true},
		plan.SearchStep{TargetKey: "nickname", ValidationType: schema.TypeString},
	)

	res, err := defaultExtractor().Execute(context.Background(), &Request{InputData: input, Plan: p})
	require.NoError(t, err)

	// email present at 0.9 -> max(0.9, 0.7) = 0.9; nickname absent optional
	// -> max(0, 0.2) = 0.2; average 0.55.
	require.InDelta(t, 0.55, res.Confidence, 1e-9)
}

func TestExecuteTokenFormula(t *testing.T) {
	p := textPlan(plan.SearchStep{TargetKey: "name", ValidationType: schema.TypeName, IsRequired: true})
	p.Metadata.EstimatedTokens = 200

	res, err := defaultExtractor().Execute(context.Background(), &Request{InputData: "Name: Bob Smith", Plan: p})
	require.NoError(t, err)
	require.Equal(t, 140, res.Tokens)

	// Tiny plans floor at the base cost.
	p.Metadata.EstimatedTokens = 10
	res, err = defaultExtractor().Execute(context.Background(), &Request{InputData: "Name: Bob Smith", Plan: p})
	require.NoError(t, err)
	require.Equal(t, 72, res.Tokens)
}

func TestExecuteRecordsResolvedFieldsInScratchpad(t *testing.T) {
	scratch := resolve.NewScratchpad()
	p := textPlan(plan.SearchStep{TargetKey: "email", ValidationType: schema.TypeEmail, IsRequired: true})

	_, err := defaultExtractor().Execute(context.Background(), &Request{
		InputData:  "Email: jane@example.com",
		Plan:       p,
		Scratchpad: scratch,
	})
	require.NoError(t, err)

	resolved, ok := scratch.Get(resolve.KeyResolvedFields).(map[string]any)
	require.True(t, ok)
	require.Contains(t, resolved, "email")
}

func TestExecuteEmptyPlan(t *testing.T) {
	res, err := defaultExtractor().Execute(context.Background(), &Request{InputData: "x", Plan: textPlan()})
	require.NoError(t, err)
	require.Nil(t, res.Error)
	require.Zero(t, res.Confidence)
	require.Empty(t, res.ParsedData)
}
