// Package extract executes search plans against the full input using the
// resolver chain and aggregates per-step confidence into the extractor
// confidence reported on parse metadata.
package extract

import (
	"context"
	"math"

	"goa.design/parserator/runtime/parse"
	"goa.design/parserator/runtime/plan"
	"goa.design/parserator/runtime/resolve"
)

type (
	// Request carries the inputs of an extraction run.
	Request struct {
		// InputData is the full preprocessed input.
		InputData string
		// Plan is the search plan to execute.
		Plan *plan.SearchPlan
		// Instructions is the caller-provided extraction guidance.
		Instructions string
		// RequestID identifies the parse for telemetry correlation.
		RequestID string
		// Scratchpad is the parse-local shared state map. Nil constructs a
		// fresh one.
		Scratchpad *resolve.Scratchpad
	}

	// Result is the outcome of an extraction run. A missing-required-fields
	// failure is reported through Error, not through a Go error; the partial
	// data and diagnostics are always populated.
	Result struct {
		// ParsedData maps target keys to extracted values.
		ParsedData map[string]any
		// Confidence is the aggregate extractor confidence, in [0, 1].
		Confidence float64
		// Tokens is the extraction token cost, including lean LLM spend.
		Tokens int
		// Diagnostics carries the accumulated resolver diagnostics in step
		// order.
		Diagnostics []parse.Diagnostic
		// Error is set when required fields could not be resolved.
		Error *parse.Error
		// Fallback is the lean LLM usage summary when the fallback ran.
		Fallback *parse.FallbackSummary
	}

	// Agent is the pluggable extractor contract.
	Agent interface {
		// Execute runs the plan against the input.
		Execute(ctx context.Context, req *Request) (*Result, error)
	}

	// RegistryAttacher is implemented by extractors that accept the kernel's
	// resolver registry.
	RegistryAttacher interface {
		AttachRegistry(registry *resolve.Registry)
	}
)

// extractorBaseTokens is the floor token cost of an extraction run.
const extractorBaseTokens = 72

// Heuristic is the default extractor. It walks plan steps in order (the
// parallel strategy is advisory; sequential execution is always correct) and
// delegates each step to the resolver registry.
type Heuristic struct {
	registry *resolve.Registry
}

var (
	_ Agent            = (*Heuristic)(nil)
	_ RegistryAttacher = (*Heuristic)(nil)
)

// NewHeuristic constructs the default extractor.
func NewHeuristic(registry *resolve.Registry) *Heuristic {
	return &Heuristic{registry: registry}
}

// AttachRegistry implements RegistryAttacher.
func (e *Heuristic) AttachRegistry(registry *resolve.Registry) {
	e.registry = registry
}

// Execute implements Agent.
func (e *Heuristic) Execute(ctx context.Context, req *Request) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	scratch := req.Scratchpad
	if scratch == nil {
		scratch = resolve.NewScratchpad()
	}
	resolved := make(map[string]any)
	scratch.Set(resolve.KeyResolvedFields, resolved)

	result := &Result{ParsedData: make(map[string]any)}
	var confidenceSum float64
	var missing []string

	for _, step := range req.Plan.Steps {
		res := e.registry.Resolve(ctx, &resolve.Request{
			Step:         step,
			InputData:    req.InputData,
			Plan:         req.Plan,
			Instructions: req.Instructions,
			RequestID:    req.RequestID,
			Scratchpad:   scratch,
		})
		result.Diagnostics = append(result.Diagnostics, res.Diagnostics...)

		if res.Value != nil {
			result.ParsedData[step.TargetKey] = res.Value
			resolved[step.TargetKey] = res.Value
			confidenceSum += presentConfidence(res.Confidence, step.IsRequired)
			continue
		}
		confidenceSum += absentConfidence(res.Confidence, step.IsRequired)
		if step.IsRequired {
			missing = append(missing, step.TargetKey)
		}
	}

	if n := len(req.Plan.Steps); n > 0 {
		result.Confidence = clamp01(confidenceSum / float64(n))
	}
	result.Tokens = extractorTokens(req.Plan.Metadata.EstimatedTokens)
	if summary, ok := scratch.Get(resolve.KeyLeanUsage).(*parse.FallbackSummary); ok {
		result.Fallback = summary
		result.Tokens += summary.TotalTokens
	}
	if len(missing) > 0 {
		result.Error = &parse.Error{
			Code:       parse.CodeMissingRequiredFields,
			Message:    "required fields could not be resolved",
			Stage:      parse.StageExtractor,
			Details:    map[string]any{"missing": missing},
			Suggestion: "provide richer input, relax the schema, or enable the lean LLM fallback",
		}
	}
	return result, nil
}

// presentConfidence applies the piecewise rule for resolved steps.
func presentConfidence(conf float64, required bool) float64 {
	floor := 0.5
	if required {
		floor = 0.7
	}
	return math.Max(conf, floor)
}

// absentConfidence applies the piecewise rule for unresolved steps. Required
// absences weigh in at the resolver confidence; optional absences get a small
// floor so they do not crater the aggregate.
func absentConfidence(conf float64, required bool) float64 {
	if required {
		return conf
	}
	return math.Max(conf, 0.2)
}

// extractorTokens derives the deterministic extraction cost from the plan's
// estimated tokens.
func extractorTokens(estimated int) int {
	t := int(math.Round(float64(estimated) * 0.7))
	if t < extractorBaseTokens {
		return extractorBaseTokens
	}
	return t
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
