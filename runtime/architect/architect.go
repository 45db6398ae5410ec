// Package architect builds search plans from an output schema and a sample of
// the input. The heuristic architect is pure and deterministic; the hybrid
// architect wraps it with an LLM rewrite path for low-confidence plans,
// serialized on a concurrency-1 queue with a cooldown window.
package architect

import (
	"context"

	"goa.design/parserator/runtime/parse"
	"goa.design/parserator/runtime/plan"
)

type (
	// Request carries the inputs of a planning run.
	Request struct {
		// InputData is the sample to plan against. Sessions may pass a seed
		// input rather than the parse input.
		InputData string
		// OutputSchema maps field names to schema descriptors.
		OutputSchema map[string]any
		// Instructions optionally refines extraction behavior.
		Instructions string
		// Options carries the per-parse options, consulted for the confidence
		// threshold.
		Options *parse.Options
		// RequestID identifies the parse for telemetry correlation.
		RequestID string
		// Profile names the active kernel profile, if any.
		Profile string
	}

	// Result is the outcome of a planning run.
	Result struct {
		// Plan is the produced search plan.
		Plan *plan.SearchPlan
		// Confidence is the architect's confidence in the plan, in [0, 1].
		Confidence float64
		// Tokens is the token cost of producing the plan.
		Tokens int
		// ProcessingTimeMs is the planning latency.
		ProcessingTimeMs int64
		// Diagnostics carries structured notes about the run.
		Diagnostics []parse.Diagnostic
	}

	// Agent is the pluggable architect contract.
	Agent interface {
		// CreatePlan builds a search plan for the request.
		CreatePlan(ctx context.Context, req *Request) (*Result, error)
	}
)
