// Package model defines the provider-agnostic contracts the kernel uses to
// invoke LLMs: plan rewriting for low-confidence heuristic plans and batched
// field fallback for unresolved fields. Implementations wrap provider SDKs
// (Anthropic, OpenAI, Bedrock) under features/model and translate these
// normalized types into provider-specific calls. Clients should be
// thread-safe and reusable across parses.
package model

import (
	"context"
	"errors"
	"time"

	"goa.design/parserator/runtime/parse"
	"goa.design/parserator/runtime/plan"
	"goa.design/parserator/runtime/schema"
)

// ErrRateLimited indicates the provider rejected the call due to rate
// limiting. Adapters wrap provider-specific signals with this sentinel so
// middleware can react uniformly.
var ErrRateLimited = errors.New("model: rate limited")

type (
	// Usage reports the token cost and latency of one model invocation.
	// FinishReason is provider-specific; the kernel surfaces it verbatim and
	// leaves retryable/fatal classification to the client.
	Usage struct {
		InputTokens  int    `json:"inputTokens"`
		OutputTokens int    `json:"outputTokens"`
		TotalTokens  int    `json:"totalTokens"`
		Model        string `json:"model,omitempty"`
		LatencyMs    int64  `json:"latencyMs,omitempty"`
		FinishReason string `json:"finishReason,omitempty"`
	}

	// PlanRewriteRequest asks a model to improve a low-confidence heuristic
	// plan. The sample is pre-trimmed by the caller.
	PlanRewriteRequest struct {
		// InputSample is a representative slice of the input data.
		InputSample string
		// OutputSchema is the caller-provided output schema.
		OutputSchema map[string]any
		// Instructions optionally refines extraction behavior.
		Instructions string
		// HeuristicPlan is the plan to improve.
		HeuristicPlan *plan.SearchPlan
		// Threshold is the confidence the heuristic plan failed to meet.
		Threshold float64
		// Timeout is the advisory per-call deadline.
		Timeout time.Duration
	}

	// PlanRewriteResponse carries the rewritten plan. A nil Plan means the
	// model declined to improve on the heuristic.
	PlanRewriteResponse struct {
		Plan        *plan.SearchPlan
		Confidence  float64
		Diagnostics []parse.Diagnostic
		Usage       Usage
	}

	// FieldQuery describes one unresolved field in a batch request.
	FieldQuery struct {
		Key            string
		Description    string
		Instruction    string
		ValidationType schema.ValidationType
		IsRequired     bool
	}

	// FieldBatchRequest asks a model to resolve all unresolved fields of the
	// current parse in a single call.
	FieldBatchRequest struct {
		// InputData is the (possibly truncated) input text.
		InputData string
		// Fields lists the unresolved fields in plan order.
		Fields []FieldQuery
		// Instructions optionally refines extraction behavior.
		Instructions string
		// Timeout is the advisory per-call deadline.
		Timeout time.Duration
	}

	// FieldBatchResponse fans resolved values back out to fields. Keys absent
	// from Values remain unresolved. SharedExtractions carries extra values
	// the model found along the way; the lean resolver memoizes them for
	// later fields.
	FieldBatchResponse struct {
		Values            map[string]any
		Confidences       map[string]float64
		SharedExtractions map[string]any
		Diagnostics       []parse.Diagnostic
		Usage             Usage
	}

	// RewriteClient is the plan-rewrite contract implemented by provider
	// adapters.
	RewriteClient interface {
		RewritePlan(ctx context.Context, req *PlanRewriteRequest) (*PlanRewriteResponse, error)
	}

	// FieldClient is the batched field-fallback contract implemented by
	// provider adapters.
	FieldClient interface {
		ResolveFields(ctx context.Context, req *FieldBatchRequest) (*FieldBatchResponse, error)
	}
)
