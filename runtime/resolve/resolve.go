// Package resolve implements the field-resolver chain: the registry that
// walks resolvers in registration order, the per-parse scratchpad they share,
// and the default resolvers (JSON, section, loose key-value, typed regex, and
// the optional lean LLM fallback).
//
// Resolvers are pluggable strategies for finding a single field's value in
// the input. The first non-skip result with a defined value wins; diagnostics
// accumulate across every consulted resolver. Resolver failures never
// propagate: the registry converts them into warning diagnostics and moves
// on.
package resolve

import (
	"context"

	"goa.design/parserator/runtime/parse"
	"goa.design/parserator/runtime/plan"
)

type (
	// Request carries everything a resolver may consult for one step. The
	// request is read-only from the resolver's perspective; shared mutable
	// state lives in the scratchpad.
	Request struct {
		// Step is the plan step being resolved.
		Step plan.SearchStep
		// InputData is the full preprocessed input.
		InputData string
		// Plan is the active search plan; resolvers read metadata such as the
		// detected format and planner confidence from it.
		Plan *plan.SearchPlan
		// Instructions is the caller-provided extraction guidance.
		Instructions string
		// RequestID identifies the parse for telemetry correlation.
		RequestID string
		// Scratchpad is the parse-local shared state map.
		Scratchpad *Scratchpad
	}

	// Resolution is the outcome of one resolver for one step. A nil Value
	// with diagnostics still contributes to the aggregated result.
	Resolution struct {
		// Value is the extracted value; nil means the resolver found nothing.
		Value any
		// Confidence is the resolver's confidence in the value, in [0, 1].
		Confidence float64
		// Diagnostics carries structured notes about the attempt.
		Diagnostics []parse.Diagnostic
		// Resolver names the resolver that produced the result.
		Resolver string
	}

	// FieldResolver locates a single field's value in the input. Supports is
	// a cheap static filter on the step; Resolve may still skip by returning
	// (nil, nil).
	FieldResolver interface {
		// Name identifies the resolver in diagnostics and registry listings.
		Name() string
		// Supports reports whether the resolver applies to the step at all.
		Supports(step plan.SearchStep) bool
		// Resolve attempts to locate the step's value. Returning (nil, nil)
		// skips to the next resolver.
		Resolve(ctx context.Context, req *Request) (*Resolution, error)
	}
)

// DefaultChain returns the deterministic default resolver chain in
// consultation order. The loose key-value resolver is profile opt-in and the
// lean LLM resolver requires a client, so neither is part of the default.
func DefaultChain() []FieldResolver {
	return []FieldResolver{
		NewJSONResolver(),
		NewSectionResolver(),
		NewTypedRegexResolver(),
	}
}

// infoDiag builds an info diagnostic attributed to the extractor stage.
func infoDiag(field, message string) parse.Diagnostic {
	return parse.Diagnostic{Field: field, Stage: parse.StageExtractor, Message: message, Severity: parse.SeverityInfo}
}

// warnDiag builds a warning diagnostic attributed to the extractor stage.
func warnDiag(field, message string) parse.Diagnostic {
	return parse.Diagnostic{Field: field, Stage: parse.StageExtractor, Message: message, Severity: parse.SeverityWarning}
}
