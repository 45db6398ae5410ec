package resolve

import (
	"context"

	"goa.design/parserator/runtime/plan"
	"goa.design/parserator/runtime/schema"
)

// TypedRegexResolver applies the validation-type pattern for the step over
// the full input. For string-ish and custom types, which have no whole-input
// pattern, it falls back to labeled "key [:-] value" lines. This is the last
// deterministic resolver in the default chain.
type TypedRegexResolver struct{}

var _ FieldResolver = TypedRegexResolver{}

// NewTypedRegexResolver constructs the typed regex resolver.
func NewTypedRegexResolver() TypedRegexResolver { return TypedRegexResolver{} }

// Name implements FieldResolver.
func (TypedRegexResolver) Name() string { return "typed-regex" }

// Supports implements FieldResolver.
func (TypedRegexResolver) Supports(plan.SearchStep) bool { return true }

// Resolve matches the step's validation type against the whole input, then
// tries labeled-line lookup as the fall-through.
func (r TypedRegexResolver) Resolve(_ context.Context, req *Request) (*Resolution, error) {
	match := schema.MatchTyped(req.Step.ValidationType, req.InputData)
	if match == nil {
		if labeled := schema.MatchLabeled(req.Step.TargetKey, req.InputData); labeled != nil {
			if raw, ok := labeled.Value.(string); ok {
				if coerced := schema.CoerceTyped(req.Step.ValidationType, raw); coerced != nil {
					match = coerced
				}
			}
			if match == nil {
				match = labeled
			}
		}
	}
	if match == nil {
		return nil, nil
	}
	return &Resolution{
		Value:      match.Value,
		Confidence: match.Confidence,
		Resolver:   r.Name(),
	}, nil
}
