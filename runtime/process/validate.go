package process

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"goa.design/parserator/runtime/parse"
	"goa.design/parserator/runtime/plan"
	"goa.design/parserator/runtime/schema"
)

// ValidateOutput is the opt-in postprocessor behind the validateOutput parse
// option. It derives a JSON Schema from the executed plan and validates the
// extracted data against it; violations become warning diagnostics rather
// than failures, since the extractor already enforces requiredness.
type ValidateOutput struct{}

var _ Postprocessor = ValidateOutput{}

// NewValidateOutput constructs the output validation postprocessor.
func NewValidateOutput() ValidateOutput { return ValidateOutput{} }

// Name implements Postprocessor.
func (ValidateOutput) Name() string { return "validate-output" }

// Run implements Postprocessor.
func (ValidateOutput) Run(_ context.Context, req *PostRequest) (*PostResult, error) {
	if req.Plan == nil || len(req.ParsedData) == 0 {
		return nil, nil
	}
	compiled, err := compilePlanSchema(req.Plan)
	if err != nil {
		return nil, fmt.Errorf("compile output schema: %w", err)
	}

	// Round-trip so typed slices become plain JSON values the validator
	// understands.
	raw, err := json.Marshal(req.ParsedData)
	if err != nil {
		return nil, fmt.Errorf("marshal parsed data: %w", err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal parsed data: %w", err)
	}

	if err := compiled.Validate(doc); err != nil {
		return &PostResult{Diagnostics: []parse.Diagnostic{{
			Stage:    parse.StagePostprocess,
			Message:  fmt.Sprintf("output validation: %v", err),
			Severity: parse.SeverityWarning,
		}}}, nil
	}
	return &PostResult{Diagnostics: []parse.Diagnostic{{
		Stage:    parse.StagePostprocess,
		Message:  "output validated against derived schema",
		Severity: parse.SeverityInfo,
	}}}, nil
}

// compilePlanSchema derives and compiles a JSON Schema from the plan steps.
func compilePlanSchema(p *plan.SearchPlan) (*jsonschema.Schema, error) {
	properties := make(map[string]any, len(p.Steps))
	for _, step := range p.Steps {
		properties[step.TargetKey] = map[string]any{"type": jsonTypeFor(step.ValidationType)}
	}
	doc := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("plan.json", doc); err != nil {
		return nil, err
	}
	return c.Compile("plan.json")
}

// jsonTypeFor maps a validation type to its JSON Schema type. Typed string
// formats (email, url, dates) stay plain strings; the typed matchers already
// enforced their shape upstream.
func jsonTypeFor(vt schema.ValidationType) any {
	switch vt {
	case schema.TypeNumber, schema.TypeCurrency, schema.TypePercentage:
		// Currency and percentage values may survive as annotated strings.
		return []any{"number", "string"}
	case schema.TypeBoolean:
		return "boolean"
	case schema.TypeStringArray, schema.TypeNumberArray:
		return "array"
	case schema.TypeObject:
		return []any{"object", "array", "string"}
	default:
		return "string"
	}
}
