package process

import (
	"context"
	"strings"

	"goa.design/parserator/runtime/parse"
)

// unsafeSchemaKeys are dropped from output schemas before planning. They are
// meaningless as extraction targets and a hazard when the schema round-trips
// through dynamic consumers.
var unsafeSchemaKeys = map[string]struct{}{
	"__proto__":   {},
	"constructor": {},
	"prototype":   {},
}

// textualNulls are string values normalized to absent by the default
// postprocessors.
var textualNulls = map[string]struct{}{
	"null": {},
	"none": {},
	"n/a":  {},
	"nil":  {},
}

// DefaultPreprocessors returns the standard preprocessor list: input
// trimming, line-ending normalization, and schema sanitization.
func DefaultPreprocessors() []Preprocessor {
	return []Preprocessor{
		trimWhitespace{},
		normalizeLineEndings{},
		stripUnsafeSchemaKeys{},
	}
}

// DefaultPostprocessors returns the standard postprocessor list: whitespace
// collapsing, optional-field pruning, and textual-null normalization.
func DefaultPostprocessors() []Postprocessor {
	return []Postprocessor{
		collapseWhitespace{},
		pruneEmptyOptionals{},
		normalizeTextualNulls{},
	}
}

type trimWhitespace struct{}

func (trimWhitespace) Name() string { return "trim-whitespace" }

func (trimWhitespace) Run(_ context.Context, req *parse.Request) (*PreResult, error) {
	trimmed := strings.TrimSpace(req.InputData)
	if trimmed == req.InputData {
		return nil, nil
	}
	cp := req.Clone()
	cp.InputData = trimmed
	return &PreResult{Request: cp}, nil
}

type normalizeLineEndings struct{}

func (normalizeLineEndings) Name() string { return "normalize-line-endings" }

func (normalizeLineEndings) Run(_ context.Context, req *parse.Request) (*PreResult, error) {
	normalized := strings.ReplaceAll(strings.ReplaceAll(req.InputData, "\r\n", "\n"), "\r", "\n")
	if normalized == req.InputData {
		return nil, nil
	}
	cp := req.Clone()
	cp.InputData = normalized
	return &PreResult{Request: cp}, nil
}

type stripUnsafeSchemaKeys struct{}

func (stripUnsafeSchemaKeys) Name() string { return "strip-unsafe-schema-keys" }

func (stripUnsafeSchemaKeys) Run(_ context.Context, req *parse.Request) (*PreResult, error) {
	var unsafe []string
	for key := range req.OutputSchema {
		if _, bad := unsafeSchemaKeys[strings.ToLower(key)]; bad {
			unsafe = append(unsafe, key)
		}
	}
	if len(unsafe) == 0 {
		return nil, nil
	}
	cp := req.Clone()
	res := &PreResult{Request: cp}
	for _, key := range unsafe {
		delete(cp.OutputSchema, key)
		res.Diagnostics = append(res.Diagnostics, parse.Diagnostic{
			Field:    key,
			Stage:    parse.StagePreprocess,
			Message:  "unsafe schema key removed",
			Severity: parse.SeverityWarning,
		})
	}
	return res, nil
}

type collapseWhitespace struct{}

func (collapseWhitespace) Name() string { return "collapse-whitespace" }

func (collapseWhitespace) Run(_ context.Context, req *PostRequest) (*PostResult, error) {
	changed := false
	out := make(map[string]any, len(req.ParsedData))
	for key, value := range req.ParsedData {
		if s, ok := value.(string); ok {
			collapsed := strings.Join(strings.Fields(s), " ")
			if collapsed != s {
				changed = true
			}
			out[key] = collapsed
			continue
		}
		out[key] = value
	}
	if !changed {
		return nil, nil
	}
	return &PostResult{ParsedData: out}, nil
}

type pruneEmptyOptionals struct{}

func (pruneEmptyOptionals) Name() string { return "prune-empty-optionals" }

func (pruneEmptyOptionals) Run(_ context.Context, req *PostRequest) (*PostResult, error) {
	if req.Plan == nil {
		return nil, nil
	}
	changed := false
	out := make(map[string]any, len(req.ParsedData))
	for key, value := range req.ParsedData {
		step := req.Plan.Step(key)
		if step != nil && !step.IsRequired && isEmptyValue(value) {
			changed = true
			continue
		}
		out[key] = value
	}
	if !changed {
		return nil, nil
	}
	return &PostResult{ParsedData: out}, nil
}

type normalizeTextualNulls struct{}

func (normalizeTextualNulls) Name() string { return "normalize-textual-nulls" }

func (normalizeTextualNulls) Run(_ context.Context, req *PostRequest) (*PostResult, error) {
	changed := false
	out := make(map[string]any, len(req.ParsedData))
	var diags []parse.Diagnostic
	for key, value := range req.ParsedData {
		if s, ok := value.(string); ok {
			if _, null := textualNulls[strings.ToLower(strings.TrimSpace(s))]; null {
				changed = true
				diags = append(diags, parse.Diagnostic{
					Field:    key,
					Stage:    parse.StagePostprocess,
					Message:  "textual null normalized to absent",
					Severity: parse.SeverityInfo,
				})
				continue
			}
		}
		out[key] = value
	}
	if !changed {
		return nil, nil
	}
	return &PostResult{ParsedData: out, Diagnostics: diags}, nil
}

func isEmptyValue(value any) bool {
	switch v := value.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(v) == ""
	case []any:
		return len(v) == 0
	case []string:
		return len(v) == 0
	case []float64:
		return len(v) == 0
	case map[string]any:
		return len(v) == 0
	default:
		return false
	}
}
