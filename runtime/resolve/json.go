package resolve

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"goa.design/parserator/runtime/parse"
	"goa.design/parserator/runtime/plan"
	"goa.design/parserator/runtime/schema"
)

// JSONResolver handles inputs the architect detected as JSON. The payload is
// parsed once per parse and cached in the scratchpad; each step then runs a
// breadth-first key search over the document so shallow matches win over
// deeply nested ones.
type JSONResolver struct{}

var _ FieldResolver = JSONResolver{}

// NewJSONResolver constructs the JSON resolver.
func NewJSONResolver() JSONResolver { return JSONResolver{} }

// Name implements FieldResolver.
func (JSONResolver) Name() string { return "json" }

// Supports implements FieldResolver. Applicability depends on the detected
// format, which is only known at resolve time.
func (JSONResolver) Supports(plan.SearchStep) bool { return true }

// Resolve searches the parsed payload for a key matching the target under
// normalization. Skips for non-JSON inputs and when the payload fails to
// parse.
func (r JSONResolver) Resolve(_ context.Context, req *Request) (*Resolution, error) {
	if req.Plan == nil || req.Plan.Metadata.DetectedFormat != schema.FormatJSON {
		return nil, nil
	}
	payload, diag := r.payload(req)
	if payload == nil {
		return diag, nil
	}
	value, path, depth := searchJSON(payload, req.Step.TargetKey)
	if value == nil {
		return nil, nil
	}
	conf := 0.95
	if depth > 1 {
		conf = 0.85
	}
	return &Resolution{
		Value:      coerceJSONValue(req.Step.ValidationType, value),
		Confidence: conf,
		Resolver:   r.Name(),
		Diagnostics: []parse.Diagnostic{
			infoDiag(req.Step.TargetKey, fmt.Sprintf("json resolver matched %s", path)),
		},
	}, nil
}

// payload returns the parsed document, parsing and caching on first use. A
// malformed payload is recorded once; subsequent steps skip silently.
func (r JSONResolver) payload(req *Request) (any, *Resolution) {
	if cached, ok := req.Scratchpad.Lookup(keyJSONPayload); ok {
		return cached, nil
	}
	if _, failed := req.Scratchpad.Lookup(keyJSONFailed); failed {
		return nil, nil
	}
	var doc any
	if err := json.Unmarshal([]byte(req.InputData), &doc); err != nil {
		req.Scratchpad.Set(keyJSONFailed, true)
		return nil, &Resolution{
			Resolver: r.Name(),
			Diagnostics: []parse.Diagnostic{
				warnDiag(req.Step.TargetKey, fmt.Sprintf("json resolver could not parse input: %v", err)),
			},
		}
	}
	req.Scratchpad.Set(keyJSONPayload, doc)
	return doc, nil
}

type jsonNode struct {
	value any
	path  string
	depth int
}

// searchJSON walks the document breadth first looking for an object key that
// matches the target under normalization. Returns the value, its JSONPath
// style location, and its depth.
func searchJSON(doc any, targetKey string) (any, string, int) {
	queue := []jsonNode{{value: doc, path: "$", depth: 0}}
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		switch v := node.value.(type) {
		case map[string]any:
			for key, child := range v {
				if child != nil && schema.KeysMatch(targetKey, key) {
					return child, node.path + "." + key, node.depth + 1
				}
			}
			for key, child := range v {
				queue = append(queue, jsonNode{value: child, path: node.path + "." + key, depth: node.depth + 1})
			}
		case []any:
			for i, child := range v {
				queue = append(queue, jsonNode{value: child, path: node.path + "[" + strconv.Itoa(i) + "]", depth: node.depth + 1})
			}
		}
	}
	return nil, "", 0
}

// coerceJSONValue adapts an already-typed JSON value to the step's validation
// type where a cheap conversion exists; otherwise the raw value passes
// through untouched.
func coerceJSONValue(vt schema.ValidationType, value any) any {
	switch v := value.(type) {
	case string:
		if m := schema.CoerceTyped(vt, v); m != nil {
			return m.Value
		}
	case float64:
		if vt == schema.TypeString {
			return strconv.FormatFloat(v, 'f', -1, 64)
		}
	}
	return value
}
