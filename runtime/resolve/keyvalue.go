package resolve

import (
	"context"
	"regexp"
	"strings"

	"goa.design/parserator/runtime/parse"
	"goa.design/parserator/runtime/plan"
	"goa.design/parserator/runtime/schema"
)

var looseLineRe = regexp.MustCompile(`(?m)^\s*([^:=\-\n]{1,48}?)\s*[:=\-]\s*(.+)$`)

// LooseKeyValueResolver indexes every "key [:=-] value" line of the input and
// answers steps by normalized-key lookup. It is not part of the default
// chain; profiles that deal with scrappy line-oriented input (vibe-coder)
// opt in.
type LooseKeyValueResolver struct{}

var _ FieldResolver = LooseKeyValueResolver{}

// NewLooseKeyValueResolver constructs the loose key-value resolver.
func NewLooseKeyValueResolver() LooseKeyValueResolver { return LooseKeyValueResolver{} }

// Name implements FieldResolver.
func (LooseKeyValueResolver) Name() string { return "loose-keyvalue" }

// Supports implements FieldResolver.
func (LooseKeyValueResolver) Supports(plan.SearchStep) bool { return true }

// Resolve looks the target key up in the line index and validates the raw
// value against the step's validation type.
func (r LooseKeyValueResolver) Resolve(_ context.Context, req *Request) (*Resolution, error) {
	if req.Plan != nil && req.Plan.Metadata.DetectedFormat == schema.FormatJSON {
		return nil, nil
	}
	index := r.index(req)
	if len(index) == 0 {
		return nil, nil
	}
	for _, variant := range schema.KeyVariants(req.Step.TargetKey) {
		raw, ok := index[variant]
		if !ok {
			continue
		}
		match := schema.CoerceTyped(req.Step.ValidationType, raw)
		if match == nil {
			continue
		}
		return &Resolution{
			Value:      match.Value,
			Confidence: match.Confidence,
			Resolver:   r.Name(),
			Diagnostics: []parse.Diagnostic{
				infoDiag(req.Step.TargetKey, "loose key-value resolver matched a labeled line"),
			},
		}, nil
	}
	return nil, nil
}

// index returns the normalized-key line index, building and caching it on
// first use. The first occurrence of a key wins.
func (LooseKeyValueResolver) index(req *Request) map[string]string {
	if cached, ok := req.Scratchpad.Lookup(keyKeyValueIndex); ok {
		index, _ := cached.(map[string]string)
		return index
	}
	index := make(map[string]string)
	for _, m := range looseLineRe.FindAllStringSubmatch(req.InputData, -1) {
		value := strings.TrimSpace(m[2])
		if value == "" {
			continue
		}
		for _, variant := range schema.KeyVariants(m[1]) {
			if _, exists := index[variant]; !exists {
				index[variant] = value
			}
		}
	}
	req.Scratchpad.Set(keyKeyValueIndex, index)
	return index
}
