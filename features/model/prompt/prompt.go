// Package prompt builds the provider-neutral prompts the model adapters send
// for plan rewrites and batched field fallbacks, and decodes the strict-JSON
// replies back into runtime/model responses. Keeping this logic in one place
// lets every provider adapter stay a thin transport shim.
package prompt

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"goa.design/parserator/runtime/model"
	"goa.design/parserator/runtime/plan"
	"goa.design/parserator/runtime/schema"
)

const (
	rewriteSystem = "You are an extraction planner. You improve search plans " +
		"that locate structured fields in unstructured text. Reply with a " +
		"single JSON object and nothing else."

	fieldSystem = "You are a field extractor. You locate the requested field " +
		"values in the input text. Reply with a single JSON object and " +
		"nothing else."
)

type (
	rewriteWire struct {
		Confidence float64    `json:"confidence"`
		Steps      []stepWire `json:"steps"`
		Notes      []string   `json:"notes,omitempty"`
	}

	stepWire struct {
		TargetKey         string `json:"targetKey"`
		Description       string `json:"description"`
		SearchInstruction string `json:"searchInstruction"`
		ValidationType    string `json:"validationType"`
		IsRequired        bool   `json:"isRequired"`
	}

	fieldBatchWire struct {
		Fields map[string]fieldValueWire `json:"fields"`
		Shared map[string]any            `json:"shared,omitempty"`
		Notes  []string                  `json:"notes,omitempty"`
	}

	fieldValueWire struct {
		Value      any     `json:"value"`
		Confidence float64 `json:"confidence"`
	}
)

// Rewrite renders the system and user prompts for a plan-rewrite call.
func Rewrite(req *model.PlanRewriteRequest) (system, user string) {
	var b strings.Builder
	b.WriteString("Improve the following extraction plan. The current plan ")
	fmt.Fprintf(&b, "scored %.2f, below the required %.2f.\n\n", req.HeuristicPlan.Metadata.PlannerConfidence, req.Threshold)

	b.WriteString("Output schema:\n")
	writeJSON(&b, req.OutputSchema)
	if req.Instructions != "" {
		b.WriteString("\nInstructions: ")
		b.WriteString(req.Instructions)
		b.WriteString("\n")
	}
	b.WriteString("\nCurrent plan steps:\n")
	steps := make([]stepWire, len(req.HeuristicPlan.Steps))
	for i, s := range req.HeuristicPlan.Steps {
		steps[i] = stepWire{
			TargetKey:         s.TargetKey,
			Description:       s.Description,
			SearchInstruction: s.SearchInstruction,
			ValidationType:    string(s.ValidationType),
			IsRequired:        s.IsRequired,
		}
	}
	writeJSON(&b, steps)
	b.WriteString("\nInput sample:\n---\n")
	b.WriteString(req.InputSample)
	b.WriteString("\n---\n\n")
	b.WriteString(`Reply with JSON: {"confidence": <0..1>, "steps": [{"targetKey", ` +
		`"description", "searchInstruction", "validationType", "isRequired"}], ` +
		`"notes": [<optional strings>]}. Keep every schema field. Return an ` +
		`empty steps array if the current plan cannot be improved.`)
	return rewriteSystem, b.String()
}

// DecodeRewrite parses a rewrite reply. A reply with no steps means the model
// declined; the returned response then has a nil Plan.
func DecodeRewrite(raw string, req *model.PlanRewriteRequest) (*model.PlanRewriteResponse, error) {
	doc, err := ExtractJSON(raw)
	if err != nil {
		return nil, fmt.Errorf("rewrite reply: %w", err)
	}
	var wire rewriteWire
	if err := json.Unmarshal([]byte(doc), &wire); err != nil {
		return nil, fmt.Errorf("rewrite reply: %w", err)
	}
	resp := &model.PlanRewriteResponse{Confidence: clamp01(wire.Confidence)}
	if len(wire.Steps) == 0 {
		return resp, nil
	}

	heuristic := req.HeuristicPlan
	rewritten := heuristic.Clone()
	rewritten.Steps = make([]plan.SearchStep, 0, len(wire.Steps))
	for _, s := range wire.Steps {
		if s.TargetKey == "" {
			continue
		}
		rewritten.Steps = append(rewritten.Steps, plan.SearchStep{
			TargetKey:         s.TargetKey,
			Description:       s.Description,
			SearchInstruction: s.SearchInstruction,
			ValidationType:    validationType(s.ValidationType),
			IsRequired:        s.IsRequired,
		})
	}
	if len(rewritten.Steps) == 0 {
		return resp, nil
	}
	resp.Plan = rewritten
	return resp, nil
}

// Fields renders the system and user prompts for a batched field call.
func Fields(req *model.FieldBatchRequest) (system, user string) {
	var b strings.Builder
	b.WriteString("Find the following fields in the input text.\n\nFields:\n")
	for _, f := range req.Fields {
		fmt.Fprintf(&b, "- %s (%s", f.Key, f.ValidationType)
		if f.IsRequired {
			b.WriteString(", required")
		}
		b.WriteString(")")
		if f.Instruction != "" {
			b.WriteString(": ")
			b.WriteString(f.Instruction)
		} else if f.Description != "" {
			b.WriteString(": ")
			b.WriteString(f.Description)
		}
		b.WriteString("\n")
	}
	if req.Instructions != "" {
		b.WriteString("\nInstructions: ")
		b.WriteString(req.Instructions)
		b.WriteString("\n")
	}
	b.WriteString("\nInput:\n---\n")
	b.WriteString(req.InputData)
	b.WriteString("\n---\n\n")
	b.WriteString(`Reply with JSON: {"fields": {"<key>": {"value": <value>, ` +
		`"confidence": <0..1>}}, "shared": {<other values found along the way>}}. ` +
		`Omit fields you cannot find. Use native JSON types for numbers and booleans.`)
	return fieldSystem, b.String()
}

// DecodeFields parses a batched field reply.
func DecodeFields(raw string) (*model.FieldBatchResponse, error) {
	doc, err := ExtractJSON(raw)
	if err != nil {
		return nil, fmt.Errorf("field reply: %w", err)
	}
	var wire fieldBatchWire
	if err := json.Unmarshal([]byte(doc), &wire); err != nil {
		return nil, fmt.Errorf("field reply: %w", err)
	}
	resp := &model.FieldBatchResponse{
		Values:      make(map[string]any, len(wire.Fields)),
		Confidences: make(map[string]float64, len(wire.Fields)),
	}
	for key, fv := range wire.Fields {
		if fv.Value == nil {
			continue
		}
		resp.Values[key] = fv.Value
		resp.Confidences[key] = clamp01(fv.Confidence)
	}
	if len(wire.Shared) > 0 {
		resp.SharedExtractions = wire.Shared
	}
	return resp, nil
}

// ExtractJSON returns the JSON object embedded in a model reply, tolerating
// markdown code fences and prose around the object.
func ExtractJSON(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if fenced := strings.Index(s, "```"); fenced >= 0 {
		rest := s[fenced+3:]
		if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
			rest = rest[nl+1:]
		}
		if end := strings.Index(rest, "```"); end >= 0 {
			s = strings.TrimSpace(rest[:end])
		}
	}
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", errors.New("no JSON object in reply")
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1], nil
			}
		}
	}
	return "", errors.New("unterminated JSON object in reply")
}

func validationType(s string) schema.ValidationType {
	if s == "" {
		return schema.TypeString
	}
	return schema.ValidationType(s)
}

func clamp01(f float64) float64 {
	switch {
	case f < 0:
		return 0
	case f > 1:
		return 1
	}
	return f
}

func writeJSON(b *strings.Builder, v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		b.WriteString("{}")
		return
	}
	b.Write(data)
	b.WriteString("\n")
}
