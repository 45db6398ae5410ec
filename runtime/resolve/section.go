package resolve

import (
	"context"
	"fmt"

	"goa.design/parserator/runtime/parse"
	"goa.design/parserator/runtime/plan"
	"goa.design/parserator/runtime/schema"
)

// sectionScoreFloor is the minimum section score worth extracting from.
// Below it the resolver skips so broader matchers get a chance.
const sectionScoreFloor = 0.5

// SectionResolver segments non-JSON input into heading-delimited sections,
// scores each against the target key, and extracts from the best section
// using the step's typed matcher. The section index is built once per parse
// and shared through the scratchpad.
type SectionResolver struct{}

var _ FieldResolver = SectionResolver{}

// NewSectionResolver constructs the section resolver.
func NewSectionResolver() SectionResolver { return SectionResolver{} }

// Name implements FieldResolver.
func (SectionResolver) Name() string { return "section" }

// Supports implements FieldResolver.
func (SectionResolver) Supports(plan.SearchStep) bool { return true }

// Resolve finds the best-scoring section for the step's target key and
// extracts a typed value from it.
func (r SectionResolver) Resolve(_ context.Context, req *Request) (*Resolution, error) {
	if req.Plan != nil && req.Plan.Metadata.DetectedFormat == schema.FormatJSON {
		return nil, nil
	}
	sections := r.sections(req)
	if len(sections) == 0 {
		return nil, nil
	}
	target := schema.NormalizeKey(req.Step.TargetKey)
	best := -1
	bestScore := 0.0
	for i, sec := range sections {
		if score := schema.ScoreSection(sec, target); score > bestScore {
			best, bestScore = i, score
		}
	}
	if best < 0 || bestScore < sectionScoreFloor {
		return nil, nil
	}
	sec := sections[best]
	match := extractTyped(req.Step, sec.Body)
	if match == nil {
		return nil, nil
	}
	label := sec.Heading
	if label == "" {
		label = fmt.Sprintf("line %d", sec.Start+1)
	}
	return &Resolution{
		Value:      match.Value,
		Confidence: match.Confidence,
		Resolver:   r.Name(),
		Diagnostics: []parse.Diagnostic{
			infoDiag(req.Step.TargetKey, fmt.Sprintf("section resolver matched %q (score %.2f)", label, bestScore)),
		},
	}, nil
}

// sections returns the section index, building and caching it on first use.
func (SectionResolver) sections(req *Request) []schema.Section {
	if cached, ok := req.Scratchpad.Lookup(keySectionIndex); ok {
		secs, _ := cached.([]schema.Section)
		return secs
	}
	secs := schema.SplitSections(req.InputData)
	req.Scratchpad.Set(keySectionIndex, secs)
	return secs
}

// extractTyped pulls a typed value out of a body of text: labeled-line lookup
// first so the value stays scoped to the key, then the whole-body typed
// matcher.
func extractTyped(step plan.SearchStep, body string) *schema.Match {
	if labeled := schema.MatchLabeled(step.TargetKey, body); labeled != nil {
		if raw, ok := labeled.Value.(string); ok {
			if coerced := schema.CoerceTyped(step.ValidationType, raw); coerced != nil {
				return coerced
			}
		}
	}
	return schema.MatchTyped(step.ValidationType, body)
}
