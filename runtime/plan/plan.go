// Package plan defines the executable extraction plan produced by architects
// and consumed by extractors, together with the deep-clone and cache-key
// helpers the kernel relies on for aliasing safety and deterministic lookups.
package plan

import (
	"time"

	"goa.design/parserator/runtime/schema"
)

type (
	// Strategy advises the extractor how to schedule steps. Sequential
	// execution is always correct; parallel and adaptive are advisory.
	Strategy string

	// Origin records where a plan came from. Cached retrievals always rewrite
	// the origin to OriginCached so consumers can distinguish fresh plans.
	Origin string

	// SearchStep is a single per-field extraction directive. Steps are
	// immutable once added to a plan.
	SearchStep struct {
		// TargetKey is the output field this step populates.
		TargetKey string `json:"targetKey"`
		// Description is a human-readable account of what the step looks for.
		Description string `json:"description"`
		// SearchInstruction guides resolvers (and LLM fallbacks) on how to
		// locate the value.
		SearchInstruction string `json:"searchInstruction"`
		// ValidationType selects the deterministic matcher for the field.
		ValidationType schema.ValidationType `json:"validationType"`
		// IsRequired marks fields whose absence fails the parse.
		IsRequired bool `json:"isRequired"`
	}

	// Metadata captures plan-level heuristics recorded by the architect.
	Metadata struct {
		// DetectedFormat is the probed input format.
		DetectedFormat schema.Format `json:"detectedFormat"`
		// Complexity buckets the extraction difficulty.
		Complexity schema.Complexity `json:"complexity"`
		// EstimatedTokens is the heuristic planning token cost.
		EstimatedTokens int `json:"estimatedTokens"`
		// Origin records the plan provenance: heuristic, model or cached.
		Origin Origin `json:"origin"`
		// PlannerConfidence is the confidence the architect reported for the
		// plan. The lean LLM resolver gates on it.
		PlannerConfidence float64 `json:"plannerConfidence,omitempty"`
	}

	// SearchPlan is the declarative description of what to extract and how.
	// Plans handed to consumers are always clones; cached plans are never
	// exposed by reference.
	SearchPlan struct {
		ID                  string       `json:"id"`
		Version             int          `json:"version"`
		Steps               []SearchStep `json:"steps"`
		Strategy            Strategy     `json:"strategy"`
		ConfidenceThreshold float64      `json:"confidenceThreshold"`
		Metadata            Metadata     `json:"metadata"`
		CreatedAt           time.Time    `json:"createdAt"`
	}
)

const (
	StrategySequential Strategy = "sequential"
	StrategyParallel   Strategy = "parallel"
	StrategyAdaptive   Strategy = "adaptive"

	OriginHeuristic Origin = "heuristic"
	OriginModel     Origin = "model"
	OriginCached    Origin = "cached"
)

// Clone returns a deep copy of the plan. The steps slice is copied so that
// mutating the clone never aliases the receiver.
func (p *SearchPlan) Clone() *SearchPlan {
	if p == nil {
		return nil
	}
	cp := *p
	cp.Steps = make([]SearchStep, len(p.Steps))
	copy(cp.Steps, p.Steps)
	return &cp
}

// Step returns the step targeting the given key, or nil.
func (p *SearchPlan) Step(targetKey string) *SearchStep {
	for i := range p.Steps {
		if p.Steps[i].TargetKey == targetKey {
			return &p.Steps[i]
		}
	}
	return nil
}

// RequiredKeys lists the target keys of all required steps in plan order.
func (p *SearchPlan) RequiredKeys() []string {
	var keys []string
	for _, s := range p.Steps {
		if s.IsRequired {
			keys = append(keys, s.TargetKey)
		}
	}
	return keys
}
