package architect

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"goa.design/parserator/runtime/parse"
	"goa.design/parserator/runtime/plan"
	"goa.design/parserator/runtime/schema"
)

const (
	// heuristicBaseConfidence is the floor confidence of a heuristic plan.
	heuristicBaseConfidence = 0.45
	// heuristicPerFieldBoost is added per recognized field, up to
	// heuristicMaxBoostFields fields.
	heuristicPerFieldBoost  = 0.07
	heuristicMaxBoostFields = 6
	// heuristicConfidenceCap bounds heuristic confidence; only model rewrites
	// may report higher.
	heuristicConfidenceCap = 0.92
)

// Heuristic is the deterministic default architect. It derives one step per
// schema field, infers validation types from descriptors and field names, and
// estimates cost from input size and schema width. No model calls are made.
type Heuristic struct {
	// Strategy is the advisory execution strategy stamped on plans. Empty
	// defaults to sequential.
	Strategy plan.Strategy
	// DefaultThreshold is the plan confidence threshold used when the request
	// options carry none.
	DefaultThreshold float64

	now func() time.Time
}

var _ Agent = (*Heuristic)(nil)

// NewHeuristic constructs the heuristic architect.
func NewHeuristic(strategy plan.Strategy, defaultThreshold float64) *Heuristic {
	if strategy == "" {
		strategy = plan.StrategySequential
	}
	return &Heuristic{Strategy: strategy, DefaultThreshold: defaultThreshold, now: time.Now}
}

// CreatePlan implements Agent. Steps follow sorted field-name order so two
// runs over the same schema yield identical plans.
func (h *Heuristic) CreatePlan(ctx context.Context, req *Request) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	start := h.timeNow()

	fields := make([]string, 0, len(req.OutputSchema))
	for name := range req.OutputSchema {
		fields = append(fields, name)
	}
	sort.Strings(fields)

	steps := make([]plan.SearchStep, 0, len(fields))
	recognized := 0
	for _, name := range fields {
		descriptor := req.OutputSchema[name]
		vt := schema.DetectValidationType(name, descriptor)
		if vt != schema.TypeString {
			recognized++
		}
		steps = append(steps, plan.SearchStep{
			TargetKey:         name,
			Description:       stepDescription(name, descriptor),
			SearchInstruction: stepInstruction(name, vt, req.Instructions),
			ValidationType:    vt,
			IsRequired:        !schema.IsFieldOptional(descriptor),
		})
	}

	confidence := heuristicConfidence(recognized)
	est := schema.EstimateTokens(len(req.InputData), len(fields))
	p := &plan.SearchPlan{
		ID:                  uuid.NewString(),
		Version:             1,
		Steps:               steps,
		Strategy:            h.strategy(),
		ConfidenceThreshold: req.Options.Threshold(h.DefaultThreshold),
		Metadata: plan.Metadata{
			DetectedFormat:    schema.DetectFormat(req.InputData),
			Complexity:        schema.EstimateComplexity(len(req.InputData), len(fields)),
			EstimatedTokens:   est,
			Origin:            plan.OriginHeuristic,
			PlannerConfidence: confidence,
		},
		CreatedAt: h.timeNow(),
	}

	return &Result{
		Plan:             p,
		Confidence:       confidence,
		Tokens:           est,
		ProcessingTimeMs: h.timeNow().Sub(start).Milliseconds(),
		Diagnostics: []parse.Diagnostic{{
			Stage:    parse.StageArchitect,
			Message:  fmt.Sprintf("heuristic plan: %d steps, %d typed fields, format %s", len(steps), recognized, p.Metadata.DetectedFormat),
			Severity: parse.SeverityInfo,
		}},
	}, nil
}

func (h *Heuristic) strategy() plan.Strategy {
	if h.Strategy == "" {
		return plan.StrategySequential
	}
	return h.Strategy
}

func (h *Heuristic) timeNow() time.Time {
	if h.now == nil {
		return time.Now()
	}
	return h.now()
}

// heuristicConfidence grows with the number of fields whose type the
// heuristics recognized, clamped to the heuristic cap.
func heuristicConfidence(recognized int) float64 {
	if recognized > heuristicMaxBoostFields {
		recognized = heuristicMaxBoostFields
	}
	c := heuristicBaseConfidence + heuristicPerFieldBoost*float64(recognized)
	if c > heuristicConfidenceCap {
		c = heuristicConfidenceCap
	}
	if c < 0 {
		c = 0
	}
	return c
}

func stepDescription(name string, descriptor any) string {
	if desc := schema.Description(descriptor); desc != "" {
		return desc
	}
	return fmt.Sprintf("Locate the value of %q", name)
}

func stepInstruction(name string, vt schema.ValidationType, instructions string) string {
	base := fmt.Sprintf("Find the %s value for %q in the input", vt, name)
	if instructions != "" {
		return base + "; " + instructions
	}
	return base
}
