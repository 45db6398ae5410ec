// Package process implements the pre/postprocessing stages of the parse
// pipeline: the ordered processor lists, the stage executor with its metrics
// accounting, the default processors, and the optional JSON Schema output
// validator.
package process

import (
	"context"
	"fmt"
	"time"

	"goa.design/parserator/runtime/parse"
	"goa.design/parserator/runtime/plan"
	"goa.design/parserator/runtime/telemetry"
)

type (
	// PreResult is a preprocessor's proposed change. A nil Request leaves the
	// request untouched.
	PreResult struct {
		// Request replaces the pipeline request when non-nil.
		Request *parse.Request
		// Diagnostics carries structured notes about the run.
		Diagnostics []parse.Diagnostic
		// Tokens reports token spend, if any.
		Tokens int
		// Confidence optionally samples into the stage confidence average.
		Confidence *float64
	}

	// Preprocessor mutates the request before planning. Returning (nil, nil)
	// means no change.
	Preprocessor interface {
		Name() string
		Run(ctx context.Context, req *parse.Request) (*PreResult, error)
	}

	// PostRequest carries the extraction outcome into postprocessors.
	PostRequest struct {
		// Request is the (preprocessed) parse request.
		Request *parse.Request
		// ParsedData is the extracted data, replaceable by processors.
		ParsedData map[string]any
		// Plan is the executed plan; processors consult it for requiredness.
		Plan *plan.SearchPlan
	}

	// PostResult is a postprocessor's proposed change. A nil ParsedData
	// leaves the data untouched.
	PostResult struct {
		// ParsedData replaces the pipeline data when non-nil.
		ParsedData map[string]any
		// Diagnostics carries structured notes about the run.
		Diagnostics []parse.Diagnostic
		// Tokens reports token spend, if any.
		Tokens int
		// Confidence optionally samples into the stage confidence average.
		Confidence *float64
	}

	// Postprocessor refines extracted data. Returning (nil, nil) means no
	// change.
	Postprocessor interface {
		Name() string
		Run(ctx context.Context, req *PostRequest) (*PostResult, error)
	}
)

// RunPreprocessors executes the list in order. Processor failures become
// warning diagnostics and never abort the stage. The returned metrics count
// runs as the number of processors that produced changes.
func RunPreprocessors(ctx context.Context, logger telemetry.Logger, processors []Preprocessor, req *parse.Request) (*parse.Request, parse.StageMetrics, []parse.Diagnostic) {
	if logger == nil {
		logger = telemetry.NoopLogger{}
	}
	start := time.Now()
	var (
		metrics  parse.StageMetrics
		diags    []parse.Diagnostic
		confSum  float64
		confVals int
	)
	current := req
	for _, p := range processors {
		res, err := safePre(ctx, p, current)
		if err != nil {
			logger.Warn(ctx, "preprocessor failed", "processor", p.Name(), "err", err.Error())
			diags = append(diags, parse.Diagnostic{
				Stage:    parse.StagePreprocess,
				Message:  fmt.Sprintf("preprocessor %s failed: %v", p.Name(), err),
				Severity: parse.SeverityWarning,
			})
			continue
		}
		if res == nil {
			continue
		}
		diags = append(diags, res.Diagnostics...)
		metrics.Tokens += res.Tokens
		if res.Confidence != nil {
			confSum += *res.Confidence
			confVals++
		}
		if res.Request != nil {
			current = res.Request
			metrics.Runs++
		}
	}
	metrics.TimeMs = time.Since(start).Milliseconds()
	if confVals > 0 {
		metrics.Confidence = confSum / float64(confVals)
	}
	return current, metrics, diags
}

// RunPostprocessors executes the list in order with the same failure and
// accounting rules as RunPreprocessors.
func RunPostprocessors(ctx context.Context, logger telemetry.Logger, processors []Postprocessor, req *PostRequest) (map[string]any, parse.StageMetrics, []parse.Diagnostic) {
	if logger == nil {
		logger = telemetry.NoopLogger{}
	}
	start := time.Now()
	var (
		metrics  parse.StageMetrics
		diags    []parse.Diagnostic
		confSum  float64
		confVals int
	)
	current := req.ParsedData
	for _, p := range processors {
		res, err := safePost(ctx, p, &PostRequest{Request: req.Request, ParsedData: current, Plan: req.Plan})
		if err != nil {
			logger.Warn(ctx, "postprocessor failed", "processor", p.Name(), "err", err.Error())
			diags = append(diags, parse.Diagnostic{
				Stage:    parse.StagePostprocess,
				Message:  fmt.Sprintf("postprocessor %s failed: %v", p.Name(), err),
				Severity: parse.SeverityWarning,
			})
			continue
		}
		if res == nil {
			continue
		}
		diags = append(diags, res.Diagnostics...)
		metrics.Tokens += res.Tokens
		if res.Confidence != nil {
			confSum += *res.Confidence
			confVals++
		}
		if res.ParsedData != nil {
			current = res.ParsedData
			metrics.Runs++
		}
	}
	metrics.TimeMs = time.Since(start).Milliseconds()
	if confVals > 0 {
		metrics.Confidence = confSum / float64(confVals)
	}
	return current, metrics, diags
}

func safePre(ctx context.Context, p Preprocessor, req *parse.Request) (res *PreResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			res, err = nil, fmt.Errorf("panic: %v", r)
		}
	}()
	return p.Run(ctx, req)
}

func safePost(ctx context.Context, p Postprocessor, req *PostRequest) (res *PostResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			res, err = nil, fmt.Errorf("panic: %v", r)
		}
	}()
	return p.Run(ctx, req)
}
