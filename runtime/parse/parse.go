// Package parse defines the request/response value types exchanged across
// the kernel pipeline: parse requests and options, diagnostics, stage
// metrics, response metadata, and the typed parse error. These are plain
// serializable records; behavior lives in the pipeline packages.
package parse

import (
	"time"

	"goa.design/parserator/runtime/plan"
)

type (
	// Stage identifies the pipeline stage a diagnostic or error belongs to.
	Stage string

	// Severity classifies a diagnostic.
	Severity string

	// ErrorCode is the machine-readable parse failure taxonomy.
	ErrorCode string

	// Diagnostic is a structured message attached to a parse. The diagnostics
	// list on a response is append-only and preserves lifecycle order.
	Diagnostic struct {
		Field    string   `json:"field,omitempty"`
		Stage    Stage    `json:"stage"`
		Message  string   `json:"message"`
		Severity Severity `json:"severity"`
	}

	// Error is the typed failure carried on unsuccessful responses.
	Error struct {
		Code       ErrorCode      `json:"code"`
		Message    string         `json:"message"`
		Stage      Stage          `json:"stage"`
		Details    map[string]any `json:"details,omitempty"`
		Suggestion string         `json:"suggestion,omitempty"`
	}

	// Options tunes a single parse invocation.
	Options struct {
		// Timeout is advisory; LLM clients should honor it.
		Timeout time.Duration `json:"timeout,omitempty"`
		// Retries is advisory for pluggable agents.
		Retries int `json:"retries,omitempty"`
		// ValidateOutput enables the JSON Schema validation postprocessor.
		ValidateOutput bool `json:"validateOutput,omitempty"`
		// IncludeMetadata defaults to true; when explicitly false the kernel
		// omits the per-stage breakdown from the response metadata.
		IncludeMetadata *bool `json:"includeMetadata,omitempty"`
		// ConfidenceThreshold overrides the configured minimum blended
		// confidence when non-nil.
		ConfidenceThreshold *float64 `json:"confidenceThreshold,omitempty"`
	}

	// Request is a single extraction request: an unstructured input blob plus
	// the caller-provided output schema.
	Request struct {
		// InputData is the raw text to extract from. Must be non-empty.
		InputData string `json:"inputData"`
		// OutputSchema maps field names to schema descriptors. Descriptors may
		// be type-hint strings, descriptor objects, or arbitrary metadata; see
		// the schema package for interpretation rules.
		OutputSchema map[string]any `json:"outputSchema"`
		// Instructions optionally refines extraction behavior.
		Instructions string `json:"instructions,omitempty"`
		// Options tunes this invocation.
		Options *Options `json:"options,omitempty"`
	}

	// StageMetrics is the per-stage breakdown recorded in response metadata.
	StageMetrics struct {
		TimeMs     int64   `json:"timeMs"`
		Tokens     int     `json:"tokens"`
		Confidence float64 `json:"confidence"`
		// Runs counts processors that produced changes; zero for non-processor
		// stages.
		Runs int `json:"runs,omitempty"`
	}

	// FieldAuditAction classifies a lean LLM fallback audit entry.
	FieldAuditAction string

	// FieldAudit records the lean LLM resolver's decision for one field.
	FieldAudit struct {
		Field       string           `json:"field"`
		Action      FieldAuditAction `json:"action"`
		Reason      string           `json:"reason,omitempty"`
		LimitType   string           `json:"limitType,omitempty"`
		Limit       int              `json:"limit,omitempty"`
		SourceField string           `json:"sourceField,omitempty"`
	}

	// FallbackSummary aggregates lean LLM field-fallback usage for one parse.
	FallbackSummary struct {
		TotalInvocations        int          `json:"totalInvocations"`
		ResolvedFields          int          `json:"resolvedFields"`
		ReusedResolutions       int          `json:"reusedResolutions"`
		SkippedByPlanConfidence int          `json:"skippedByPlanConfidence"`
		SkippedByLimits         int          `json:"skippedByLimits"`
		SharedExtractions       int          `json:"sharedExtractions"`
		TotalTokens             int          `json:"totalTokens"`
		Audit                   []FieldAudit `json:"audit,omitempty"`
	}

	// Metadata accompanies every response, successful or not.
	Metadata struct {
		ArchitectPlan       *plan.SearchPlan        `json:"architectPlan,omitempty"`
		Confidence          float64                 `json:"confidence"`
		ArchitectConfidence float64                 `json:"architectConfidence"`
		ExtractorConfidence float64                 `json:"extractorConfidence"`
		ArchitectTokens     int                     `json:"architectTokens"`
		ExtractorTokens     int                     `json:"extractorTokens"`
		TokensUsed          int                     `json:"tokensUsed"`
		ProcessingTimeMs    int64                   `json:"processingTimeMs"`
		Stages              map[string]StageMetrics `json:"stages,omitempty"`
		RequestID           string                  `json:"requestId"`
		Timestamp           string                  `json:"timestamp"`
		Diagnostics         []Diagnostic            `json:"diagnostics,omitempty"`
		Fallback            *FallbackSummary        `json:"fallback,omitempty"`
	}

	// Response is the outcome of a parse. Failures still carry a fully formed
	// metadata record and any partially extracted data.
	Response struct {
		Success    bool           `json:"success"`
		ParsedData map[string]any `json:"parsedData"`
		Metadata   *Metadata      `json:"metadata"`
		Error      *Error         `json:"error,omitempty"`
	}
)

const (
	StagePreprocess    Stage = "preprocess"
	StageValidation    Stage = "validation"
	StageArchitect     Stage = "architect"
	StageExtractor     Stage = "extractor"
	StagePostprocess   Stage = "postprocess"
	StageOrchestration Stage = "orchestration"

	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"

	CodeValidation            ErrorCode = "VALIDATION"
	CodeArchitectFailed       ErrorCode = "ARCHITECT_FAILED"
	CodeExtractorFailed       ErrorCode = "EXTRACTOR_FAILED"
	CodeMissingRequiredFields ErrorCode = "MISSING_REQUIRED_FIELDS"
	CodeLowConfidence         ErrorCode = "LOW_CONFIDENCE"
	CodeUnknownFailure        ErrorCode = "UNKNOWN_FAILURE"

	AuditInvoked FieldAuditAction = "invoked"
	AuditReused  FieldAuditAction = "reused"
	AuditSkipped FieldAuditAction = "skipped"
)

// Error implements the error interface.
func (e *Error) Error() string {
	return string(e.Code) + ": " + e.Message
}

// WantMetadata reports whether the per-stage breakdown should be included.
func (o *Options) WantMetadata() bool {
	return o == nil || o.IncludeMetadata == nil || *o.IncludeMetadata
}

// Threshold returns the effective confidence threshold for the parse, falling
// back to the provided default when the option is unset.
func (o *Options) Threshold(fallback float64) float64 {
	if o != nil && o.ConfidenceThreshold != nil {
		return *o.ConfidenceThreshold
	}
	return fallback
}

// Clone returns a shallow copy of the request with copied schema and options
// so processors can propose replacements without mutating the caller's value.
func (r *Request) Clone() *Request {
	if r == nil {
		return nil
	}
	cp := *r
	if r.OutputSchema != nil {
		cp.OutputSchema = make(map[string]any, len(r.OutputSchema))
		for k, v := range r.OutputSchema {
			cp.OutputSchema[k] = v
		}
	}
	if r.Options != nil {
		opts := *r.Options
		cp.Options = &opts
	}
	return &cp
}

// Timestamp formats t the way response metadata expects (RFC 3339 UTC).
func Timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
