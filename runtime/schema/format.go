package schema

import (
	"encoding/json"
	"strings"
)

// Format describes the detected shape of the input text. The architect stores
// it in plan metadata so resolvers can pick the right strategy without
// re-probing the input.
type Format string

const (
	FormatJSON Format = "json"
	FormatHTML Format = "html"
	FormatCSV  Format = "csv"
	FormatText Format = "text"
)

// Complexity buckets an input/schema pair for plan metadata.
type Complexity string

const (
	ComplexityLow    Complexity = "low"
	ComplexityMedium Complexity = "medium"
	ComplexityHigh   Complexity = "high"
)

// tokenEstimateCap bounds the heuristic token estimate so pathological inputs
// do not distort budgets downstream.
const tokenEstimateCap = 16000

// DetectFormat probes the input and classifies it as JSON, HTML, CSV-like or
// free text. JSON detection requires the payload to actually parse; HTML and
// CSV rely on cheap structural cues.
func DetectFormat(input string) Format {
	trimmed := strings.TrimSpace(input)
	if trimmed == "" {
		return FormatText
	}
	if trimmed[0] == '{' || trimmed[0] == '[' {
		var v any
		if err := json.Unmarshal([]byte(trimmed), &v); err == nil {
			return FormatJSON
		}
	}
	lower := strings.ToLower(trimmed)
	if strings.HasPrefix(lower, "<!doctype html") || strings.HasPrefix(lower, "<html") ||
		(strings.Contains(lower, "</") && strings.Count(lower, "<") >= 4) {
		return FormatHTML
	}
	if looksLikeCSV(trimmed) {
		return FormatCSV
	}
	return FormatText
}

// looksLikeCSV reports whether the first few lines carry a consistent comma
// count of at least one, which is how exported tabular blobs usually look.
func looksLikeCSV(input string) bool {
	lines := strings.SplitN(input, "\n", 4)
	if len(lines) < 2 {
		return false
	}
	first := strings.Count(lines[0], ",")
	if first == 0 {
		return false
	}
	for _, line := range lines[1:] {
		if strings.TrimSpace(line) == "" {
			continue
		}
		if strings.Count(line, ",") != first {
			return false
		}
	}
	return true
}

// EstimateTokens computes the heuristic token cost of planning against the
// given input and field count: ceil(len/4) + fields*32, capped.
func EstimateTokens(inputLen, fieldCount int) int {
	est := (inputLen+3)/4 + fieldCount*32
	if est > tokenEstimateCap {
		return tokenEstimateCap
	}
	return est
}

// EstimateComplexity buckets the extraction difficulty from input size and
// schema width.
func EstimateComplexity(inputLen, fieldCount int) Complexity {
	switch {
	case inputLen > 20000 || fieldCount > 12:
		return ComplexityHigh
	case inputLen > 4000 || fieldCount > 5:
		return ComplexityMedium
	default:
		return ComplexityLow
	}
}
