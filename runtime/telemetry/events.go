// Package telemetry defines the typed lifecycle events emitted by the kernel
// and sessions, the listener hub that fans them out, and the logging/metrics
// contracts the runtime is instrumented against.
package telemetry

import (
	"time"

	"goa.design/parserator/runtime/parse"
	"goa.design/parserator/runtime/queue"
)

type (
	// EventType enumerates the lifecycle event variants.
	EventType string

	// Source identifies who emitted an event.
	Source string

	// Event is a single lifecycle notification. Payload holds one of the
	// typed payload structs below depending on Type.
	Event struct {
		Type      EventType `json:"type"`
		RequestID string    `json:"requestId"`
		Timestamp string    `json:"timestamp"`
		Source    Source    `json:"source"`
		Profile   string    `json:"profile,omitempty"`
		SessionID string    `json:"sessionId,omitempty"`
		Payload   any       `json:"payload,omitempty"`
	}

	// StagePayload accompanies parse:stage events.
	StagePayload struct {
		Stage   parse.Stage        `json:"stage"`
		Metrics parse.StageMetrics `json:"metrics"`
	}

	// SuccessPayload accompanies parse:success events.
	SuccessPayload struct {
		Confidence       float64 `json:"confidence"`
		TokensUsed       int     `json:"tokensUsed"`
		ProcessingTimeMs int64   `json:"processingTimeMs"`
	}

	// FailurePayload accompanies parse:failure events.
	FailurePayload struct {
		Code    parse.ErrorCode `json:"code"`
		Stage   parse.Stage     `json:"stage"`
		Message string          `json:"message"`
	}

	// PlanReadyPayload accompanies plan:ready events.
	PlanReadyPayload struct {
		PlanID     string  `json:"planId"`
		Origin     string  `json:"origin"`
		Steps      int     `json:"steps"`
		Confidence float64 `json:"confidence"`
	}

	// CachePayload accompanies plan:cache events.
	CachePayload struct {
		Key   string `json:"key"`
		Hit   bool   `json:"hit"`
		Stale bool   `json:"stale,omitempty"`
	}

	// RewritePayload accompanies plan:rewrite events.
	RewritePayload struct {
		Action string        `json:"action"`
		Reason string        `json:"reason,omitempty"`
		Model  string        `json:"model,omitempty"`
		Tokens int           `json:"tokens,omitempty"`
		Queue  queue.Metrics `json:"queue"`
	}

	// AutoRefreshPayload accompanies plan:auto-refresh events.
	AutoRefreshPayload struct {
		Action string `json:"action"`
		Reason string `json:"reason,omitempty"`
	}

	// FallbackPayload accompanies field:fallback events.
	FallbackPayload struct {
		Action string        `json:"action"`
		Field  string        `json:"field,omitempty"`
		Reason string        `json:"reason,omitempty"`
		Queue  queue.Metrics `json:"queue"`
	}
)

const (
	EventParseStart      EventType = "parse:start"
	EventParseStage      EventType = "parse:stage"
	EventParseSuccess    EventType = "parse:success"
	EventParseFailure    EventType = "parse:failure"
	EventPlanReady       EventType = "plan:ready"
	EventPlanCache       EventType = "plan:cache"
	EventPlanRewrite     EventType = "plan:rewrite"
	EventPlanAutoRefresh EventType = "plan:auto-refresh"
	EventFieldFallback   EventType = "field:fallback"

	SourceCore    Source = "core"
	SourceSession Source = "session"
)

// NewEvent constructs an event stamped with the current UTC time.
func NewEvent(typ EventType, requestID string, source Source, payload any) Event {
	return Event{
		Type:      typ,
		RequestID: requestID,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Source:    source,
		Payload:   payload,
	}
}
