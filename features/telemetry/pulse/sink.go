// Package pulse exposes a telemetry.Listener that publishes kernel lifecycle
// events to goa.design/pulse streams. Services build a Redis client, pass it
// to the Pulse client, and register the resulting sink on the kernel so
// external consumers can follow parses and sessions over Redis streams.
package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"goa.design/parserator/features/telemetry/pulse/clients/pulse"
	"goa.design/parserator/runtime/telemetry"
)

type (
	// Options configures the Pulse sink.
	Options struct {
		// Client is the Pulse client used to publish events. Required.
		Client pulse.Client
		// StreamName derives the target Pulse stream from an event. Defaults
		// to `session/<SessionID>` for session events and
		// `parse/<RequestID>` otherwise.
		StreamName func(telemetry.Event) (string, error)
		// MarshalEnvelope overrides the envelope serialization, primarily
		// for tests.
		MarshalEnvelope func(envelope) ([]byte, error)
	}

	// Sink publishes lifecycle events into Pulse streams. Thread-safe for
	// concurrent HandleEvent calls.
	Sink struct {
		client pulse.Client
		opts   sinkOptions
	}

	sinkOptions struct {
		streamName      func(telemetry.Event) (string, error)
		marshalEnvelope func(envelope) ([]byte, error)
	}

	// envelope wraps lifecycle events for transmission over Pulse streams.
	envelope struct {
		// Type identifies the event kind (e.g. "parse:success").
		Type string `json:"type"`
		// RequestID links the event to a specific parse.
		RequestID string `json:"request_id"`
		// SessionID links the event to a session when one is active.
		SessionID string `json:"session_id,omitempty"`
		// Profile is the kernel profile active at emit time.
		Profile string `json:"profile,omitempty"`
		// Timestamp records when the event was published (UTC).
		Timestamp time.Time `json:"timestamp"`
		// Payload contains the event-specific data, if any.
		Payload any `json:"payload,omitempty"`
	}
)

var _ telemetry.Listener = (*Sink)(nil)

// NewSink constructs a Pulse-backed telemetry sink. The Client field in opts
// is required; StreamName and MarshalEnvelope default to the built-in
// implementations when not provided.
func NewSink(opts Options) (*Sink, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	cfg := sinkOptions{
		streamName:      defaultStreamName,
		marshalEnvelope: defaultMarshal,
	}
	if opts.StreamName != nil {
		cfg.streamName = opts.StreamName
	}
	if opts.MarshalEnvelope != nil {
		cfg.marshalEnvelope = opts.MarshalEnvelope
	}
	return &Sink{
		client: opts.Client,
		opts:   cfg,
	}, nil
}

// HandleEvent implements telemetry.Listener. It derives the stream name,
// wraps the event in an envelope, marshals it to JSON, and publishes it via
// the Pulse client.
func (s *Sink) HandleEvent(ctx context.Context, event telemetry.Event) error {
	name, err := s.opts.streamName(event)
	if err != nil {
		return err
	}
	handle, err := s.client.Stream(name)
	if err != nil {
		return err
	}
	env := envelope{
		Type:      string(event.Type),
		RequestID: event.RequestID,
		SessionID: event.SessionID,
		Profile:   event.Profile,
		Timestamp: time.Now().UTC(),
		Payload:   event.Payload,
	}
	payload, err := s.opts.marshalEnvelope(env)
	if err != nil {
		return err
	}
	if _, err := handle.Add(ctx, env.Type, payload); err != nil {
		return err
	}
	return nil
}

// Close releases resources owned by the sink. This delegates to the
// underlying Pulse client, which may or may not close the Redis connection
// depending on the client implementation.
func (s *Sink) Close(ctx context.Context) error {
	return s.client.Close(ctx)
}

// defaultStreamName groups session events under the session and standalone
// parses under their request ID.
func defaultStreamName(event telemetry.Event) (string, error) {
	if event.SessionID != "" {
		return fmt.Sprintf("session/%s", event.SessionID), nil
	}
	if event.RequestID == "" {
		return "", errors.New("telemetry event missing request id")
	}
	return fmt.Sprintf("parse/%s", event.RequestID), nil
}

func defaultMarshal(env envelope) ([]byte, error) {
	return json.Marshal(env)
}
