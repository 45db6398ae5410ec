package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	streamopts "goa.design/pulse/streaming/options"

	clientspulse "goa.design/parserator/features/telemetry/pulse/clients/pulse"
	"goa.design/parserator/runtime/telemetry"
)

type fakeStream struct {
	events   []string
	payloads [][]byte
	addErr   error
}

func (f *fakeStream) Add(_ context.Context, event string, payload []byte) (string, error) {
	if f.addErr != nil {
		return "", f.addErr
	}
	f.events = append(f.events, event)
	f.payloads = append(f.payloads, payload)
	return "1-0", nil
}

func (f *fakeStream) Destroy(context.Context) error { return nil }

type fakeClient struct {
	stream    *fakeStream
	names     []string
	streamErr error
	closed    bool
}

func (f *fakeClient) Stream(name string, _ ...streamopts.Stream) (clientspulse.Stream, error) {
	if f.streamErr != nil {
		return nil, f.streamErr
	}
	f.names = append(f.names, name)
	return f.stream, nil
}

func (f *fakeClient) Close(context.Context) error {
	f.closed = true
	return nil
}

func successEvent() telemetry.Event {
	return telemetry.Event{
		Type:      telemetry.EventParseSuccess,
		RequestID: "req-123",
		Source:    telemetry.SourceCore,
		Profile:   "lean-agent",
		Payload:   telemetry.SuccessPayload{Confidence: 0.9, TokensUsed: 40},
	}
}

func TestHandleEventPublishesEnvelope(t *testing.T) {
	cli := &fakeClient{stream: &fakeStream{}}
	sink, err := NewSink(Options{Client: cli})
	require.NoError(t, err)

	require.NoError(t, sink.HandleEvent(context.Background(), successEvent()))

	require.Equal(t, []string{"parse/req-123"}, cli.names)
	require.Equal(t, []string{"parse:success"}, cli.stream.events)

	var env envelope
	require.NoError(t, json.Unmarshal(cli.stream.payloads[0], &env))
	require.Equal(t, "parse:success", env.Type)
	require.Equal(t, "req-123", env.RequestID)
	require.Equal(t, "lean-agent", env.Profile)
	body, ok := env.Payload.(map[string]any)
	require.True(t, ok)
	require.Equal(t, 0.9, body["confidence"])
}

func TestSessionEventsGroupBySession(t *testing.T) {
	cli := &fakeClient{stream: &fakeStream{}}
	sink, err := NewSink(Options{Client: cli})
	require.NoError(t, err)

	ev := successEvent()
	ev.Source = telemetry.SourceSession
	ev.SessionID = "sess-1"
	require.NoError(t, sink.HandleEvent(context.Background(), ev))

	require.Equal(t, []string{"session/sess-1"}, cli.names)
}

func TestCustomStreamName(t *testing.T) {
	cli := &fakeClient{stream: &fakeStream{}}
	sink, err := NewSink(Options{
		Client: cli,
		StreamName: func(e telemetry.Event) (string, error) {
			return "custom/" + e.RequestID, nil
		},
	})
	require.NoError(t, err)

	require.NoError(t, sink.HandleEvent(context.Background(), successEvent()))
	require.Equal(t, []string{"custom/req-123"}, cli.names)
}

func TestHandleEventRequiresRequestID(t *testing.T) {
	sink, err := NewSink(Options{Client: &fakeClient{stream: &fakeStream{}}})
	require.NoError(t, err)

	err = sink.HandleEvent(context.Background(), telemetry.Event{Type: telemetry.EventParseStart})
	require.EqualError(t, err, "telemetry event missing request id")
}

func TestStreamCreationError(t *testing.T) {
	sink, err := NewSink(Options{Client: &fakeClient{streamErr: errors.New("boom")}})
	require.NoError(t, err)

	err = sink.HandleEvent(context.Background(), successEvent())
	require.EqualError(t, err, "boom")
}

func TestAddError(t *testing.T) {
	cli := &fakeClient{stream: &fakeStream{addErr: errors.New("add-failed")}}
	sink, err := NewSink(Options{Client: cli})
	require.NoError(t, err)

	err = sink.HandleEvent(context.Background(), successEvent())
	require.EqualError(t, err, "add-failed")
}

func TestCloseDelegates(t *testing.T) {
	cli := &fakeClient{stream: &fakeStream{}}
	sink, err := NewSink(Options{Client: cli})
	require.NoError(t, err)

	require.NoError(t, sink.Close(context.Background()))
	require.True(t, cli.closed)
}

func TestNewSinkRequiresClient(t *testing.T) {
	_, err := NewSink(Options{})
	require.Error(t, err)
}
