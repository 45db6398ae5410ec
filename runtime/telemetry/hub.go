package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

type (
	// Listener reacts to published lifecycle events. Listeners are treated as
	// untrusted: errors and panics are caught by the hub, logged, and never
	// propagated to the emitting parse.
	Listener interface {
		// HandleEvent processes a single event. The context originates from
		// the Publish call and may carry deadlines the listener should honor.
		HandleEvent(ctx context.Context, event Event) error
	}

	// ListenerFunc adapts a function to the Listener interface.
	ListenerFunc func(ctx context.Context, event Event) error

	// Subscription represents an active registration on a Hub. Close is
	// idempotent and thread-safe.
	Subscription interface {
		Close() error
	}

	// Hub fans lifecycle events out to registered listeners. Unlike a
	// fail-fast bus, the hub always delivers to every listener: a failing
	// listener is logged and skipped, never allowed to halt delivery.
	Hub struct {
		mu        sync.RWMutex
		listeners map[*subscription]Listener
		logger    Logger
	}

	subscription struct {
		hub  *Hub
		once sync.Once
	}
)

// HandleEvent calls f.
func (f ListenerFunc) HandleEvent(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// NewHub constructs an event hub. The logger receives listener failures; a
// nil logger defaults to the no-op logger.
func NewHub(logger Logger) *Hub {
	if logger == nil {
		logger = NoopLogger{}
	}
	return &Hub{
		listeners: make(map[*subscription]Listener),
		logger:    logger,
	}
}

// Register adds a listener and returns an unregister handle. Registering a
// nil listener is an error.
func (h *Hub) Register(l Listener) (Subscription, error) {
	if l == nil {
		return nil, errors.New("listener is required")
	}
	s := &subscription{hub: h}
	h.mu.Lock()
	h.listeners[s] = l
	h.mu.Unlock()
	return s, nil
}

// Publish delivers the event to every registered listener. The listener set
// is snapshotted before iterating so registration changes during delivery do
// not affect the current fan-out. Listener errors and panics are swallowed
// after logging.
func (h *Hub) Publish(ctx context.Context, event Event) {
	h.mu.RLock()
	listeners := make([]Listener, 0, len(h.listeners))
	for _, l := range h.listeners {
		listeners = append(listeners, l)
	}
	h.mu.RUnlock()
	for _, l := range listeners {
		h.deliver(ctx, l, event)
	}
}

// ListenerCount returns the number of registered listeners.
func (h *Hub) ListenerCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.listeners)
}

func (h *Hub) deliver(ctx context.Context, l Listener, event Event) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Warn(ctx, "telemetry listener panic",
				"event", string(event.Type), "panic", fmt.Sprint(r))
		}
	}()
	if err := l.HandleEvent(ctx, event); err != nil {
		h.logger.Warn(ctx, "telemetry listener error",
			"event", string(event.Type), "err", err.Error())
	}
}

// Close removes the listener from the hub. Idempotent.
func (s *subscription) Close() error {
	s.once.Do(func() {
		s.hub.mu.Lock()
		delete(s.hub.listeners, s)
		s.hub.mu.Unlock()
	})
	return nil
}
