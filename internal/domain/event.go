package domain

import (
	"context"
	"encoding/json"
	"time"
)

// EventType identifies the kind of event being published.
type EventType string

const (
	EventStreamStarted   EventType = "stream.started"
	EventStreamDelta     EventType = "stream.delta"
	EventStreamCompleted EventType = "stream.completed"
	EventStreamFailed    EventType = "stream.error"

	EventCompileSucceeded EventType = "compile.succeeded"
	EventCompileFailed    EventType = "compile.failed"

	EventSessionPhase    EventType = "session.phase"
	EventComponentLoaded EventType = "component.loaded"
	EventComponentSaved  EventType = "component.saved"
	EventHarnessFinished EventType = "harness.finished"
)

// Event is the envelope published on the event bus.
type Event struct {
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	SessionID string          `json:"session_id,omitempty"`
	APIID     string          `json:"api_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// StreamDeltaPayload carries the full cumulative buffer, not the delta, so a
// slow consumer always observes the latest text.
type StreamDeltaPayload struct {
	Accumulated string `json:"accumulated"`
	Lines       int    `json:"lines"`
}

// StreamCompletedPayload is published once the finalized source is known.
type StreamCompletedPayload struct {
	Source   string `json:"source"`
	Fallback bool   `json:"fallback,omitempty"`
}

// CompileFailedPayload carries the absorbed compilation failure.
type CompileFailedPayload struct {
	Stage   string `json:"stage"`
	Message string `json:"message"`
	Attempt int    `json:"attempt"`
}

// PhasePayload announces a retry-controller transition.
type PhasePayload struct {
	Phase   Phase  `json:"phase"`
	Attempt int    `json:"attempt"`
	Error   string `json:"error,omitempty"`
}

// EventHandler is a callback invoked when an event is received.
type EventHandler func(ctx context.Context, event Event)

// EventBus provides a publish/subscribe mechanism for session events.
type EventBus interface {
	Publish(ctx context.Context, event Event)
	// Subscribe registers a handler for a specific event type and returns an
	// unsubscribe function.
	Subscribe(eventType EventType, handler EventHandler) func()
	// SubscribeAll registers a handler for every event.
	SubscribeAll(handler EventHandler) func()
	// Close drains in-flight handlers and prevents new publishes.
	Close()
}
