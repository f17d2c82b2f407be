// Package event defines the typed SSE event model: the closed set of event
// types, the immutable Event record, and the text/event-stream wire codec.
package event

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Type identifies an event variant. The set is closed; unknown types arriving
// over the cross-worker channel are dropped by the pub/sub bridge.
type Type string

const (
	TypeConnectionOpened    Type = "connection.opened"
	TypeConnectionHeartbeat Type = "connection.heartbeat"
	TypeConnectionClosed    Type = "connection.closed"
	TypeConnectionError     Type = "connection.error"

	TypeToolCall     Type = "mcp.tool.call"
	TypeToolResponse Type = "mcp.tool.response"
	TypeToolError    Type = "mcp.tool.error"
	TypeToolProgress Type = "mcp.tool.progress"

	TypeRenderStarted   Type = "render.started"
	TypeRenderProgress  Type = "render.progress"
	TypeRenderCompleted Type = "render.completed"
	TypeRenderFailed    Type = "render.failed"

	TypeValidationStarted   Type = "validation.started"
	TypeValidationCompleted Type = "validation.completed"
	TypeValidationFailed    Type = "validation.failed"

	TypeStatusUpdate Type = "status.update"

	TypeServerError       Type = "server.error"
	TypeRateLimitWarning  Type = "rate_limit.warning"
	TypeRateLimitExceeded Type = "rate_limit.exceeded"
)

// knownTypes is the closed set used by Valid.
var knownTypes = map[Type]struct{}{
	TypeConnectionOpened: {}, TypeConnectionHeartbeat: {}, TypeConnectionClosed: {},
	TypeConnectionError: {}, TypeToolCall: {}, TypeToolResponse: {}, TypeToolError: {},
	TypeToolProgress: {}, TypeRenderStarted: {}, TypeRenderProgress: {},
	TypeRenderCompleted: {}, TypeRenderFailed: {}, TypeValidationStarted: {},
	TypeValidationCompleted: {}, TypeValidationFailed: {}, TypeStatusUpdate: {},
	TypeServerError: {}, TypeRateLimitWarning: {}, TypeRateLimitExceeded: {},
}

// Valid reports whether t belongs to the closed event type set.
func (t Type) Valid() bool {
	_, ok := knownTypes[t]
	return ok
}

type (
	// Event is an immutable record emitted to a single connection. Once
	// constructed it is copied, never shared: Send copies it into the shared
	// ring buffer and into the owning worker's local queue.
	Event struct {
		// ID is the unique event identifier, echoed by clients in the
		// Last-Event-ID header on reconnect.
		ID string `json:"event_id"`
		// Type is the event variant.
		Type Type `json:"event_type"`
		// ConnectionID identifies the owning connection.
		ConnectionID string `json:"connection_id"`
		// Payload is the structured event body. Optional fields are omitted
		// rather than persisted as nulls.
		Payload map[string]any `json:"payload"`
		// Timestamp is the emission time, serialized as RFC 3339 UTC.
		Timestamp time.Time `json:"timestamp"`
		// RetryMS is the optional client reconnect hint in milliseconds.
		RetryMS int `json:"retry_ms,omitempty"`
	}

	// Option customizes event construction.
	Option func(*Event)
)

// WithRetry sets the reconnect hint carried in the SSE retry field.
func WithRetry(ms int) Option {
	return func(e *Event) { e.RetryMS = ms }
}

// New constructs an event with a fresh identifier and UTC timestamp. A nil
// payload is normalized to an empty map so downstream JSON never carries a
// null body.
func New(t Type, connectionID string, payload map[string]any, opts ...Option) Event {
	if payload == nil {
		payload = map[string]any{}
	}
	e := Event{
		ID:           uuid.NewString(),
		Type:         t,
		ConnectionID: connectionID,
		Payload:      payload,
		Timestamp:    time.Now().UTC(),
	}
	for _, opt := range opts {
		opt(&e)
	}
	return e
}

// MarshalJSON serializes the event with an RFC 3339 UTC timestamp. The
// default time.Time encoding already matches, but forcing UTC here keeps the
// shared-store records canonical regardless of process timezone.
func (e Event) MarshalJSON() ([]byte, error) {
	type alias Event
	a := alias(e)
	a.Timestamp = e.Timestamp.UTC()
	return json.Marshal(a)
}

// Wire renders the event in text/event-stream framing:
//
//	id: <event_id>
//	event: <type>
//	retry: <ms>        (only when a retry hint is set)
//	data: <json payload>
//
// followed by a blank line. The data field carries the payload map as a
// single JSON object.
func (e Event) Wire() ([]byte, error) {
	data, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload for event %s: %w", e.ID, err)
	}
	var buf []byte
	buf = append(buf, "id: "...)
	buf = append(buf, e.ID...)
	buf = append(buf, '\n')
	buf = append(buf, "event: "...)
	buf = append(buf, string(e.Type)...)
	buf = append(buf, '\n')
	if e.RetryMS > 0 {
		buf = append(buf, fmt.Sprintf("retry: %d\n", e.RetryMS)...)
	}
	buf = append(buf, "data: "...)
	buf = append(buf, data...)
	buf = append(buf, '\n', '\n')
	return buf, nil
}
