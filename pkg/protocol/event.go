package protocol

import (
	"time"

	"github.com/oklog/ulid/v2"
)

// Event types. Dotted names; see spec §3 for the full taxonomy.
const (
	EventResult  = "result"
	EventError   = "error"
	EventAck     = "ack"
	EventPong    = "pong"
	EventConnected = "connected"
	EventHeartbeat = "heartbeat"
	EventNotification = "notification"

	// EventServerHeartbeat is the named keep-alive record the GET /event
	// SSE endpoint emits every 30s (spec §4.5.2), distinct from the
	// generic "heartbeat" notification type above.
	EventServerHeartbeat = "server.heartbeat"

	EventContentStart = "content.start"
	EventContentDelta = "content.delta"
	EventContentEnd   = "content.end"

	EventThinkingDelta = "thinking.delta"
	EventThinkingEnd   = "thinking.end"

	EventToolCall   = "tool.call"
	EventToolResult = "tool.result"
	EventToolError  = "tool.error"

	EventSessionCreated = "session.created"
	EventSessionUpdated = "session.updated"
	EventSessionDeleted = "session.deleted"
	EventSessionState   = "session.state"

	EventApprovalRequired = "approval.required"
	EventApprovalResolved = "approval.resolved"
	EventApprovalTimeout  = "approval.timeout"

	EventDisplayMessage = "display.message"
)

// Error codes, grouped per spec §7.
const (
	CodeParseError       = "PARSE_ERROR"
	CodeInvalidRequest   = "INVALID_REQUEST"
	CodeUnknownCommand   = "UNKNOWN_COMMAND"
	CodeValidationError  = "VALIDATION_ERROR"
	CodeSessionNotFound  = "SESSION_NOT_FOUND"
	CodeApprovalNotFound = "APPROVAL_NOT_FOUND"
	CodeToolNotFound     = "TOOL_NOT_FOUND"
	CodeAgentNotFound    = "AGENT_NOT_FOUND"
	CodeBundleNotFound   = "BUNDLE_NOT_FOUND"
	CodeBundleError      = "BUNDLE_ERROR"
	CodeBundleAddFailed  = "BUNDLE_ADD_FAILED"
	CodeExecutionError   = "EXECUTION_ERROR"
	CodeHandlerError     = "HANDLER_ERROR"
	CodeTransportClosed  = "transport_closed"
	CodeTransportError   = "transport_error"
	CodeTimeout          = "timeout"
)

// Event is a server response. It is either correlated to a command
// (CorrelationID set) or a server-initiated notification (unset).
// Sequence is strictly increasing and contiguous from 0 within one
// correlation; Final marks the last event for that correlation.
type Event struct {
	ID            string         `json:"id"`
	Type          string         `json:"type"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Data          map[string]any `json:"data,omitempty"`
	Timestamp     string         `json:"timestamp"`
	Sequence      *int           `json:"sequence,omitempty"`
	Final         bool           `json:"final"`
}

// NewEventID generates a server-style event id: "evt_" + the first 12
// characters of a new ULID (uppercase Crockford base32).
func NewEventID() string {
	return "evt_" + ulid.Make().String()[:12]
}

// newEvent builds an Event with id and timestamp filled in.
func newEvent(eventType string, data map[string]any) Event {
	return Event{
		ID:        NewEventID(),
		Type:      eventType,
		Data:      data,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	}
}

// Correlated returns a copy of e stamped with a correlation id and
// sequence number.
func (e Event) Correlated(correlationID string, sequence int) Event {
	e.CorrelationID = correlationID
	seq := sequence
	e.Sequence = &seq
	return e
}

// Result builds a final "result" event.
func Result(correlationID string, data map[string]any) Event {
	e := newEvent(EventResult, data)
	e.CorrelationID = correlationID
	e.Final = true
	return e
}

// Error builds a final "error" event with a code.
func Error(correlationID, code, message string) Event {
	e := newEvent(EventError, map[string]any{
		"error": message,
		"code":  code,
	})
	e.CorrelationID = correlationID
	e.Final = true
	return e
}

// Ack builds a non-final "ack" event, used as the first event of a
// streaming command's response (sequence 0).
func Ack(correlationID string) Event {
	e := newEvent(EventAck, nil)
	e.CorrelationID = correlationID
	return e
}

// Pong builds a final "pong" event, the entire response to a ping
// command.
func Pong(correlationID string) Event {
	e := newEvent(EventPong, nil)
	e.CorrelationID = correlationID
	e.Final = true
	return e
}

// Notification builds an uncorrelated, sequence-less event.
func Notification(eventType string, data map[string]any) Event {
	return newEvent(eventType, data)
}

// IsTerminal reports whether e ends its correlation's stream.
func (e Event) IsTerminal() bool {
	return e.Final
}
