// Package stream decodes the assistant backend's event stream.
//
// The backend answers a chat request with `data: <json>` lines terminated by a
// `data: [DONE]` sentinel. Reads may split a frame anywhere, so the decoder
// keeps a single pending buffer and only parses complete lines.
package stream

import (
	"fmt"
	"time"

	"github.com/capitalize-ai/banking-assistant/internal/roles"
)

// EventType is the discriminant of a protocol event.
type EventType string

const (
	EventAssistantStart    EventType = "assistant_start"
	EventAssistantToken    EventType = "assistant_token"
	EventAssistantComplete EventType = "assistant_complete"
	EventToolStart         EventType = "tool_start"
	EventToolToken         EventType = "tool_token"
	EventToolComplete      EventType = "tool_complete"
	EventApprovalRequest   EventType = "approval_request"
	EventThreadSync        EventType = "thread_sync"
	EventError             EventType = "error"
)

// Tool completion statuses carried by tool_complete.
const (
	ToolStatusSuccess = "success"
	ToolStatusError   = "error"
)

// Event is one decoded protocol event. Which fields are set depends on Type.
type Event struct {
	Type EventType

	MessageID string
	Timestamp time.Time
	Content   string

	ToolCallID string
	ToolName   string
	ToolInput  map[string]any
	ToolOutput any
	Status     string

	RequiredRoles []roles.Requirement
	BankID        string
	Description   string

	ThreadID string

	// Error is the human readable failure for EventError.
	Error string

	// Cause is set when the error was produced locally by the decoder
	// (*FrameParseError or *ProtocolError) rather than sent by the backend.
	Cause error
}

// FrameParseError reports a data frame whose payload is not valid JSON.
type FrameParseError struct {
	Payload string
	Err     error
}

func (e *FrameParseError) Error() string {
	return fmt.Sprintf("malformed frame %q: %v", e.Payload, e.Err)
}

func (e *FrameParseError) Unwrap() error { return e.Err }

// ProtocolError reports a well-formed frame that violates the protocol: an
// unknown discriminant, a missing id, or a reference to an unknown message or
// tool call.
type ProtocolError struct {
	Type   EventType
	ID     string
	Reason string
}

func (e *ProtocolError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("protocol error on %s %s: %s", e.Type, e.ID, e.Reason)
	}
	return fmt.Sprintf("protocol error on %s: %s", e.Type, e.Reason)
}

func errorEvent(cause error) Event {
	return Event{Type: EventError, Error: cause.Error(), Cause: cause}
}
