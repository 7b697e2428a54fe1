package model

import (
	"time"
)

// Role represents the role of a message sender.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
	RoleError     Role = "error"
)

// Message is one entry of a thread.
type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`

	// Assistant messages
	IsStreaming bool     `json:"is_streaming,omitempty"`
	ToolCallIDs []string `json:"tool_call_ids,omitempty"`
	Error       string   `json:"error,omitempty"`

	// Tool messages
	ToolCallID string `json:"tool_call_id,omitempty"`
}

// clone returns a copy that shares no slices with m.
func (m Message) clone() Message {
	if m.ToolCallIDs != nil {
		m.ToolCallIDs = append([]string(nil), m.ToolCallIDs...)
	}
	return m
}

// CloneMessages deep copies a message list.
func CloneMessages(in []Message) []Message {
	out := make([]Message, len(in))
	for i, m := range in {
		out[i] = m.clone()
	}
	return out
}

// SendMessageRequest is the request to send a new message.
type SendMessageRequest struct {
	Content string `json:"content"`
}

// SendMessageResponse is the response after accepting a message.
type SendMessageResponse struct {
	Message  Message `json:"message"`
	ThreadID string  `json:"thread_id"`
}
