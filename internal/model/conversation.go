// Package model defines data structures for the banking assistant portal.
package model

import (
	"time"
)

// Thread is one logical conversation with the assistant.
type Thread struct {
	ID       string    `json:"id"`
	Messages []Message `json:"messages"`
}

// Snapshot is a read-only copy of a thread's state. Version increases by one
// with every applied mutation.
type Snapshot struct {
	Version   uint64     `json:"version"`
	ThreadID  string     `json:"thread_id"`
	Messages  []Message  `json:"messages"`
	ToolCalls []ToolCall `json:"tool_calls"`
	Streaming bool       `json:"streaming"`
}

// ToolCall returns the tool call with id, if present.
func (s Snapshot) ToolCall(id string) (ToolCall, bool) {
	for _, tc := range s.ToolCalls {
		if tc.ID == id {
			return tc, true
		}
	}
	return ToolCall{}, false
}

// ThreadSummary describes a thread owned by a portal user.
type ThreadSummary struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	MessageCount int       `json:"message_count"`
	Streaming    bool      `json:"streaming"`
}

// CreateThreadResponse is the response after creating a thread.
type CreateThreadResponse struct {
	ThreadID string `json:"thread_id"`
}

// ListThreadsResponse is the response for listing a user's threads.
type ListThreadsResponse struct {
	Threads []ThreadSummary `json:"threads"`
	Total   int             `json:"total"`
}
