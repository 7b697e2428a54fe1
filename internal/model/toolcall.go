package model

import (
	"github.com/capitalize-ai/banking-assistant/internal/roles"
)

// ToolCallStatus is the lifecycle state of a tool call.
type ToolCallStatus string

const (
	ToolCallPending          ToolCallStatus = "pending"
	ToolCallAwaitingApproval ToolCallStatus = "awaiting_approval"
	ToolCallApproved         ToolCallStatus = "approved"
	ToolCallDenied           ToolCallStatus = "denied"
	ToolCallSuccess          ToolCallStatus = "success"
	ToolCallError            ToolCallStatus = "error"
)

// Terminal reports whether no further transition is allowed.
func (s ToolCallStatus) Terminal() bool {
	return s == ToolCallDenied || s == ToolCallSuccess || s == ToolCallError
}

// ToolCall is an action the assistant asked the backend to perform.
type ToolCall struct {
	ID     string         `json:"id"`
	Name   string         `json:"name"`
	Input  map[string]any `json:"input,omitempty"`
	Status ToolCallStatus `json:"status"`
	Output any            `json:"output,omitempty"`
	Error  string         `json:"error,omitempty"`

	// Streamed tool text accumulated from tool_token events.
	Content string `json:"content,omitempty"`

	RequiredRoles []roles.Requirement `json:"required_roles,omitempty"`
	BankID        string              `json:"bank_id,omitempty"`
	Description   string              `json:"description,omitempty"`

	// MessageID is the assistant message that owns the call, if any.
	MessageID string `json:"message_id,omitempty"`
}

// CloneToolCalls copies a tool call list. Input and Output are shared; they
// are never mutated after creation.
func CloneToolCalls(in []ToolCall) []ToolCall {
	out := make([]ToolCall, len(in))
	for i, tc := range in {
		if tc.RequiredRoles != nil {
			tc.RequiredRoles = append([]roles.Requirement(nil), tc.RequiredRoles...)
		}
		out[i] = tc
	}
	return out
}

// PendingApprovalsResponse lists tool calls awaiting a decision.
type PendingApprovalsResponse struct {
	ThreadID  string     `json:"thread_id"`
	ToolCalls []ToolCall `json:"tool_calls"`
}
