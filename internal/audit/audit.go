// Package audit records tool call decisions. Entries carry the roles and
// consent id of a decision, never the consent token itself.
package audit

import (
	"context"
	"errors"
	"time"
)

// Decision is the human answer to an approval request.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionDeny    Decision = "deny"
)

// Outcome describes how far a decision got.
type Outcome string

const (
	OutcomeForwarded     Outcome = "forwarded"
	OutcomeUnsatisfiable Outcome = "unsatisfiable"
	OutcomeIssuerError   Outcome = "issuer_error"
	OutcomeGrantMismatch Outcome = "grant_mismatch"
	OutcomeBackendError  Outcome = "backend_error"
)

// Entry is one audited decision.
type Entry struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id"`
	ThreadID   string    `json:"thread_id"`
	ToolCallID string    `json:"tool_call_id"`
	ToolName   string    `json:"tool_name"`
	Decision   Decision  `json:"decision"`
	Outcome    Outcome   `json:"outcome"`
	Roles      []string  `json:"roles,omitempty"`
	BankID     string    `json:"bank_id,omitempty"`
	ConsentID  string    `json:"consent_id,omitempty"`
	Error      string    `json:"error,omitempty"`
	Time       time.Time `json:"time"`
}

// Recorder persists or publishes audit entries.
type Recorder interface {
	Record(ctx context.Context, e Entry) error
}

// Nop discards entries.
type Nop struct{}

// Record implements Recorder.
func (Nop) Record(context.Context, Entry) error { return nil }

// Multi fans an entry out to several recorders. Every recorder is attempted.
type Multi []Recorder

// Record implements Recorder.
func (m Multi) Record(ctx context.Context, e Entry) error {
	var errs []error
	for _, r := range m {
		if r == nil {
			continue
		}
		if err := r.Record(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
