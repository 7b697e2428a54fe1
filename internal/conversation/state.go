// Package conversation holds the observable state of one assistant thread and
// the controller that drives it from the backend event stream.
package conversation

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/banking-assistant/internal/model"
	"github.com/capitalize-ai/banking-assistant/internal/roles"
	"github.com/capitalize-ai/banking-assistant/internal/stream"
	"github.com/capitalize-ai/banking-assistant/pkg/logger"
	"github.com/capitalize-ai/banking-assistant/pkg/metrics"
)

// errCancelled is returned by apply when the guard rejects a mutation.
var errCancelled = errors.New("conversation: run cancelled")

// State is the observable model of one thread. Every mutation goes through
// apply, which updates the model and then notifies subscribers with a
// snapshot.
type State struct {
	mu        sync.Mutex
	thread    model.Thread
	msgIndex  map[string]int
	calls     []model.ToolCall
	callIndex map[string]int
	streaming bool
	version   uint64

	// notifyMu keeps notifications in version order. Subscribers must not
	// mutate the state from inside a callback.
	notifyMu sync.Mutex
	subsMu   sync.Mutex
	subs     map[uint64]func(model.Snapshot)
	nextSub  uint64

	logger *logger.Logger
}

// NewState creates an empty state for threadID.
func NewState(threadID string, log *logger.Logger) *State {
	if log == nil {
		log = logger.NewNop()
	}
	s := &State{
		subs:   make(map[uint64]func(model.Snapshot)),
		logger: log,
	}
	s.resetLocked(threadID)
	return s
}

// Snapshot returns a copy of the current state.
func (s *State) Snapshot() model.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// ThreadID returns the current thread id.
func (s *State) ThreadID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.thread.ID
}

// ToolCall returns a copy of the tool call with id.
func (s *State) ToolCall(id string) (model.ToolCall, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.callIndex[id]
	if !ok {
		return model.ToolCall{}, false
	}
	return model.CloneToolCalls(s.calls[i : i+1])[0], true
}

// Subscribe registers fn for every future snapshot and returns a function
// that removes it.
func (s *State) Subscribe(fn func(model.Snapshot)) func() {
	s.subsMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.subsMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.subsMu.Lock()
			delete(s.subs, id)
			s.subsMu.Unlock()
		})
	}
}

// Apply applies one decoded event. Protocol violations are returned and
// leave the state untouched.
func (s *State) Apply(ev stream.Event) error {
	return s.apply(nil, func() (bool, error) {
		return s.applyEvent(ev)
	})
}

// apply is the single mutation funnel. guard runs under the lock; when it
// returns false nothing is changed and errCancelled is returned. fn reports
// whether it changed anything.
func (s *State) apply(guard func() bool, fn func() (bool, error)) error {
	s.mu.Lock()
	if guard != nil && !guard() {
		s.mu.Unlock()
		return errCancelled
	}
	changed, err := fn()
	if !changed {
		s.mu.Unlock()
		return err
	}
	s.version++
	snap := s.snapshotLocked()

	s.notifyMu.Lock()
	s.mu.Unlock()
	s.notify(snap)
	s.notifyMu.Unlock()
	return err
}

func (s *State) notify(snap model.Snapshot) {
	s.subsMu.Lock()
	subs := make([]func(model.Snapshot), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.subsMu.Unlock()

	for _, fn := range subs {
		fn(snap)
	}
}

func (s *State) snapshotLocked() model.Snapshot {
	return model.Snapshot{
		Version:   s.version,
		ThreadID:  s.thread.ID,
		Messages:  model.CloneMessages(s.thread.Messages),
		ToolCalls: model.CloneToolCalls(s.calls),
		Streaming: s.streaming,
	}
}

func (s *State) resetLocked(threadID string) {
	s.thread = model.Thread{ID: threadID}
	s.msgIndex = make(map[string]int)
	s.calls = nil
	s.callIndex = make(map[string]int)
	s.streaming = false
}

// The helpers below must run inside apply.

func (s *State) appendMessage(m model.Message) {
	s.msgIndex[m.ID] = len(s.thread.Messages)
	s.thread.Messages = append(s.thread.Messages, m)
	metrics.MessagesTotal.WithLabelValues(string(m.Role)).Inc()
}

func (s *State) appendError(text string) {
	s.appendMessage(model.Message{
		ID:        newID(),
		Role:      model.RoleError,
		Content:   text,
		Timestamp: time.Now().UTC(),
	})
}

func (s *State) message(id string) *model.Message {
	i, ok := s.msgIndex[id]
	if !ok {
		return nil
	}
	return &s.thread.Messages[i]
}

func (s *State) toolCall(id string) *model.ToolCall {
	i, ok := s.callIndex[id]
	if !ok {
		return nil
	}
	return &s.calls[i]
}

// setThreadID adopts id. Concurrent resyncs are last-write-wins.
func (s *State) setThreadID(id string) bool {
	if id == "" || id == s.thread.ID {
		return false
	}
	s.logger.Info("thread id resynchronized",
		zap.String("from", s.thread.ID),
		zap.String("to", id),
	)
	s.thread.ID = id
	return true
}

// finishMessages marks the given assistant messages as no longer streaming.
func (s *State) finishMessages(ids []string) bool {
	changed := false
	for _, id := range ids {
		if m := s.message(id); m != nil && m.IsStreaming {
			m.IsStreaming = false
			changed = true
		}
	}
	return changed
}

// createToolCall appends a tool call with its tool message and links it to
// the latest assistant message.
func (s *State) createToolCall(id, name string, at time.Time) *model.ToolCall {
	tc := model.ToolCall{ID: id, Name: name, Status: model.ToolCallPending}
	for i := len(s.thread.Messages) - 1; i >= 0; i-- {
		m := &s.thread.Messages[i]
		if m.Role == model.RoleAssistant {
			m.ToolCallIDs = append(m.ToolCallIDs, id)
			tc.MessageID = m.ID
			break
		}
	}
	s.callIndex[id] = len(s.calls)
	s.calls = append(s.calls, tc)

	msgID := "tool:" + id
	if s.message(msgID) == nil {
		s.appendMessage(model.Message{
			ID:         msgID,
			Role:       model.RoleTool,
			Content:    name,
			Timestamp:  at,
			ToolCallID: id,
		})
	}
	return &s.calls[len(s.calls)-1]
}

func (s *State) applyEvent(ev stream.Event) (bool, error) {
	if ev.Cause != nil {
		return false, ev.Cause
	}

	at := ev.Timestamp
	if at.IsZero() {
		at = time.Now().UTC()
	}

	switch ev.Type {
	case stream.EventAssistantStart:
		if s.message(ev.MessageID) != nil {
			return false, protocolError(ev, ev.MessageID, "duplicate message id")
		}
		s.appendMessage(model.Message{
			ID:          ev.MessageID,
			Role:        model.RoleAssistant,
			Timestamp:   at,
			IsStreaming: true,
		})
		return true, nil

	case stream.EventAssistantToken:
		m := s.message(ev.MessageID)
		if m == nil || m.Role != model.RoleAssistant {
			return false, protocolError(ev, ev.MessageID, "unknown message")
		}
		if ev.Content == "" {
			return false, nil
		}
		m.Content += ev.Content
		return true, nil

	case stream.EventAssistantComplete:
		m := s.message(ev.MessageID)
		if m == nil || m.Role != model.RoleAssistant {
			return false, protocolError(ev, ev.MessageID, "unknown message")
		}
		if ev.Content != "" && m.Content == "" {
			m.Content = ev.Content
		}
		m.IsStreaming = false
		return true, nil

	case stream.EventToolStart, stream.EventToolToken, stream.EventToolComplete:
		return s.applyToolEvent(ev, at)

	case stream.EventApprovalRequest:
		tc := s.toolCall(ev.ToolCallID)
		if tc == nil {
			tc = s.createToolCall(ev.ToolCallID, ev.ToolName, at)
		}
		if tc.Status != model.ToolCallPending && tc.Status != model.ToolCallAwaitingApproval {
			return false, protocolError(ev, ev.ToolCallID, "tool call is "+string(tc.Status))
		}
		tc.Status = model.ToolCallAwaitingApproval
		if ev.ToolName != "" {
			tc.Name = ev.ToolName
		}
		if ev.ToolInput != nil {
			tc.Input = ev.ToolInput
		}
		tc.RequiredRoles = roles.Compact(ev.RequiredRoles)
		tc.BankID = ev.BankID
		tc.Description = ev.Description
		tc.Error = ""
		return true, nil

	case stream.EventThreadSync:
		return s.setThreadID(ev.ThreadID), nil

	case stream.EventError:
		text := ev.Error
		if text == "" {
			text = "unknown error"
		}
		if ev.MessageID != "" {
			if m := s.message(ev.MessageID); m != nil {
				m.Error = text
				m.IsStreaming = false
				return true, nil
			}
		}
		s.appendError(text)
		return true, nil
	}

	return false, protocolError(ev, "", "unhandled event type")
}

func (s *State) applyToolEvent(ev stream.Event, at time.Time) (bool, error) {
	tc := s.toolCall(ev.ToolCallID)
	if tc == nil {
		tc = s.createToolCall(ev.ToolCallID, ev.ToolName, at)
	} else if tc.Status.Terminal() {
		return false, protocolError(ev, ev.ToolCallID, "tool call is "+string(tc.Status))
	}
	if ev.ToolName != "" {
		tc.Name = ev.ToolName
	}

	switch ev.Type {
	case stream.EventToolStart:
		if ev.ToolInput != nil {
			tc.Input = ev.ToolInput
		}
	case stream.EventToolToken:
		tc.Content += ev.Content
	case stream.EventToolComplete:
		tc.Output = ev.ToolOutput
		if ev.Status == stream.ToolStatusError {
			tc.Status = model.ToolCallError
			tc.Error = ev.Error
			if tc.Error == "" {
				tc.Error = "tool failed"
			}
		} else {
			tc.Status = model.ToolCallSuccess
			tc.Error = ""
		}
	}
	return true, nil
}

// setToolStatus records a gate decision. A call that already reached a
// terminal state through the stream is left alone.
func (s *State) setToolStatus(id string, status model.ToolCallStatus) bool {
	tc := s.toolCall(id)
	if tc == nil || tc.Status.Terminal() || tc.Status == status {
		return false
	}
	tc.Status = status
	tc.Error = ""
	return true
}

// setToolError attaches a failed decision to a call without changing its
// status.
func (s *State) setToolError(id, text string) bool {
	tc := s.toolCall(id)
	if tc == nil {
		return false
	}
	tc.Error = text
	return true
}

func protocolError(ev stream.Event, id, reason string) error {
	return &stream.ProtocolError{Type: ev.Type, ID: id, Reason: reason}
}
