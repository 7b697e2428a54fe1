package stream

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/capitalize-ai/banking-assistant/internal/roles"
	"github.com/capitalize-ai/banking-assistant/pkg/metrics"
)

const (
	dataPrefix   = "data:"
	doneSentinel = "[DONE]"

	// payloads quoted in errors are cut to this length
	maxQuotedPayload = 120

	// DefaultMaxFrameSize bounds one line when Decoder.MaxFrameSize is unset.
	DefaultMaxFrameSize = 1 << 20
)

// errFrameTooLarge is the cause of the parse error emitted for a line that
// exceeds the frame size limit.
var errFrameTooLarge = errors.New("frame exceeds size limit")

// Decoder turns successive byte chunks into events. The zero value is ready
// to use. A Decoder is not safe for concurrent use.
type Decoder struct {
	// MaxFrameSize caps the bytes of one line. A longer line yields a
	// single FrameParseError and is skipped up to its newline.
	MaxFrameSize int

	buf      []byte
	done     bool
	skipping bool
}

// Push appends chunk to the pending buffer and returns the events of every
// line it completed, in arrival order. Once the sentinel has been seen Push
// returns nil.
func (d *Decoder) Push(chunk []byte) []Event {
	if d.done {
		return nil
	}
	d.buf = append(d.buf, chunk...)

	var events []Event
	for {
		idx := bytes.IndexByte(d.buf, '\n')
		if idx < 0 {
			break
		}
		line := d.buf[:idx]
		d.buf = d.buf[idx+1:]

		if d.skipping {
			d.skipping = false
			continue
		}
		if len(line) > d.maxFrameSize() {
			events = append(events, oversized(line))
			continue
		}

		ev, ok, stop := decodeLine(line)
		if stop {
			d.done = true
			d.buf = nil
			return events
		}
		if ok {
			events = append(events, ev)
		}
	}

	if len(d.buf) > d.maxFrameSize() {
		if !d.skipping {
			events = append(events, oversized(d.buf))
			d.skipping = true
		}
		d.buf = nil
	}

	// Drop the consumed prefix so the backing array does not grow forever.
	if len(d.buf) == 0 {
		d.buf = nil
	} else {
		d.buf = append([]byte(nil), d.buf...)
	}
	return events
}

func (d *Decoder) maxFrameSize() int {
	if d.MaxFrameSize > 0 {
		return d.MaxFrameSize
	}
	return DefaultMaxFrameSize
}

func oversized(line []byte) Event {
	metrics.FrameErrorsTotal.WithLabelValues("parse").Inc()
	return errorEvent(&FrameParseError{Payload: quote(string(line[:min(len(line), maxQuotedPayload+1)])), Err: errFrameTooLarge})
}

// Finish signals end of stream and returns the number of bytes of a dangling
// partial frame that were discarded.
func (d *Decoder) Finish() int {
	n := len(d.buf)
	d.buf = nil
	d.done = true
	return n
}

// Done reports whether the sentinel was seen or Finish was called.
func (d *Decoder) Done() bool {
	return d.done
}

// DecodeAll decodes a complete stream held in memory.
func DecodeAll(data []byte) []Event {
	var d Decoder
	events := d.Push(data)
	d.Finish()
	return events
}

// decodeLine maps one complete line to an event. ok is false for lines that
// carry no event; stop is true for the termination sentinel.
func decodeLine(line []byte) (ev Event, ok bool, stop bool) {
	text := strings.TrimSuffix(string(line), "\r")
	if !strings.HasPrefix(text, dataPrefix) {
		return Event{}, false, false
	}
	payload := strings.TrimPrefix(text, dataPrefix)
	payload = strings.TrimPrefix(payload, " ")
	if strings.TrimSpace(payload) == doneSentinel {
		return Event{}, false, true
	}
	if strings.TrimSpace(payload) == "" {
		return Event{}, false, false
	}

	ev = parsePayload(payload)
	if ev.Cause != nil {
		var kind string
		switch ev.Cause.(type) {
		case *FrameParseError:
			kind = "parse"
		default:
			kind = "protocol"
		}
		metrics.FrameErrorsTotal.WithLabelValues(kind).Inc()
	} else {
		metrics.FramesTotal.WithLabelValues(string(ev.Type)).Inc()
	}
	return ev, true, false
}

type wirePayload struct {
	Type          string              `json:"type"`
	MessageID     string              `json:"message_id"`
	Timestamp     json.RawMessage     `json:"timestamp"`
	Content       string              `json:"content"`
	ToolCallID    string              `json:"tool_call_id"`
	ToolName      string              `json:"tool_name"`
	ToolInput     map[string]any      `json:"tool_input"`
	ToolOutput    json.RawMessage     `json:"tool_output"`
	Status        string              `json:"status"`
	RequiredRoles []roles.Requirement `json:"required_roles"`
	BankID        string              `json:"bank_id"`
	Description   string              `json:"description"`
	ThreadID      string              `json:"thread_id"`
	Error         json.RawMessage     `json:"error"`
}

func parsePayload(payload string) Event {
	var p wirePayload
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		return errorEvent(&FrameParseError{Payload: quote(payload), Err: err})
	}

	ev := Event{
		Type:          EventType(p.Type),
		MessageID:     p.MessageID,
		Content:       p.Content,
		ToolCallID:    p.ToolCallID,
		ToolName:      p.ToolName,
		ToolInput:     p.ToolInput,
		Status:        p.Status,
		RequiredRoles: p.RequiredRoles,
		BankID:        p.BankID,
		Description:   p.Description,
		ThreadID:      p.ThreadID,
	}

	switch ev.Type {
	case EventAssistantStart:
		ts, err := parseTimestamp(p.Timestamp)
		if err != nil {
			return errorEvent(&FrameParseError{Payload: quote(payload), Err: err})
		}
		ev.Timestamp = ts
		return requireID(ev, ev.MessageID, "message_id")
	case EventAssistantToken, EventAssistantComplete:
		return requireID(ev, ev.MessageID, "message_id")
	case EventToolStart, EventToolToken, EventApprovalRequest:
		return requireID(ev, ev.ToolCallID, "tool_call_id")
	case EventToolComplete:
		if len(p.ToolOutput) > 0 {
			var out any
			if err := json.Unmarshal(p.ToolOutput, &out); err != nil {
				return errorEvent(&FrameParseError{Payload: quote(payload), Err: err})
			}
			ev.ToolOutput = out
		}
		if ev.Status == ToolStatusError && len(p.Error) > 0 {
			ev.Error = coerceError(p.Error)
		}
		if ev.Status != ToolStatusSuccess && ev.Status != ToolStatusError {
			return errorEvent(&ProtocolError{Type: ev.Type, ID: ev.ToolCallID, Reason: fmt.Sprintf("invalid status %q", ev.Status)})
		}
		return requireID(ev, ev.ToolCallID, "tool_call_id")
	case EventThreadSync:
		return requireID(ev, ev.ThreadID, "thread_id")
	case EventError:
		ev.Error = coerceError(p.Error)
		return ev
	default:
		return errorEvent(&ProtocolError{Type: ev.Type, Reason: "unknown event type"})
	}
}

func requireID(ev Event, id, field string) Event {
	if strings.TrimSpace(id) == "" {
		return errorEvent(&ProtocolError{Type: ev.Type, Reason: "missing " + field})
	}
	return ev
}

// parseTimestamp accepts RFC3339 strings and unix seconds or milliseconds.
func parseTimestamp(raw json.RawMessage) (time.Time, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return time.Time{}, nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return time.Time{}, err
		}
		ts, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid timestamp: %w", err)
		}
		return ts, nil
	}
	var n float64
	if err := json.Unmarshal(raw, &n); err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp: %w", err)
	}
	if n > 1e12 {
		return time.UnixMilli(int64(n)).UTC(), nil
	}
	sec := int64(n)
	return time.Unix(sec, int64((n-float64(sec))*1e9)).UTC(), nil
}

func coerceError(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return "unknown error"
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var obj struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && obj.Message != "" {
		return obj.Message
	}
	return string(raw)
}

func quote(payload string) string {
	if len(payload) > maxQuotedPayload {
		return payload[:maxQuotedPayload] + "..."
	}
	return payload
}
