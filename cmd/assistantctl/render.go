package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/fatih/color"

	"github.com/capitalize-ai/banking-assistant/internal/model"
	"github.com/capitalize-ai/banking-assistant/internal/roles"
)

var (
	assistantPrefix = color.New(color.FgGreen, color.Bold).SprintFunc()
	toolPrefix      = color.New(color.FgYellow).SprintFunc()
	errorText       = color.New(color.FgRed).SprintFunc()
	dim             = color.New(color.FgHiBlack).SprintFunc()
)

// transcript prints thread snapshots as they grow. Only content not yet
// printed is written, so streamed tokens appear inline.
type transcript struct {
	mu       sync.Mutex
	w        io.Writer
	printed  map[string]int
	done     map[string]bool
	statuses map[string]model.ToolCallStatus
	open     string
}

func newTranscript(w io.Writer) *transcript {
	t := &transcript{w: w}
	t.reset()
	return t
}

func (t *transcript) reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.printed = make(map[string]int)
	t.done = make(map[string]bool)
	t.statuses = make(map[string]model.ToolCallStatus)
	t.open = ""
}

func (t *transcript) update(snap model.Snapshot) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, msg := range snap.Messages {
		switch msg.Role {
		case model.RoleAssistant:
			t.assistant(msg)
		case model.RoleError:
			if !t.done[msg.ID] {
				t.done[msg.ID] = true
				t.line(errorText("error: " + msg.Content))
			}
		}
	}

	for _, tc := range snap.ToolCalls {
		if t.statuses[tc.ID] == tc.Status {
			continue
		}
		t.statuses[tc.ID] = tc.Status
		detail := ""
		if tc.Error != "" {
			detail = " " + errorText(tc.Error)
		}
		t.line(fmt.Sprintf("%s %s %s%s", toolPrefix("⚙"), tc.Name, dim(string(tc.Status)), detail))
	}
}

func (t *transcript) assistant(msg model.Message) {
	n := t.printed[msg.ID]
	if n > len(msg.Content) {
		n = 0
	}
	if delta := msg.Content[n:]; delta != "" {
		if t.open != msg.ID {
			t.closeLine()
			fmt.Fprint(t.w, assistantPrefix("assistant> "))
			t.open = msg.ID
		}
		fmt.Fprint(t.w, delta)
		t.printed[msg.ID] = len(msg.Content)
	}

	if msg.IsStreaming || t.done[msg.ID] {
		return
	}
	t.done[msg.ID] = true
	if t.open == msg.ID {
		t.closeLine()
	}
	if msg.Error != "" {
		t.line(errorText("error: " + msg.Error))
	}
}

func (t *transcript) line(s string) {
	t.closeLine()
	fmt.Fprintln(t.w, s)
}

func (t *transcript) closeLine() {
	if t.open != "" {
		fmt.Fprintln(t.w)
		t.open = ""
	}
}

// describeApproval renders a tool call awaiting a decision.
func describeApproval(w io.Writer, tc model.ToolCall) {
	fmt.Fprintf(w, "%s the assistant wants to run %s\n", toolPrefix("?"), color.New(color.Bold).Sprint(tc.Name))
	if tc.Description != "" {
		fmt.Fprintf(w, "  %s\n", tc.Description)
	}
	if len(tc.Input) > 0 {
		if raw, err := json.Marshal(tc.Input); err == nil {
			fmt.Fprintf(w, "  %s %s\n", dim("input:"), raw)
		}
	}
	if len(tc.RequiredRoles) > 0 {
		fmt.Fprintf(w, "  %s %s\n", dim("roles:"), strings.Join(roles.Names(tc.RequiredRoles), ", "))
	}
	if tc.BankID != "" {
		fmt.Fprintf(w, "  %s %s\n", dim("bank:"), tc.BankID)
	}
}
