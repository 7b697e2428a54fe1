package conversation

import (
	"errors"
	"fmt"
	"sync"
)

// ErrNotAwaitingApproval is returned for a decision on a tool call that is
// unknown, already decided, or being decided.
var ErrNotAwaitingApproval = errors.New("tool call is not awaiting approval")

type gateState int

const (
	gateAwaiting gateState = iota
	gateDeciding
	gateApproved
	gateDenied
	gateClosed
)

// ApprovalGate tracks at most one pending decision per tool call id.
type ApprovalGate struct {
	mu      sync.Mutex
	entries map[string]gateState
	order   []string
}

// NewApprovalGate creates an empty gate.
func NewApprovalGate() *ApprovalGate {
	return &ApprovalGate{entries: make(map[string]gateState)}
}

// Register marks id as awaiting a decision. A repeated request for a known
// call is ignored. It reports whether id became newly awaiting.
func (g *ApprovalGate) Register(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.entries[id]; ok {
		return false
	}
	g.entries[id] = gateAwaiting
	g.order = append(g.order, id)
	return true
}

// Begin moves id from awaiting to deciding.
func (g *ApprovalGate) Begin(id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	st, ok := g.entries[id]
	if !ok || st != gateAwaiting {
		return fmt.Errorf("%w: %s", ErrNotAwaitingApproval, id)
	}
	g.entries[id] = gateDeciding
	return nil
}

// Resolve records the final decision for a call being decided.
func (g *ApprovalGate) Resolve(id string, approved bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.entries[id] != gateDeciding {
		return
	}
	if approved {
		g.entries[id] = gateApproved
	} else {
		g.entries[id] = gateDenied
	}
}

// Abort returns a call being decided to awaiting so the user may retry.
func (g *ApprovalGate) Abort(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if st, ok := g.entries[id]; ok && st == gateDeciding {
		g.entries[id] = gateAwaiting
	}
}

// Close stops accepting decisions for id, e.g. after the backend reported a
// terminal result for it. A decision already in flight is left to finish.
func (g *ApprovalGate) Close(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if st, ok := g.entries[id]; ok && st == gateAwaiting {
		g.entries[id] = gateClosed
	}
}

// Pending returns the ids awaiting a decision in arrival order.
func (g *ApprovalGate) Pending() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []string
	for _, id := range g.order {
		if g.entries[id] == gateAwaiting {
			out = append(out, id)
		}
	}
	return out
}

// Reset forgets every call.
func (g *ApprovalGate) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.entries = make(map[string]gateState)
	g.order = nil
}
