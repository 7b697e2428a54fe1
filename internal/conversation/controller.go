package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/capitalize-ai/banking-assistant/internal/audit"
	"github.com/capitalize-ai/banking-assistant/internal/backend"
	"github.com/capitalize-ai/banking-assistant/internal/consent"
	"github.com/capitalize-ai/banking-assistant/internal/model"
	"github.com/capitalize-ai/banking-assistant/internal/roles"
	"github.com/capitalize-ai/banking-assistant/internal/stream"
	"github.com/capitalize-ai/banking-assistant/pkg/logger"
	"github.com/capitalize-ai/banking-assistant/pkg/metrics"
	"github.com/capitalize-ai/banking-assistant/pkg/tracing"
)

var tracer = tracing.Tracer("conversation")

var (
	// ErrEmptyMessage is returned by Send for blank input.
	ErrEmptyMessage = errors.New("message is empty")
	// ErrStreamActive is returned by Send while a stream is being consumed.
	ErrStreamActive = errors.New("a response is already streaming")
)

// ZeroRolePolicy decides what happens to approval requests that need no
// elevated role.
type ZeroRolePolicy string

const (
	// ZeroRolePrompt sends them through the gate like any other call.
	ZeroRolePrompt ZeroRolePolicy = "prompt"
	// ZeroRoleAuto approves them on arrival.
	ZeroRoleAuto ZeroRolePolicy = "auto"
)

// ParseZeroRolePolicy parses a configured policy name.
func ParseZeroRolePolicy(s string) (ZeroRolePolicy, error) {
	switch ZeroRolePolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", ZeroRolePrompt:
		return ZeroRolePrompt, nil
	case ZeroRoleAuto:
		return ZeroRoleAuto, nil
	}
	return "", fmt.Errorf("unknown zero role policy %q", s)
}

// Principal is the user on whose behalf the controller acts.
type Principal struct {
	Subject string
	Bearer  string
	Roles   []string
}

// Options configures a Controller.
type Options struct {
	Backend        backend.Client
	Issuer         consent.Issuer
	Table          *roles.Table
	ZeroRolePolicy ZeroRolePolicy
	Recorder       audit.Recorder
	Logger         *logger.Logger
	// ThreadID seeds the first thread. A new id is generated when empty.
	ThreadID string
}

// Controller drives one thread: it sends user messages, consumes the
// backend stream into State and routes approval decisions.
type Controller struct {
	state    *State
	gate     *ApprovalGate
	backend  backend.Client
	issuer   consent.Issuer
	table    *roles.Table
	policy   ZeroRolePolicy
	recorder audit.Recorder
	logger   *logger.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	principal Principal
	runs      map[uint64]*run
	nextRun   uint64
}

// run is one consumed event stream.
type run struct {
	id      uint64
	kind    string
	ctx     context.Context
	cancel  context.CancelFunc
	started time.Time

	// cancelled is only set while the state lock is held.
	cancelled atomic.Bool

	mu     sync.Mutex
	events *stream.EventStream

	// messages started by this run, guarded by the state lock.
	messages []string
}

func (r *run) guard() bool { return !r.cancelled.Load() }

// attach hands the open stream to the run unless it was already cancelled.
func (r *run) attach(es *stream.EventStream) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancelled.Load() {
		return false
	}
	r.events = es
	return true
}

func (r *run) abort() {
	r.cancel()
	r.mu.Lock()
	es := r.events
	r.mu.Unlock()
	if es != nil {
		es.Close()
	}
}

// NewController creates a controller.
func NewController(opts Options) (*Controller, error) {
	if opts.Backend == nil {
		return nil, errors.New("backend client is required")
	}
	if opts.Issuer == nil {
		return nil, errors.New("consent issuer is required")
	}
	if opts.Table == nil {
		opts.Table = roles.DefaultTable()
	}
	if opts.ZeroRolePolicy == "" {
		opts.ZeroRolePolicy = ZeroRolePrompt
	}
	if opts.Recorder == nil {
		opts.Recorder = audit.Nop{}
	}
	if opts.Logger == nil {
		opts.Logger = logger.NewNop()
	}
	if opts.ThreadID == "" {
		opts.ThreadID = newID()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		state:    NewState(opts.ThreadID, opts.Logger),
		gate:     NewApprovalGate(),
		backend:  opts.Backend,
		issuer:   opts.Issuer,
		table:    opts.Table,
		policy:   opts.ZeroRolePolicy,
		recorder: opts.Recorder,
		logger:   opts.Logger,
		ctx:      ctx,
		cancel:   cancel,
		runs:     make(map[uint64]*run),
	}, nil
}

// SetPrincipal replaces the user credentials used for backend and issuer
// calls.
func (c *Controller) SetPrincipal(p Principal) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p.Roles = append([]string(nil), p.Roles...)
	c.principal = p
}

func (c *Controller) currentPrincipal() Principal {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.principal
}

// ThreadID returns the current thread id.
func (c *Controller) ThreadID() string {
	return c.state.ThreadID()
}

// Snapshot returns a copy of the thread state.
func (c *Controller) Snapshot() model.Snapshot {
	return c.state.Snapshot()
}

// Subscribe registers fn for every state change. Callbacks run on the
// mutating goroutine and must not block or call back into the controller's
// mutating methods.
func (c *Controller) Subscribe(fn func(model.Snapshot)) func() {
	return c.state.Subscribe(fn)
}

// PendingApprovals returns the tool calls awaiting a decision.
func (c *Controller) PendingApprovals() []model.ToolCall {
	var out []model.ToolCall
	for _, id := range c.gate.Pending() {
		if tc, ok := c.state.ToolCall(id); ok && tc.Status == model.ToolCallAwaitingApproval {
			out = append(out, tc)
		}
	}
	return out
}

// Streaming reports whether any stream is being consumed.
func (c *Controller) Streaming() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.runs) > 0
}

// Send appends a user message and starts streaming the reply. It does not
// wait for the backend.
func (c *Controller) Send(text string) (model.Message, error) {
	if strings.TrimSpace(text) == "" {
		return model.Message{}, ErrEmptyMessage
	}

	c.mu.Lock()
	if len(c.runs) > 0 {
		c.mu.Unlock()
		return model.Message{}, ErrStreamActive
	}
	r := c.newRunLocked("send", c.ctx)
	c.mu.Unlock()

	msg := model.Message{
		ID:        newID(),
		Role:      model.RoleUser,
		Content:   text,
		Timestamp: time.Now().UTC(),
	}
	c.state.apply(nil, func() (bool, error) {
		c.state.appendMessage(msg)
		c.state.streaming = r.guard()
		return true, nil
	})

	go c.runSend(r, text)
	return msg, nil
}

// Cancel stops every stream of this thread. State already applied is kept.
// Once Cancel returns no event of a cancelled stream is applied.
func (c *Controller) Cancel() {
	c.mu.Lock()
	cancelled := make([]*run, 0, len(c.runs))
	for id, r := range c.runs {
		cancelled = append(cancelled, r)
		delete(c.runs, id)
	}
	c.mu.Unlock()

	if len(cancelled) == 0 {
		return
	}

	c.state.apply(nil, func() (bool, error) {
		for _, r := range cancelled {
			r.cancelled.Store(true)
		}
		changed := c.state.streaming
		c.state.streaming = false
		return changed, nil
	})

	for _, r := range cancelled {
		r.abort()
		metrics.StreamsActive.Dec()
		metrics.RecordStream("cancelled", time.Since(r.started).Seconds())
	}
	c.logger.Info("streams cancelled",
		zap.String("thread_id", c.state.ThreadID()),
		zap.Int("count", len(cancelled)),
	)
}

// NewThread drops the current thread and starts an empty one.
func (c *Controller) NewThread() string {
	c.Cancel()
	c.gate.Reset()
	id := newID()
	c.state.apply(nil, func() (bool, error) {
		c.state.resetLocked(id)
		return true, nil
	})
	return id
}

// Close cancels every stream and releases the controller.
func (c *Controller) Close() {
	c.Cancel()
	c.cancel()
}

// Done is closed once the controller has been closed.
func (c *Controller) Done() <-chan struct{} {
	return c.ctx.Done()
}

func (c *Controller) newRunLocked(kind string, parent context.Context) *run {
	ctx, cancel := context.WithCancel(parent)
	r := &run{
		id:      c.nextRun,
		kind:    kind,
		ctx:     ctx,
		cancel:  cancel,
		started: time.Now(),
	}
	c.nextRun++
	c.runs[r.id] = r
	metrics.StreamsActive.Inc()
	return r
}

func (c *Controller) runSend(r *run, text string) {
	ctx, span := tracer.Start(r.ctx, "conversation.send")
	defer span.End()

	p := c.currentPrincipal()
	resp, err := c.backend.Stream(ctx, p.Bearer, backend.StreamRequest{
		Message:      text,
		ThreadID:     c.state.ThreadID(),
		StreamTokens: true,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "stream failed")
		c.endRun(r, err)
		return
	}
	c.consume(r, resp)
}

// consume applies every event of resp to the state until the stream ends or
// the run is cancelled.
func (c *Controller) consume(r *run, resp *backend.StreamResponse) {
	es := resp.Events
	if !r.attach(es) {
		es.Close()
		c.endRun(r, nil)
		return
	}
	defer es.Close()

	if resp.ThreadID != "" {
		c.applyEvent(r, stream.Event{Type: stream.EventThreadSync, ThreadID: resp.ThreadID})
	}

	for es.Next() {
		if err := c.applyEvent(r, es.Current()); errors.Is(err, errCancelled) {
			break
		}
	}

	var err error
	if readErr := es.Err(); readErr != nil {
		err = &backend.TransportError{Op: "stream", Message: "stream interrupted", Err: readErr}
	}
	c.endRun(r, err)
}

// applyEvent applies ev on behalf of r and runs the approval side effects.
func (c *Controller) applyEvent(r *run, ev stream.Event) error {
	err := c.state.apply(r.guard, func() (bool, error) {
		changed, err := c.state.applyEvent(ev)
		if err == nil && ev.Type == stream.EventAssistantStart {
			r.messages = append(r.messages, ev.MessageID)
		}
		return changed, err
	})
	if errors.Is(err, errCancelled) {
		return err
	}
	if err != nil {
		kind := "protocol"
		var fpe *stream.FrameParseError
		if errors.As(err, &fpe) {
			kind = "frame"
		}
		if ev.Cause == nil {
			metrics.FrameErrorsTotal.WithLabelValues("state").Inc()
		}
		c.logger.Warn("stream event rejected",
			zap.String("thread_id", c.state.ThreadID()),
			zap.String("kind", kind),
			zap.Error(err),
		)
		return nil
	}

	switch ev.Type {
	case stream.EventApprovalRequest:
		if c.gate.Register(ev.ToolCallID) && len(roles.Compact(ev.RequiredRoles)) == 0 && c.policy == ZeroRoleAuto {
			go func(id string) {
				if err := c.Approve(c.ctx, id); err != nil {
					c.logger.Warn("automatic approval failed", zap.String("tool_call_id", id), zap.Error(err))
				}
			}(ev.ToolCallID)
		}
	case stream.EventToolComplete:
		c.gate.Close(ev.ToolCallID)
	}
	return nil
}

// endRun finishes r. Messages it left streaming are completed and a
// transport failure becomes a standalone error message, unless r was
// cancelled.
func (c *Controller) endRun(r *run, runErr error) {
	defer r.cancel()

	// Cancel may have taken r out of c.runs before marking it cancelled.
	// Whoever removes r records its metrics.
	owned := false
	err := c.state.apply(r.guard, func() (bool, error) {
		c.mu.Lock()
		_, owned = c.runs[r.id]
		delete(c.runs, r.id)
		streaming := len(c.runs) > 0
		c.mu.Unlock()
		if !owned {
			return false, nil
		}

		changed := c.state.finishMessages(r.messages)
		if runErr != nil {
			c.state.appendError(runErr.Error())
			changed = true
		}
		if c.state.streaming != streaming {
			c.state.streaming = streaming
			changed = true
		}
		return changed, nil
	})
	if errors.Is(err, errCancelled) || !owned {
		return
	}

	outcome := "completed"
	if runErr != nil {
		outcome = "error"
		c.logger.Warn("stream ended with error",
			zap.String("thread_id", c.state.ThreadID()),
			zap.String("run", r.kind),
			zap.Error(runErr),
		)
	}
	metrics.StreamsActive.Dec()
	metrics.RecordStream(outcome, time.Since(r.started).Seconds())
}

// Approve resolves the roles the call needs, obtains a consent for exactly
// those roles and forwards the approval with the consent attached.
func (c *Controller) Approve(ctx context.Context, toolCallID string) error {
	return c.decide(ctx, toolCallID, audit.DecisionApprove)
}

// Reject forwards a denial. No roles are resolved and no consent is issued.
func (c *Controller) Reject(ctx context.Context, toolCallID string) error {
	return c.decide(ctx, toolCallID, audit.DecisionDeny)
}

func (c *Controller) decide(ctx context.Context, toolCallID string, decision audit.Decision) error {
	ctx, span := tracer.Start(ctx, "conversation."+string(decision))
	defer span.End()
	span.SetAttributes(attribute.String("tool_call.id", toolCallID))

	if err := c.gate.Begin(toolCallID); err != nil {
		metrics.RecordApproval(string(decision), "rejected")
		return err
	}

	call, _ := c.state.ToolCall(toolCallID)
	p := c.currentPrincipal()
	threadID := c.state.ThreadID()
	entry := audit.Entry{
		ID:         newID(),
		UserID:     p.Subject,
		ThreadID:   threadID,
		ToolCallID: toolCallID,
		ToolName:   call.Name,
		Decision:   decision,
		BankID:     call.BankID,
		Time:       time.Now().UTC(),
	}

	// fail marks the call as errored. guard is the approval run's guard
	// once one exists; a cancelled run leaves state and audit untouched.
	fail := func(guard func() bool, outcome audit.Outcome, err error) error {
		c.gate.Abort(toolCallID)
		applied := c.state.apply(guard, func() (bool, error) {
			return c.state.setToolError(toolCallID, err.Error()), nil
		})
		if errors.Is(applied, errCancelled) {
			metrics.RecordApproval(string(decision), "cancelled")
			c.logger.Info("tool call decision cancelled",
				zap.String("thread_id", threadID),
				zap.String("tool_call_id", toolCallID),
				zap.String("decision", string(decision)),
			)
			return err
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, string(outcome))
		entry.Outcome = outcome
		entry.Error = err.Error()
		c.record(ctx, entry)
		metrics.RecordApproval(string(decision), string(outcome))
		c.logger.Warn("tool call decision failed",
			zap.String("thread_id", threadID),
			zap.String("tool_call_id", toolCallID),
			zap.String("decision", string(decision)),
			zap.String("outcome", string(outcome)),
			zap.Error(err),
		)
		return err
	}

	consentJWT := ""
	if decision == audit.DecisionApprove && len(call.RequiredRoles) > 0 {
		scoped, err := c.table.Resolve(call.RequiredRoles, p.Roles, call.BankID)
		if err != nil {
			return fail(nil, audit.OutcomeUnsatisfiable, err)
		}
		entry.Roles = scopedNames(scoped)

		grant, err := c.issuer.Issue(ctx, p.Bearer, consent.NewRequest(scoped))
		if err != nil {
			return fail(nil, audit.OutcomeIssuerError, err)
		}
		if err := roles.VerifyGrant(scoped, grant.Roles); err != nil {
			return fail(nil, audit.OutcomeGrantMismatch, err)
		}
		entry.ConsentID = grant.ConsentID
		consentJWT = grant.JWT
	}

	approval := backend.DecisionDeny
	if decision == audit.DecisionApprove {
		approval = backend.DecisionApprove
	}

	// The reply may be a continuation stream that outlives the caller's
	// request, so it runs under the controller's context.
	c.mu.Lock()
	r := c.newRunLocked("approval", c.ctx)
	c.mu.Unlock()
	resp, err := c.backend.SubmitApproval(r.ctx, p.Bearer, threadID, backend.ApprovalRequest{
		ToolCallID: toolCallID,
		Approval:   approval,
	}, consentJWT)
	if err != nil {
		err = fail(r.guard, audit.OutcomeBackendError, err)
		c.endRun(r, nil)
		return err
	}

	c.gate.Resolve(toolCallID, decision == audit.DecisionApprove)
	status := model.ToolCallDenied
	if decision == audit.DecisionApprove {
		status = model.ToolCallApproved
	}
	applied := c.state.apply(r.guard, func() (bool, error) {
		return c.state.setToolStatus(toolCallID, status), nil
	})

	entry.Outcome = audit.OutcomeForwarded
	c.record(ctx, entry)
	metrics.RecordApproval(string(decision), string(audit.OutcomeForwarded))
	c.logger.Info("tool call decision forwarded",
		zap.String("thread_id", threadID),
		zap.String("tool_call_id", toolCallID),
		zap.String("decision", string(decision)),
		zap.Strings("roles", entry.Roles),
		zap.String("consent_id", entry.ConsentID),
	)

	if errors.Is(applied, errCancelled) {
		if resp != nil {
			resp.Events.Close()
		}
		c.endRun(r, nil)
		return nil
	}
	if resp == nil {
		c.endRun(r, nil)
		return nil
	}
	c.state.apply(r.guard, func() (bool, error) {
		changed := !c.state.streaming
		c.state.streaming = true
		return changed, nil
	})
	go c.consume(r, resp)
	return nil
}

func (c *Controller) record(ctx context.Context, e audit.Entry) {
	if err := c.recorder.Record(context.WithoutCancel(ctx), e); err != nil {
		c.logger.Error("failed to record approval audit",
			zap.String("tool_call_id", e.ToolCallID),
			zap.Error(err),
		)
	}
}

func scopedNames(scoped []roles.ScopedRole) []string {
	out := make([]string, len(scoped))
	for i, r := range scoped {
		out[i] = r.Role
	}
	return out
}

func newID() string {
	return uuid.Must(uuid.NewV7()).String()
}
