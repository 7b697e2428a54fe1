// Package backend talks to the assistant backend: it opens chat event streams
// and submits tool call decisions.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"

	"github.com/capitalize-ai/banking-assistant/internal/consent"
	"github.com/capitalize-ai/banking-assistant/internal/stream"
	"github.com/capitalize-ai/banking-assistant/pkg/logger"
	"github.com/capitalize-ai/banking-assistant/pkg/tracing"
)

// ThreadHeader carries the backend's authoritative thread id on a stream
// response.
const ThreadHeader = "X-Thread-Id"

var tracer = tracing.Tracer("backend")

// Approval decisions sent to the backend.
const (
	DecisionApprove = "approve"
	DecisionDeny    = "deny"
)

// StreamRequest is the body of a chat request.
type StreamRequest struct {
	Message      string `json:"message"`
	ThreadID     string `json:"thread_id,omitempty"`
	StreamTokens bool   `json:"stream_tokens"`
}

// ApprovalRequest is the body of a tool call decision.
type ApprovalRequest struct {
	ToolCallID string `json:"tool_call_id"`
	Approval   string `json:"approval"`
}

// StreamResponse is an open event stream.
type StreamResponse struct {
	// ThreadID is the thread id announced in the response header, if any.
	ThreadID string
	Events   *stream.EventStream
}

// Client is the transport used by the conversation controller.
type Client interface {
	Stream(ctx context.Context, bearer string, req StreamRequest) (*StreamResponse, error)
	SubmitApproval(ctx context.Context, bearer, threadID string, req ApprovalRequest, consentJWT string) (*StreamResponse, error)
}

// TransportError reports a failed or rejected backend call.
type TransportError struct {
	Op         string
	StatusCode int
	Message    string
	Err        error
}

func (e *TransportError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("backend %s failed (HTTP %d): %s", e.Op, e.StatusCode, msg)
	}
	return fmt.Sprintf("backend %s failed: %s", e.Op, msg)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Config configures an HTTPClient.
type Config struct {
	BaseURL string
	// Timeout bounds approval submissions and the wait for stream headers.
	// Streams themselves live until the backend ends them or ctx is done.
	Timeout time.Duration
}

// HTTPClient is the HTTP implementation of Client.
type HTTPClient struct {
	baseURL    string
	timeout    time.Duration
	httpClient *http.Client
	logger     *logger.Logger
}

// NewHTTPClient creates a backend client.
func NewHTTPClient(cfg Config, log *logger.Logger) (*HTTPClient, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("backend URL is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		timeout: timeout,
		httpClient: &http.Client{
			Transport: &http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				ResponseHeaderTimeout: timeout,
				IdleConnTimeout:       90 * time.Second,
			},
		},
		logger: log,
	}, nil
}

// Stream posts a chat message and returns the response as an event stream.
// The caller owns the returned stream and must close it.
func (c *HTTPClient) Stream(ctx context.Context, bearer string, req StreamRequest) (*StreamResponse, error) {
	ctx, span := tracer.Start(ctx, "backend.stream")
	defer span.End()
	span.SetAttributes(attribute.String("thread.id", req.ThreadID))

	resp, err := c.post(ctx, "stream", c.baseURL+"/stream", bearer, req, nil)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	c.logger.Debug("backend stream opened",
		zap.String("thread_id", resp.Header.Get(ThreadHeader)),
		zap.String("headers", logger.SafeHeaders(resp.Header)),
	)
	return &StreamResponse{
		ThreadID: resp.Header.Get(ThreadHeader),
		Events:   stream.NewEventStream(resp.Body),
	}, nil
}

// SubmitApproval sends a tool call decision. consentJWT is attached only to
// approvals. When the backend answers with an event stream the stream is
// returned; otherwise the result is nil.
func (c *HTTPClient) SubmitApproval(ctx context.Context, bearer, threadID string, req ApprovalRequest, consentJWT string) (*StreamResponse, error) {
	ctx, span := tracer.Start(ctx, "backend.approval")
	defer span.End()
	span.SetAttributes(
		attribute.String("thread.id", threadID),
		attribute.String("tool_call.id", req.ToolCallID),
		attribute.String("approval", req.Approval),
	)

	if threadID == "" {
		return nil, &TransportError{Op: "approval", Message: "thread id is required"}
	}

	header := http.Header{}
	if consentJWT != "" && req.Approval == DecisionApprove {
		header.Set(consent.HeaderName, consentJWT)
	}

	resp, err := c.post(ctx, "approval", c.baseURL+"/approval/"+threadID, bearer, req, header)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	if isEventStream(resp.Header.Get("Content-Type")) {
		return &StreamResponse{
			ThreadID: resp.Header.Get(ThreadHeader),
			Events:   stream.NewEventStream(resp.Body),
		}, nil
	}
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))
	resp.Body.Close()
	return nil, nil
}

func (c *HTTPClient) post(ctx context.Context, op, url, bearer string, body interface{}, extra http.Header) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s request: %w", op, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create %s request: %w", op, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream, application/json")
	if bearer != "" {
		httpReq.Header.Set("Authorization", "Bearer "+bearer)
	}
	for k, v := range extra {
		httpReq.Header[k] = v
	}
	propagation.TraceContext{}.Inject(ctx, propagation.HeaderCarrier(httpReq.Header))

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, &TransportError{Op: op, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		c.logger.Warn("backend request rejected",
			zap.String("op", op),
			zap.Int("status", resp.StatusCode),
		)
		return nil, &TransportError{Op: op, StatusCode: resp.StatusCode, Message: errorMessage(raw)}
	}
	return resp, nil
}

func isEventStream(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	return err == nil && mediaType == "text/event-stream"
}

func errorMessage(raw []byte) string {
	var body struct {
		Error  string `json:"error"`
		Detail string `json:"detail"`
	}
	if err := json.Unmarshal(raw, &body); err == nil {
		if body.Error != "" {
			return body.Error
		}
		if body.Detail != "" {
			return body.Detail
		}
	}
	msg := strings.TrimSpace(string(raw))
	if msg == "" {
		return http.StatusText(http.StatusInternalServerError)
	}
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return msg
}
