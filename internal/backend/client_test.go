package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/banking-assistant/internal/consent"
	"github.com/capitalize-ai/banking-assistant/internal/stream"
	"github.com/capitalize-ai/banking-assistant/pkg/logger"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *HTTPClient {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := NewHTTPClient(Config{BaseURL: srv.URL + "/"}, logger.NewNop())
	require.NoError(t, err)
	return c
}

func TestStreamSendsRequestAndDecodesEvents(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/stream", r.URL.Path)
		assert.Equal(t, "Bearer user-token", r.Header.Get("Authorization"))

		var req StreamRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, StreamRequest{Message: "hello", ThreadID: "t-1", StreamTokens: true}, req)

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set(ThreadHeader, "t-1")
		fmt.Fprint(w, "data: {\"type\":\"assistant_start\",\"message_id\":\"m1\"}\n\n")
		fmt.Fprint(w, "data: {\"type\":\"assistant_token\",\"message_id\":\"m1\",\"content\":\"Hi\"}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	})

	resp, err := c.Stream(context.Background(), "user-token", StreamRequest{Message: "hello", ThreadID: "t-1", StreamTokens: true})
	require.NoError(t, err)
	defer resp.Events.Close()
	assert.Equal(t, "t-1", resp.ThreadID)

	var types []stream.EventType
	for resp.Events.Next() {
		types = append(types, resp.Events.Current().Type)
	}
	require.NoError(t, resp.Events.Err())
	assert.Equal(t, []stream.EventType{stream.EventAssistantStart, stream.EventAssistantToken}, types)
}

func TestStreamRejectedStatus(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"detail":"token expired"}`)
	})

	_, err := c.Stream(context.Background(), "user-token", StreamRequest{Message: "hi"})
	var te *TransportError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, http.StatusUnauthorized, te.StatusCode)
	assert.Contains(t, te.Error(), "token expired")
}

func TestSubmitApprovalAttachesConsentOnlyToApprovals(t *testing.T) {
	var seen []string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/approval/t-9", r.URL.Path)
		var req ApprovalRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		seen = append(seen, req.Approval+":"+r.Header.Get(consent.HeaderName))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"status":"ok"}`)
	})

	resp, err := c.SubmitApproval(context.Background(), "user-token", "t-9", ApprovalRequest{ToolCallID: "c1", Approval: DecisionApprove}, "signed")
	require.NoError(t, err)
	assert.Nil(t, resp)

	_, err = c.SubmitApproval(context.Background(), "user-token", "t-9", ApprovalRequest{ToolCallID: "c1", Approval: DecisionDeny}, "signed")
	require.NoError(t, err)

	assert.Equal(t, []string{"approve:signed", "deny:"}, seen)
}

func TestSubmitApprovalReturnsContinuationStream(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
		fmt.Fprint(w, "data: {\"type\":\"tool_complete\",\"tool_call_id\":\"c1\",\"status\":\"success\",\"tool_output\":{\"ok\":true}}\n\ndata: [DONE]\n\n")
	})

	resp, err := c.SubmitApproval(context.Background(), "user-token", "t-1", ApprovalRequest{ToolCallID: "c1", Approval: DecisionApprove}, "signed")
	require.NoError(t, err)
	require.NotNil(t, resp)
	defer resp.Events.Close()

	require.True(t, resp.Events.Next())
	assert.Equal(t, stream.EventToolComplete, resp.Events.Current().Type)
	assert.False(t, resp.Events.Next())
}

func TestSubmitApprovalRequiresThread(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("backend must not be contacted")
	})
	_, err := c.SubmitApproval(context.Background(), "user-token", "", ApprovalRequest{ToolCallID: "c1", Approval: DecisionApprove}, "")
	assert.Error(t, err)
}
