package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/banking-assistant/internal/backend"
	"github.com/capitalize-ai/banking-assistant/internal/config"
	"github.com/capitalize-ai/banking-assistant/internal/consent"
	"github.com/capitalize-ai/banking-assistant/internal/middleware"
	"github.com/capitalize-ai/banking-assistant/internal/model"
	"github.com/capitalize-ai/banking-assistant/pkg/logger"
)

func init() {
	color.NoColor = true
}

// syncBuffer is written by the session and by stream goroutines.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

const userSecret = "user-secret"

func userToken(t *testing.T, subject string, held ...string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, middleware.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Roles: held,
	})
	signed, err := token.SignedString([]byte(userSecret))
	require.NoError(t, err)
	return signed
}

func TestChatSessionApprovesWithScopedConsent(t *testing.T) {
	var (
		mu        sync.Mutex
		decisions []backend.ApprovalRequest
		consents  []string
	)
	backendSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/stream":
			w.Header().Set("Content-Type", "text/event-stream")
			fmt.Fprint(w, "data: {\"type\":\"assistant_start\",\"message_id\":\"m1\"}\n\n")
			fmt.Fprint(w, "data: {\"type\":\"assistant_token\",\"message_id\":\"m1\",\"content\":\"I can open it.\"}\n\n")
			fmt.Fprint(w, "data: {\"type\":\"assistant_complete\",\"message_id\":\"m1\"}\n\n")
			fmt.Fprint(w, `data: {"type":"approval_request","tool_call_id":"c1","tool_name":"create_branch","required_roles":["CanCreateBranch"]}`+"\n\n")
			fmt.Fprint(w, "data: [DONE]\n\n")
		case strings.HasPrefix(r.URL.Path, "/approval/"):
			var req backend.ApprovalRequest
			json.NewDecoder(r.Body).Decode(&req)
			mu.Lock()
			decisions = append(decisions, req)
			consents = append(consents, r.Header.Get(consent.HeaderName))
			mu.Unlock()
			w.WriteHeader(http.StatusNoContent)
		default:
			http.NotFound(w, r)
		}
	}))
	defer backendSrv.Close()

	issuer := consent.NewLocalIssuer("consent-secret", time.Minute, func(token string) (consent.Principal, error) {
		claims, err := middleware.ParseToken(userSecret, token)
		if err != nil {
			return consent.Principal{}, err
		}
		return consent.Principal{Subject: claims.Subject, Roles: claims.Roles}, nil
	})
	issuerSrv := httptest.NewServer(consent.NewHandler(issuer, logger.NewNop()))
	defer issuerSrv.Close()

	opts := &globalOptions{
		cfg:      &config.Config{BackendTimeout: 5 * time.Second, ConsentTimeout: 5 * time.Second},
		token:    userToken(t, "alice", "CanCreateBranch", "CanReadMetrics"),
		logLevel: "fatal",
	}
	co := &chatOptions{backendURL: backendSrv.URL, issuerURL: issuerSrv.URL, policy: "prompt"}

	out := &syncBuffer{}
	stdin := strings.NewReader("open a branch\ny\n/quit\n")
	require.NoError(t, runChat(context.Background(), opts, co, stdin, out))

	text := out.String()
	assert.Contains(t, text, "assistant> I can open it.")
	assert.Contains(t, text, "the assistant wants to run create_branch")
	assert.Contains(t, text, "create_branch approved")

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, decisions, 1)
	assert.Equal(t, backend.DecisionApprove, decisions[0].Approval)
	claims, err := issuer.Parse(consents[0])
	require.NoError(t, err)
	assert.Equal(t, []string{"CanCreateBranch"}, claims.Roles)
	assert.Equal(t, "alice", claims.Subject)
}

func TestChatRequiresToken(t *testing.T) {
	opts := &globalOptions{cfg: &config.Config{}}
	err := runChat(context.Background(), opts, &chatOptions{}, strings.NewReader(""), &syncBuffer{})
	assert.ErrorContains(t, err, "token is required")
}

func TestHeldRolesFallBackToTokenClaims(t *testing.T) {
	opts := &globalOptions{token: userToken(t, "bob", "CanReadMetrics")}
	assert.Equal(t, []string{"CanReadMetrics"}, opts.heldRoles())
	assert.Equal(t, "bob", opts.subject())

	opts.roles = []string{"CanCreateBranch"}
	assert.Equal(t, []string{"CanCreateBranch"}, opts.heldRoles())

	assert.Nil(t, (&globalOptions{token: "not-a-jwt"}).heldRoles())
}

func TestTranscriptPrintsOnlyNewContent(t *testing.T) {
	var buf bytes.Buffer
	tr := newTranscript(&buf)

	msg := model.Message{ID: "m1", Role: model.RoleAssistant, Content: "Hel", IsStreaming: true}
	tr.update(model.Snapshot{Messages: []model.Message{msg}})
	msg.Content = "Hello"
	tr.update(model.Snapshot{Messages: []model.Message{msg}})
	msg.IsStreaming = false
	tr.update(model.Snapshot{Messages: []model.Message{msg}})
	tr.update(model.Snapshot{Messages: []model.Message{msg}})

	assert.Equal(t, "assistant> Hello\n", buf.String())
}

func TestTranscriptToolStatusAndErrors(t *testing.T) {
	var buf bytes.Buffer
	tr := newTranscript(&buf)

	snap := model.Snapshot{
		Messages: []model.Message{{ID: "e1", Role: model.RoleError, Content: "backend unavailable"}},
		ToolCalls: []model.ToolCall{
			{ID: "c1", Name: "get_banks", Status: model.ToolCallPending},
		},
	}
	tr.update(snap)
	tr.update(snap)
	snap.ToolCalls[0].Status = model.ToolCallError
	snap.ToolCalls[0].Error = "OBP-30001"
	tr.update(snap)

	assert.Equal(t, "error: backend unavailable\n⚙ get_banks pending\n⚙ get_banks error OBP-30001\n", buf.String())
}

func TestRolesResolveCommand(t *testing.T) {
	cmd := rootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs([]string{"roles", "resolve", "--roles", "CanCreateEntitlementAtAnyBank",
		"CanCreateEntitlementAtOneBank", "CanCreateEntitlementAtAnyBank"})

	require.NoError(t, cmd.Execute())
	assert.Equal(t, "✓ CanCreateEntitlementAtAnyBank\n", out.String())
}

func TestRolesResolveUnsatisfiable(t *testing.T) {
	cmd := rootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs([]string{"roles", "resolve", "--roles", "CanReadMetrics", "--json", "CanCreateBranch"})

	require.Error(t, cmd.Execute())
	assert.Contains(t, out.String(), `"missing_roles"`)
	assert.Contains(t, out.String(), "CanCreateBranch")
}
