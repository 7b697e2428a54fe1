package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/capitalize-ai/banking-assistant/pkg/logger"
)

const testSecret = "test-secret"

func signToken(t *testing.T, subject string, roles ...string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Roles: roles,
	})
	s, err := token.SignedString([]byte(testSecret))
	require.NoError(t, err)
	return s
}

func TestAuthPopulatesContext(t *testing.T) {
	token := signToken(t, "alice", "CanCreateBranch")
	var gotUser, gotBearer string
	var gotRoles []string
	h := Auth(testSecret)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUser = GetUserID(r.Context())
		gotRoles = GetRoles(r.Context())
		gotBearer = GetBearer(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "alice", gotUser)
	assert.Equal(t, []string{"CanCreateBranch"}, gotRoles)
	assert.Equal(t, token, gotBearer)
}

func TestAuthRejects(t *testing.T) {
	h := Auth(testSecret)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler must not run")
	}))

	other := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "mallory"}})
	forged, err := other.SignedString([]byte("wrong-secret"))
	require.NoError(t, err)

	for name, header := range map[string]string{
		"missing":   "",
		"malformed": "Token abc",
		"forged":    "Bearer " + forged,
	} {
		req := httptest.NewRequest(http.MethodPost, "/", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, name)
	}
}

func TestAuthAcceptsQueryTokenOnGetOnly(t *testing.T) {
	token := signToken(t, "alice")
	h := Auth(testSecret)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/events?access_token="+token, nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/events?access_token="+token, nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRequireRole(t *testing.T) {
	token := signToken(t, "alice", "CanReadMetrics")
	h := Auth(testSecret)(RequireRole("CanReadAuditLog")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, "bob", "CanReadAuditLog"))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestLoggingRecordsUserAndNeverTheToken(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	log := &logger.Logger{Logger: zap.New(core)}
	token := signToken(t, "alice")

	h := Logging(log)(Auth(testSecret)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NotEmpty(t, GetCorrelationID(r.Context()))
		_, ok := w.(http.Flusher)
		assert.True(t, ok)
		w.WriteHeader(http.StatusAccepted)
	})))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/threads", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("X-Correlation-ID", "corr-1")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, "corr-1", rec.Header().Get("X-Correlation-ID"))
	entries := logs.FilterMessage("request completed").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "alice", fields["user_id"])
	assert.Equal(t, "corr-1", fields["correlation_id"])
	assert.Equal(t, int64(http.StatusAccepted), fields["status"])

	for _, e := range logs.All() {
		for _, v := range e.ContextMap() {
			if s, ok := v.(string); ok {
				assert.False(t, strings.Contains(s, token), "token leaked into %q", e.Message)
			}
		}
	}
}

func TestUserRateLimit(t *testing.T) {
	token := signToken(t, "alice")
	h := Auth(testSecret)(UserRateLimit(2, time.Minute)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})))

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}
	assert.Equal(t, []int{200, 200, http.StatusTooManyRequests}, codes)
}

func TestValidation(t *testing.T) {
	assert.NoError(t, ValidateMessageContent("show my accounts"))
	assert.Error(t, ValidateMessageContent("  "))
	assert.Error(t, ValidateMessageContent(strings.Repeat("a", MaxMessageLength+1)))
	assert.Error(t, ValidateMessageContent("\xff"))

	assert.NoError(t, ValidateThreadID("0190a1b2-7c3d-7e4f-8a9b-0c1d2e3f4a5b"))
	assert.Error(t, ValidateThreadID("../etc"))

	assert.NoError(t, ValidateToolCallID("call_abc123"))
	assert.Error(t, ValidateToolCallID(""))
	assert.Error(t, ValidateToolCallID("a/b"))
}

func TestSecurityHeaders(t *testing.T) {
	h := SecurityHeaders(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
}
