package logger

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSafeHeadersRedactsCredentials(t *testing.T) {
	h := http.Header{}
	h.Set("Authorization", "Bearer secret-token")
	h.Set("Consent-JWT", "eyJhbGciOi.payload.sig")
	h.Set("Content-Type", "application/json")

	out := SafeHeaders(h)

	assert.NotContains(t, out, "secret-token")
	assert.NotContains(t, out, "eyJhbGciOi")
	assert.Contains(t, out, "Authorization=<redacted>")
	assert.Contains(t, out, "Consent-Jwt=<redacted>")
	assert.Contains(t, out, "Content-Type=application/json")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, "debug", parseLevel("DEBUG").String())
	assert.Equal(t, "warn", parseLevel("warning").String())
	assert.Equal(t, "info", parseLevel("nonsense").String())
}
