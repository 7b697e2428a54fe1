package nats

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/banking-assistant/internal/audit"
	"github.com/capitalize-ai/banking-assistant/pkg/logger"
)

func TestSubjects(t *testing.T) {
	assert.Equal(t, "audit.0190a1b2-7c3d.approval.approve", Subject("0190a1b2-7c3d", audit.DecisionApprove))
	assert.Equal(t, "audit.a_b_c.approval.deny", Subject("a.b c", audit.DecisionDeny))
	assert.Equal(t, "audit._.approval.deny", Subject("", audit.DecisionDeny))
	assert.Equal(t, "audit.t_1.approval.approve", Subject("t>1", audit.DecisionApprove))
}

func TestOptionsTLSValidation(t *testing.T) {
	log := logger.NewNop()

	opts, err := options(Config{Name: "portal", Token: "secret"}, log)
	require.NoError(t, err)
	assert.NotEmpty(t, opts)

	_, err = options(Config{CertFile: "client.pem"}, log)
	assert.ErrorContains(t, err, "must be set together")

	_, err = options(Config{CAFile: filepath.Join(t.TempDir(), "missing.pem")}, log)
	assert.ErrorContains(t, err, "failed to read CA file")

	bad := filepath.Join(t.TempDir(), "ca.pem")
	require.NoError(t, os.WriteFile(bad, []byte("not a certificate"), 0o600))
	_, err = options(Config{CAFile: bad}, log)
	assert.ErrorContains(t, err, "failed to parse CA certificate")
}

func TestClosedClientStatus(t *testing.T) {
	c := &Client{}
	assert.False(t, c.IsConnected())
	assert.Equal(t, "closed", c.Status())
	c.Close()
}
