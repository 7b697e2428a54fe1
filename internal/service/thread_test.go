package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/banking-assistant/internal/backend"
	"github.com/capitalize-ai/banking-assistant/internal/consent"
	"github.com/capitalize-ai/banking-assistant/internal/conversation"
	"github.com/capitalize-ai/banking-assistant/pkg/logger"
)

type idleBackend struct{}

func (idleBackend) Stream(context.Context, string, backend.StreamRequest) (*backend.StreamResponse, error) {
	return nil, &backend.TransportError{Op: "stream", Message: "offline"}
}

func (idleBackend) SubmitApproval(context.Context, string, string, backend.ApprovalRequest, string) (*backend.StreamResponse, error) {
	return nil, nil
}

type idleIssuer struct{}

func (idleIssuer) Issue(context.Context, string, consent.Request) (*consent.Grant, error) {
	return nil, &consent.IssuerError{Kind: consent.KindUnavailable}
}

func newTestService() *ThreadService {
	return NewThreadService(func(threadID string) (*conversation.Controller, error) {
		return conversation.NewController(conversation.Options{
			Backend:  idleBackend{},
			Issuer:   idleIssuer{},
			ThreadID: threadID,
		})
	}, logger.NewNop())
}

func TestThreadsAreScopedToTheirOwner(t *testing.T) {
	svc := newTestService()
	defer svc.Shutdown()
	ctx := context.Background()

	id, ctrl, err := svc.Create(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, id, ctrl.ThreadID())

	got, err := svc.Get(ctx, "alice", id)
	require.NoError(t, err)
	assert.Same(t, ctrl, got)

	_, err = svc.Get(ctx, "bob", id)
	assert.ErrorIs(t, err, ErrThreadNotFound)
	assert.ErrorIs(t, svc.Delete(ctx, "bob", id), ErrThreadNotFound)

	assert.Equal(t, 0, svc.List(ctx, "bob").Total)
}

func TestListNewestFirstAndDelete(t *testing.T) {
	svc := newTestService()
	defer svc.Shutdown()
	ctx := context.Background()

	first, _, err := svc.Create(ctx, "alice")
	require.NoError(t, err)
	second, _, err := svc.Create(ctx, "alice")
	require.NoError(t, err)

	list := svc.List(ctx, "alice")
	require.Equal(t, 2, list.Total)
	assert.Equal(t, second, list.Threads[0].ID)
	assert.Equal(t, first, list.Threads[1].ID)

	require.NoError(t, svc.Delete(ctx, "alice", first))
	_, err = svc.Get(ctx, "alice", first)
	assert.ErrorIs(t, err, ErrThreadNotFound)
	assert.Equal(t, 1, svc.List(ctx, "alice").Total)
}
