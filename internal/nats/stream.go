package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/capitalize-ai/banking-assistant/internal/audit"
	"github.com/capitalize-ai/banking-assistant/pkg/logger"
)

const (
	// StreamName is the name of the approval audit stream.
	StreamName = "AUDIT"

	// SubjectPrefix is the prefix for all audit subjects.
	SubjectPrefix = "audit"
)

// AuditPublisher publishes approval decisions to JetStream. It implements
// audit.Recorder.
type AuditPublisher struct {
	client *Client
	logger *logger.Logger
}

// NewAuditPublisher creates a new audit publisher.
func NewAuditPublisher(client *Client, log *logger.Logger) *AuditPublisher {
	return &AuditPublisher{client: client, logger: log}
}

// EnsureStream ensures the audit stream exists with proper configuration.
func (p *AuditPublisher) EnsureStream(ctx context.Context) error {
	js := p.client.JetStream()

	if _, err := js.Stream(ctx, StreamName); err == nil {
		return nil
	}

	_, err := js.CreateStream(ctx, jetstream.StreamConfig{
		Name:        StreamName,
		Subjects:    []string{SubjectPrefix + ".>"},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      400 * 24 * time.Hour,
		Storage:     jetstream.FileStorage,
		Replicas:    1,
		Compression: jetstream.S2Compression,
		DenyDelete:  true,
		DenyPurge:   true,
		Description: "Tool call approval decisions",
	})
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}

	p.logger.Info("audit stream created", zap.String("stream", StreamName))
	return nil
}

// Subject returns the subject for a decision on a thread.
func Subject(threadID string, decision audit.Decision) string {
	return fmt.Sprintf("%s.%s.approval.%s", SubjectPrefix, subjectToken(threadID), decision)
}

// Record implements audit.Recorder. The entry id is used as the JetStream
// message id so a retried publish is deduplicated by the server.
func (p *AuditPublisher) Record(ctx context.Context, e audit.Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal audit entry: %w", err)
	}

	var opts []jetstream.PublishOpt
	if e.ID != "" {
		opts = append(opts, jetstream.WithMsgID(e.ID))
	}

	ack, err := p.client.JetStream().Publish(ctx, Subject(e.ThreadID, e.Decision), data, opts...)
	if err != nil {
		return fmt.Errorf("failed to publish audit entry: %w", err)
	}

	p.logger.Debug("audit entry published",
		zap.String("tool_call_id", e.ToolCallID),
		zap.Uint64("sequence", ack.Sequence),
	)
	return nil
}

// subjectToken makes an id safe to use as a single subject token.
func subjectToken(id string) string {
	if id == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n', '\r':
			return '_'
		}
		return r
	}, id)
}
