package consent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/capitalize-ai/banking-assistant/pkg/logger"
	"github.com/capitalize-ai/banking-assistant/pkg/metrics"
	"github.com/capitalize-ai/banking-assistant/pkg/tracing"
)

var tracer = tracing.Tracer("consent")

// ClientConfig configures an HTTPIssuer.
type ClientConfig struct {
	URL     string
	Timeout time.Duration
	// RatePerSecond caps outgoing issuance calls. Zero disables the limit.
	RatePerSecond float64
	Burst         int
}

// HTTPIssuer calls a remote consent issuing endpoint.
type HTTPIssuer struct {
	url        string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *logger.Logger
}

// NewHTTPIssuer creates a client for the issuer at cfg.URL.
func NewHTTPIssuer(cfg ClientConfig, log *logger.Logger) (*HTTPIssuer, error) {
	if cfg.URL == "" {
		return nil, errors.New("consent issuer URL is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RatePerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}
	return &HTTPIssuer{
		url:        cfg.URL,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    limiter,
		logger:     log,
	}, nil
}

// Issue requests a consent for req. No retry is attempted on failure.
func (c *HTTPIssuer) Issue(ctx context.Context, bearer string, req Request) (*Grant, error) {
	ctx, span := tracer.Start(ctx, "consent.issue")
	defer span.End()
	span.SetAttributes(attribute.StringSlice("consent.roles", req.RequiredRoles))

	start := time.Now()
	grant, err := c.issue(ctx, bearer, req)

	status := "success"
	if err != nil {
		status = "error"
		var ie *IssuerError
		if errors.As(err, &ie) {
			status = string(ie.Kind)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, status)
	}
	metrics.ConsentIssueDuration.WithLabelValues(status).Observe(time.Since(start).Seconds())
	return grant, err
}

func (c *HTTPIssuer) issue(ctx context.Context, bearer string, req Request) (*Grant, error) {
	if strings.TrimSpace(bearer) == "" {
		return nil, &IssuerError{Kind: KindUnauthorized, Message: "no base credential"}
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, &IssuerError{Kind: KindUnavailable, Message: "issuer rate limit", Err: err}
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal consent request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create consent request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+bearer)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, &IssuerError{Kind: KindUnavailable, Message: "issuer request failed", Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &IssuerError{Kind: KindUnavailable, StatusCode: resp.StatusCode, Message: "failed to read issuer response", Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		ie := &IssuerError{StatusCode: resp.StatusCode, Message: errorMessage(raw)}
		switch {
		case resp.StatusCode == http.StatusUnauthorized:
			ie.Kind = KindUnauthorized
		case resp.StatusCode == http.StatusForbidden:
			ie.Kind = KindForbidden
		case resp.StatusCode >= 500:
			ie.Kind = KindUnavailable
		default:
			ie.Kind = KindInvalid
		}
		c.logger.Warn("consent issuance rejected",
			zap.Int("status", resp.StatusCode),
			zap.String("kind", string(ie.Kind)),
			zap.Strings("roles", req.RequiredRoles),
		)
		return nil, ie
	}

	var out Response
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, &IssuerError{Kind: KindInvalid, StatusCode: resp.StatusCode, Message: "malformed issuer response", Err: err}
	}
	grant, err := grantFromResponse(out, req.BankID, time.Now())
	if err != nil {
		return nil, err
	}

	c.logger.Info("consent issued",
		zap.String("consent_id", grant.ConsentID),
		zap.Strings("roles", grant.Roles),
		zap.Duration("ttl", grant.TTL),
	)
	return grant, nil
}

func grantFromResponse(out Response, bankID string, now time.Time) (*Grant, error) {
	if out.ConsentJWT == "" {
		return nil, &IssuerError{Kind: KindInvalid, Message: "issuer returned no consent"}
	}
	switch strings.ToUpper(out.Status) {
	case "REJECTED", "REVOKED", "EXPIRED":
		return nil, &IssuerError{Kind: KindInvalid, Message: "consent status " + out.Status}
	}

	grant := &Grant{
		ConsentID: out.ConsentID,
		JWT:       out.ConsentJWT,
		Status:    out.Status,
		Roles:     out.Roles,
		BankID:    bankID,
		ValidFrom: now,
	}

	// The issuer signs the token; only its timing claims are read here.
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(out.ConsentJWT, claims); err == nil {
		if claims.NotBefore != nil {
			grant.ValidFrom = claims.NotBefore.Time
		} else if claims.IssuedAt != nil {
			grant.ValidFrom = claims.IssuedAt.Time
		}
		if claims.ExpiresAt != nil {
			grant.TTL = claims.ExpiresAt.Time.Sub(grant.ValidFrom)
		}
		if grant.ConsentID == "" {
			grant.ConsentID = claims.ID
		}
		if len(grant.Roles) == 0 {
			grant.Roles = claims.Roles
		}
	}
	return grant, nil
}

func errorMessage(raw []byte) string {
	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &body); err == nil {
		if body.Error != "" {
			return body.Error
		}
		if body.Message != "" {
			return body.Message
		}
	}
	msg := strings.TrimSpace(string(raw))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return msg
}
