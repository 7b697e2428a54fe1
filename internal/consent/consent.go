// Package consent obtains scoped, time-boxed grants for a single approved
// tool call. Grants travel only as the Consent-JWT request header and are
// never logged or stored.
package consent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/capitalize-ai/banking-assistant/internal/roles"
)

// HeaderName is the request header that carries a consent JWT.
const HeaderName = "Consent-JWT"

// Request is the body sent to a consent issuer.
type Request struct {
	RequiredRoles []string `json:"required_roles"`
	BankID        string   `json:"bank_id,omitempty"`
}

// NewRequest builds an issuance request from resolved roles.
func NewRequest(scoped []roles.ScopedRole) Request {
	req := Request{RequiredRoles: make([]string, 0, len(scoped))}
	for _, r := range scoped {
		req.RequiredRoles = append(req.RequiredRoles, r.Role)
		if req.BankID == "" && r.BankID != "" {
			req.BankID = r.BankID
		}
	}
	return req
}

// Response is the issuer's answer on success.
type Response struct {
	ConsentJWT string   `json:"consent_jwt"`
	ConsentID  string   `json:"consent_id"`
	Status     string   `json:"status"`
	Roles      []string `json:"roles"`
}

// Grant is an issued consent.
type Grant struct {
	ConsentID string
	JWT       string
	Status    string
	Roles     []string
	BankID    string
	ValidFrom time.Time
	TTL       time.Duration
}

// String never prints the token.
func (g *Grant) String() string {
	return fmt.Sprintf("consent %s roles=%v ttl=%s", g.ConsentID, g.Roles, g.TTL)
}

// Issuer mints consents on behalf of the holder of bearer.
type Issuer interface {
	Issue(ctx context.Context, bearer string, req Request) (*Grant, error)
}

// ErrorKind classifies issuer failures.
type ErrorKind string

const (
	KindUnauthorized ErrorKind = "unauthorized"
	KindForbidden    ErrorKind = "forbidden"
	KindUnavailable  ErrorKind = "unavailable"
	KindInvalid      ErrorKind = "invalid"
)

// IssuerError reports a failed issuance. It is terminal for one approval.
type IssuerError struct {
	Kind       ErrorKind
	StatusCode int
	Message    string
	Err        error
}

func (e *IssuerError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("consent issuer %s (HTTP %d): %s", e.Kind, e.StatusCode, msg)
	}
	return fmt.Sprintf("consent issuer %s: %s", e.Kind, msg)
}

func (e *IssuerError) Unwrap() error { return e.Err }

// IsKind reports whether err is an IssuerError of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var ie *IssuerError
	return errors.As(err, &ie) && ie.Kind == kind
}
