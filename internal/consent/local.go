package consent

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/capitalize-ai/banking-assistant/pkg/logger"
)

// Claims are the claims of a consent JWT.
type Claims struct {
	jwt.RegisteredClaims
	Roles  []string `json:"roles"`
	BankID string   `json:"bank_id,omitempty"`
}

// Principal is the identity behind a bearer credential.
type Principal struct {
	Subject string
	Roles   []string
}

// Verifier authenticates a bearer credential.
type Verifier func(token string) (Principal, error)

// LocalIssuer signs consents in process. It stands in for the bank's consent
// endpoint in development and tests, and enforces that every requested role
// is actually held by the caller.
type LocalIssuer struct {
	secret []byte
	ttl    time.Duration
	verify Verifier
	now    func() time.Time
}

// NewLocalIssuer creates an HS256 signing issuer.
func NewLocalIssuer(secret string, ttl time.Duration, verify Verifier) *LocalIssuer {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &LocalIssuer{
		secret: []byte(secret),
		ttl:    ttl,
		verify: verify,
		now:    time.Now,
	}
}

// Issue implements Issuer.
func (l *LocalIssuer) Issue(_ context.Context, bearer string, req Request) (*Grant, error) {
	if strings.TrimSpace(bearer) == "" {
		return nil, &IssuerError{Kind: KindUnauthorized, Message: "no base credential"}
	}
	principal, err := l.verify(bearer)
	if err != nil {
		return nil, &IssuerError{Kind: KindUnauthorized, Message: "invalid base credential", Err: err}
	}
	if len(req.RequiredRoles) == 0 {
		return nil, &IssuerError{Kind: KindInvalid, Message: "no roles requested"}
	}

	held := make(map[string]bool, len(principal.Roles))
	for _, r := range principal.Roles {
		held[r] = true
	}
	var missing []string
	for _, r := range req.RequiredRoles {
		if !held[r] {
			missing = append(missing, r)
		}
	}
	if len(missing) > 0 {
		return nil, &IssuerError{Kind: KindForbidden, Message: "roles not held: " + strings.Join(missing, ", ")}
	}

	now := l.now().UTC().Truncate(time.Second)
	id := uuid.New().String()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        id,
			Subject:   principal.Subject,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(l.ttl)),
		},
		Roles:  append([]string(nil), req.RequiredRoles...),
		BankID: req.BankID,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(l.secret)
	if err != nil {
		return nil, &IssuerError{Kind: KindUnavailable, Message: "failed to sign consent", Err: err}
	}

	return &Grant{
		ConsentID: id,
		JWT:       signed,
		Status:    "ACCEPTED",
		Roles:     claims.Roles,
		BankID:    req.BankID,
		ValidFrom: now,
		TTL:       l.ttl,
	}, nil
}

// Parse verifies a consent JWT signed by this issuer.
func (l *LocalIssuer) Parse(token string) (*Claims, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return l.secret, nil
	}, jwt.WithTimeFunc(l.now))
	if err != nil {
		return nil, err
	}
	if !parsed.Valid {
		return nil, errors.New("invalid consent token")
	}
	return claims, nil
}

// Handler serves the issuance contract over HTTP for any Issuer.
type Handler struct {
	issuer Issuer
	logger *logger.Logger
}

// NewHandler creates an HTTP handler for issuer.
func NewHandler(issuer Issuer, log *logger.Logger) *Handler {
	return &Handler{issuer: issuer, logger: log}
}

// ServeHTTP handles POST issuance requests.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	bearer := ""
	if parts := strings.SplitN(r.Header.Get("Authorization"), " ", 2); len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
		bearer = parts[1]
	}
	if bearer == "" {
		writeError(w, http.StatusUnauthorized, "missing bearer credential")
		return
	}

	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	grant, err := h.issuer.Issue(r.Context(), bearer, req)
	if err != nil {
		status := http.StatusInternalServerError
		var ie *IssuerError
		if errors.As(err, &ie) {
			switch ie.Kind {
			case KindUnauthorized:
				status = http.StatusUnauthorized
			case KindForbidden:
				status = http.StatusForbidden
			case KindInvalid:
				status = http.StatusBadRequest
			}
		}
		h.logger.Info("consent request refused", zap.Int("status", status), zap.Strings("roles", req.RequiredRoles))
		writeError(w, status, err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, Response{
		ConsentJWT: grant.JWT,
		ConsentID:  grant.ConsentID,
		Status:     grant.Status,
		Roles:      grant.Roles,
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
