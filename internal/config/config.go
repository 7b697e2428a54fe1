// Package config provides environment configuration for the portal.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const devJWTSecret = "development-secret-change-in-production"

// Config holds all configuration for the application.
type Config struct {
	// Server settings
	ServerPort         string
	ServerReadTimeout  time.Duration
	ServerWriteTimeout time.Duration
	CORSAllowedOrigins []string

	// JWT settings
	JWTSecret string

	// Assistant backend
	BackendURL     string
	BackendTimeout time.Duration

	// Consent issuer
	ConsentIssuerURL     string
	ConsentTimeout       time.Duration
	ConsentRateLimit     float64
	ConsentSigningSecret string
	ConsentTTL           time.Duration
	LocalIssuerEnabled   bool

	// Approvals
	RoleTableFile          string
	ApprovalZeroRolePolicy string
	AuditDBPath            string

	// NATS settings
	NATSURL          string
	NATSCAFile       string
	NATSCertFile     string
	NATSKeyFile      string
	NATSToken        string
	NATSAuditEnabled bool

	// Rate limiting
	RateLimitRequests int
	RateLimitWindow   time.Duration

	// Logging
	LogLevel string

	// Tracing
	TracingEndpoint string
	TracingEnabled  bool
}

// Load reads configuration from environment variables. A .env file in the
// working directory is loaded first when present; real environment
// variables take precedence over it.
func Load() *Config {
	_ = godotenv.Load(".env")

	port := getEnv("PORT", "8080")
	return &Config{
		// Server
		ServerPort:         port,
		ServerReadTimeout:  getDurationEnv("SERVER_READ_TIMEOUT", 30*time.Second),
		ServerWriteTimeout: getDurationEnv("SERVER_WRITE_TIMEOUT", 0),
		CORSAllowedOrigins: getListEnv("CORS_ALLOWED_ORIGINS"),

		// JWT
		JWTSecret: getEnv("JWT_SECRET", devJWTSecret),

		// Backend
		BackendURL:     getEnv("BACKEND_URL", "http://localhost:8000"),
		BackendTimeout: getDurationEnv("BACKEND_TIMEOUT", 30*time.Second),

		// Consent
		ConsentIssuerURL:     getEnv("CONSENT_ISSUER_URL", "http://localhost:"+port+"/consent/issue"),
		ConsentTimeout:       getDurationEnv("CONSENT_TIMEOUT", 10*time.Second),
		ConsentRateLimit:     getFloatEnv("CONSENT_RATE_LIMIT", 5),
		ConsentSigningSecret: getEnv("CONSENT_SIGNING_SECRET", ""),
		ConsentTTL:           getDurationEnv("CONSENT_TTL", 5*time.Minute),
		LocalIssuerEnabled:   getBoolEnv("LOCAL_ISSUER_ENABLED", false),

		// Approvals
		RoleTableFile:          getEnv("ROLE_TABLE_FILE", ""),
		ApprovalZeroRolePolicy: getEnv("APPROVAL_ZERO_ROLE_POLICY", "prompt"),
		AuditDBPath:            getEnv("AUDIT_DB_PATH", "audit.db"),

		// NATS
		NATSURL:          getEnv("NATS_URL", "nats://localhost:4222"),
		NATSCAFile:       getEnv("NATS_CA_FILE", ""),
		NATSCertFile:     getEnv("NATS_CERT_FILE", ""),
		NATSKeyFile:      getEnv("NATS_KEY_FILE", ""),
		NATSToken:        getEnv("NATS_TOKEN", ""),
		NATSAuditEnabled: getBoolEnv("NATS_AUDIT_ENABLED", false),

		// Rate limiting
		RateLimitRequests: getIntEnv("RATE_LIMIT_REQUESTS", 60),
		RateLimitWindow:   getDurationEnv("RATE_LIMIT_WINDOW", time.Minute),

		// Logging
		LogLevel: getEnv("LOG_LEVEL", "info"),

		// Tracing
		TracingEndpoint: getEnv("TRACING_ENDPOINT", "localhost:4318"),
		TracingEnabled:  getBoolEnv("TRACING_ENABLED", false),
	}
}

// Validate reports settings that cannot work together.
func (c *Config) Validate() error {
	var errs []error
	if c.BackendURL == "" {
		errs = append(errs, errors.New("BACKEND_URL is required"))
	}
	if c.ConsentIssuerURL == "" {
		errs = append(errs, errors.New("CONSENT_ISSUER_URL is required"))
	}
	if c.LocalIssuerEnabled && c.ConsentSigningSecret == "" {
		errs = append(errs, errors.New("CONSENT_SIGNING_SECRET is required when LOCAL_ISSUER_ENABLED is set"))
	}
	if c.LocalIssuerEnabled && c.ConsentSigningSecret == c.JWTSecret {
		errs = append(errs, errors.New("CONSENT_SIGNING_SECRET must differ from JWT_SECRET"))
	}
	if c.ConsentRateLimit < 0 {
		errs = append(errs, fmt.Errorf("CONSENT_RATE_LIMIT must not be negative, got %v", c.ConsentRateLimit))
	}
	if c.RateLimitRequests <= 0 {
		errs = append(errs, fmt.Errorf("RATE_LIMIT_REQUESTS must be positive, got %d", c.RateLimitRequests))
	}
	return errors.Join(errs...)
}

// UsesDevSecret reports whether the built-in development JWT secret is in
// use.
func (c *Config) UsesDevSecret() bool {
	return c.JWTSecret == devJWTSecret
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getListEnv(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
