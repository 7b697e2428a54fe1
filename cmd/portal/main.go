// Package main is the entry point for the banking assistant portal server.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/capitalize-ai/banking-assistant/internal/audit"
	"github.com/capitalize-ai/banking-assistant/internal/backend"
	"github.com/capitalize-ai/banking-assistant/internal/config"
	"github.com/capitalize-ai/banking-assistant/internal/consent"
	"github.com/capitalize-ai/banking-assistant/internal/conversation"
	"github.com/capitalize-ai/banking-assistant/internal/handler"
	"github.com/capitalize-ai/banking-assistant/internal/middleware"
	natsclient "github.com/capitalize-ai/banking-assistant/internal/nats"
	"github.com/capitalize-ai/banking-assistant/internal/roles"
	"github.com/capitalize-ai/banking-assistant/internal/service"
	"github.com/capitalize-ai/banking-assistant/pkg/logger"
	"github.com/capitalize-ai/banking-assistant/pkg/tracing"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize logger
	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetGlobal(log)

	if err := cfg.Validate(); err != nil {
		log.Fatal("invalid configuration", zap.Error(err))
	}
	if cfg.UsesDevSecret() {
		log.Warn("using the development JWT secret")
	}

	log.Info("starting portal server")

	// Initialize tracing if enabled
	ctx := context.Background()
	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, "banking-assistant-portal", cfg.TracingEndpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			defer tracing.Shutdown(ctx, tp)
		}
	}

	policy, err := conversation.ParseZeroRolePolicy(cfg.ApprovalZeroRolePolicy)
	if err != nil {
		log.Fatal("invalid approval policy", zap.Error(err))
	}

	table := roles.DefaultTable()
	if cfg.RoleTableFile != "" {
		table, err = roles.LoadTable(cfg.RoleTableFile)
		if err != nil {
			log.Fatal("failed to load role table", zap.String("path", cfg.RoleTableFile), zap.Error(err))
		}
	}

	backendClient, err := backend.NewHTTPClient(backend.Config{
		BaseURL: cfg.BackendURL,
		Timeout: cfg.BackendTimeout,
	}, log)
	if err != nil {
		log.Fatal("failed to create backend client", zap.Error(err))
	}

	// Consent issuer: in process when this server signs consents itself,
	// otherwise the configured remote endpoint.
	var (
		issuer      consent.Issuer
		localIssuer *consent.LocalIssuer
	)
	if cfg.LocalIssuerEnabled {
		localIssuer = consent.NewLocalIssuer(cfg.ConsentSigningSecret, cfg.ConsentTTL, func(token string) (consent.Principal, error) {
			claims, err := middleware.ParseToken(cfg.JWTSecret, token)
			if err != nil {
				return consent.Principal{}, err
			}
			return consent.Principal{Subject: claims.Subject, Roles: claims.Roles}, nil
		})
		issuer = localIssuer
	} else {
		issuer, err = consent.NewHTTPIssuer(consent.ClientConfig{
			URL:           cfg.ConsentIssuerURL,
			Timeout:       cfg.ConsentTimeout,
			RatePerSecond: cfg.ConsentRateLimit,
		}, log)
		if err != nil {
			log.Fatal("failed to create consent issuer client", zap.Error(err))
		}
	}

	// Audit: local ledger, plus a JetStream copy when enabled
	ledger, err := audit.OpenBoltLedger(cfg.AuditDBPath)
	if err != nil {
		log.Fatal("failed to open audit ledger", zap.String("path", cfg.AuditDBPath), zap.Error(err))
	}
	defer ledger.Close()
	recorder := audit.Multi{ledger}

	var natsClient *natsclient.Client
	if cfg.NATSAuditEnabled {
		natsClient, err = natsclient.Connect(ctx, natsclient.Config{
			URL:      cfg.NATSURL,
			CAFile:   cfg.NATSCAFile,
			CertFile: cfg.NATSCertFile,
			KeyFile:  cfg.NATSKeyFile,
			Token:    cfg.NATSToken,
			Name:     "banking-assistant-portal",
		}, log)
		if err != nil {
			log.Fatal("failed to connect to NATS", zap.Error(err))
		}
		defer natsClient.Close()

		publisher := natsclient.NewAuditPublisher(natsClient, log)
		if err := publisher.EnsureStream(ctx); err != nil {
			log.Fatal("failed to ensure audit stream", zap.Error(err))
		}
		recorder = append(recorder, publisher)
	}

	// Initialize services
	threads := service.NewThreadService(func(threadID string) (*conversation.Controller, error) {
		return conversation.NewController(conversation.Options{
			Backend:        backendClient,
			Issuer:         issuer,
			Table:          table,
			ZeroRolePolicy: policy,
			Recorder:       recorder,
			Logger:         log.WithThread(threadID),
			ThreadID:       threadID,
		})
	}, log)
	defer threads.Shutdown()

	healthHandler := handler.NewHealthHandler(natsClient)

	// Create router
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(log))
	r.Use(middleware.SecurityHeaders)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS(cfg.CORSAllowedOrigins))

	// Health endpoints (no auth required)
	r.Get("/health", healthHandler.Health)
	r.Get("/ready", healthHandler.Ready)

	// Metrics endpoint
	r.Handle("/metrics", promhttp.Handler())

	// The issuer checks the bearer itself.
	if localIssuer != nil {
		r.With(middleware.UserRateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow)).
			Method(http.MethodPost, "/consent/issue", consent.NewHandler(localIssuer, log))
	}

	// API routes with authentication
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWTSecret))
		r.Use(middleware.UserRateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow))
		handler.APIRoutes(r, threads, ledger, log)
	})

	// Create HTTP server
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      r,
		ReadTimeout:  cfg.ServerReadTimeout,
		WriteTimeout: cfg.ServerWriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Info("server listening",
			zap.String("port", cfg.ServerPort),
			zap.String("backend_url", cfg.BackendURL),
			zap.Bool("local_issuer", localIssuer != nil),
			zap.String("zero_role_policy", string(policy)),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("server error", zap.Error(err))
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server")

	// Open SSE connections never finish on their own, so close threads
	// before draining.
	threads.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}

	log.Info("server stopped")
}
