package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/joho/godotenv"

	"github.com/tjfontaine/polyglot-token-pool/internal/auth"
	"github.com/tjfontaine/polyglot-token-pool/internal/backend/openai"
	"github.com/tjfontaine/polyglot-token-pool/internal/config"
	"github.com/tjfontaine/polyglot-token-pool/internal/controlplane"
	openai_frontdoor "github.com/tjfontaine/polyglot-token-pool/internal/frontdoor/openai"
	"github.com/tjfontaine/polyglot-token-pool/internal/pipeline"
	"github.com/tjfontaine/polyglot-token-pool/internal/server"
	"github.com/tjfontaine/polyglot-token-pool/internal/telemetry"
	"github.com/tjfontaine/polyglot-token-pool/internal/tokens"
)

func main() {
	configPath := flag.String("config", config.DefaultPath, "path to config.yaml")
	flag.Parse()

	// Load .env file if it exists
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	shutdownTracer, err := telemetry.InitTracer(cfg.Telemetry, logger)
	if err != nil {
		log.Fatalf("Failed to initialize tracer: %v", err)
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			logger.Error("failed to shutdown tracer", slog.String("error", err.Error()))
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := openStore(cfg.Storage)
	if err != nil {
		log.Fatalf("Failed to open storage: %v", err)
	}

	p, err := buildPool(ctx, cfg, store, logger)
	if err != nil {
		log.Fatalf("Failed to build token pool: %v", err)
	}

	persistDone := make(chan struct{})
	if store != nil {
		go func() {
			defer close(persistDone)
			p.RunPersistence(ctx, store, cfg.Storage.FlushInterval)
		}()
	} else {
		close(persistDone)
	}

	client := openai.NewClient(
		openai.WithBaseURL(cfg.Upstream.BaseURL),
		openai.WithUserAgent(cfg.Upstream.UserAgent),
	)
	costs := tokens.NewRegistry(tokens.WithLogger(logger))
	costs.Register(tokens.NewTiktokenCounter())
	completer := pipeline.NewCompleter(p, client, costs, pipeline.WithLogger(logger))

	var authenticator *auth.Authenticator
	if cfg.Admin.JWTSecret != "" {
		authenticator, err = auth.NewAuthenticator(cfg.Admin.JWTSecret)
		if err != nil {
			log.Fatalf("Failed to initialize admin auth: %v", err)
		}
	} else {
		logger.Warn("admin.jwt_secret is not set, the admin API is unauthenticated")
	}

	srv := server.New(cfg.Server.Port, logger, server.Options{RequestTimeout: cfg.Server.RequestTimeout})
	srv.Router.Group(openai_frontdoor.NewHandler(completer, logger).Routes)
	srv.Router.Mount("/admin", controlplane.NewServer(p, controlplane.Options{
		Authenticator:     authenticator,
		RequestsPerMinute: cfg.Admin.RequestsPerMinute,
		Logger:            logger,
	}))
	logRoutes(srv.Router, logger)

	go func() {
		if err := srv.Start(); err != nil {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutdown signal received, stopping gateway...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", slog.String("error", err.Error()))
	}

	// Stop the write-behind loop; it flushes once more before returning.
	cancel()
	<-persistDone
	if store != nil {
		if err := store.Close(); err != nil {
			logger.Error("failed to close storage", slog.String("error", err.Error()))
		}
	}

	logger.Info("Gateway shutdown complete")
}

func logRoutes(r chi.Routes, logger *slog.Logger) {
	chi.Walk(r, func(method, route string, _ http.Handler, _ ...func(http.Handler) http.Handler) error {
		logger.Debug("route registered", slog.String("method", method), slog.String("route", route))
		return nil
	})
}
