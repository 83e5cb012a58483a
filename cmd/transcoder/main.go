package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/tjfontaine/polyglot-llm-transcoder/internal/config"
	"github.com/tjfontaine/polyglot-llm-transcoder/internal/registration"
	"github.com/tjfontaine/polyglot-llm-transcoder/internal/server"
	"github.com/tjfontaine/polyglot-llm-transcoder/internal/storage"
	"github.com/tjfontaine/polyglot-llm-transcoder/internal/telemetry"
	"github.com/tjfontaine/polyglot-llm-transcoder/internal/tokens"
)

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	shutdownTracer, err := telemetry.Init(cfg.Telemetry, logger)
	if err != nil {
		log.Fatalf("Failed to initialize tracer: %v", err)
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			logger.Error("failed to shutdown tracer", slog.String("error", err.Error()))
		}
	}()

	registration.RegisterBuiltins()

	store, err := storage.Open(cfg.Storage)
	if err != nil {
		log.Fatalf("Failed to open storage: %v", err)
	}
	if store != nil {
		defer store.Close()
	}

	srv := server.New(cfg, logger, store, server.WithTextCounter(tokens.NewDefaultRegistry()))

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	logger.Info("transcoder started",
		slog.Int("port", cfg.Server.Port),
		slog.String("storage", cfg.Storage.Type),
		slog.Bool("json_repair", cfg.Transcoder.JSONRepair),
		slog.Bool("estimate_usage", cfg.Transcoder.EstimateUsage),
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			logger.Error("server failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
		return
	case <-sigChan:
	}

	logger.Info("Shutdown signal received, draining streams...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", slog.String("error", err.Error()))
	}
	logger.Info("Transcoder shutdown complete")
}
