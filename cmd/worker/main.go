package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"mint-pipeline/internal/app"
	"mint-pipeline/internal/config"
	"mint-pipeline/internal/logging"
	"mint-pipeline/internal/telemetry"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	workerID := os.Getenv("WORKER_ID")
	if workerID == "" {
		workerID, _ = os.Hostname()
	}
	logger := logging.New(os.Stdout, cfg.LogLevel, cfg.LogFormat).
		With(slog.String("service", "worker"), slog.String("worker_id", workerID))
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if cfg.StoreBackend == "memory" {
		logger.Error("the worker needs a shared store; the memory backend only works inside the api process")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer a.Close()

	metrics := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           telemetry.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server stopped", slog.String("error", err.Error()))
		}
	}()

	logger.Info("worker started",
		slog.Int("concurrency", cfg.WorkerConcurrency),
		slog.Duration("visibility", cfg.VisibilityTimeout),
		slog.Duration("job_timeout", cfg.JobTimeout))
	if err := a.Processor().Run(ctx); err != nil {
		logger.Error("worker stopped", slog.String("error", err.Error()))
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = metrics.Shutdown(shutdownCtx)
	logger.Info("worker stopped")
}
