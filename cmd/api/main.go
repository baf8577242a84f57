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

	"mint-pipeline/internal/api"
	"mint-pipeline/internal/app"
	"mint-pipeline/internal/config"
	"mint-pipeline/internal/logging"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	logger := logging.New(os.Stdout, cfg.LogLevel, cfg.LogFormat).With(slog.String("service", "api"))
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer a.Close()

	if err := os.MkdirAll(cfg.UploadDir, 0o755); err != nil {
		logger.Error("create upload dir", slog.String("error", err.Error()))
		os.Exit(1)
	}

	opts := api.Options{UploadDir: cfg.UploadDir, MaxUploadBytes: cfg.UploadMaxBytes}
	if cfg.ContentBackend == "local" {
		opts.ContentDir = cfg.ContentDir
	}
	checks := map[string]api.Pinger{
		"redis": api.PingFunc(func(ctx context.Context) error { return a.Redis.Ping(ctx).Err() }),
		"store": a.Store,
	}
	server := api.New(a.Orchestrator, a.Queue, checks, opts, logger)
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// The in-memory store is not shared between processes, so the stages run here.
	workerDone := make(chan struct{})
	if cfg.StoreBackend == "memory" {
		go func() {
			defer close(workerDone)
			logger.Info("running stage workers in-process")
			if err := a.Processor().Run(ctx); err != nil {
				logger.Error("worker stopped", slog.String("error", err.Error()))
			}
		}()
	} else {
		close(workerDone)
	}

	logger.Info("api listening", slog.String("addr", httpServer.Addr))
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("listen", slog.String("error", err.Error()))
			cancel()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
	<-workerDone
	logger.Info("api stopped")
}
