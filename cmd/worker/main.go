package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/dunamismax/mdflow/internal/config"
	"github.com/dunamismax/mdflow/internal/convert"
	"github.com/dunamismax/mdflow/internal/storage"
	"github.com/dunamismax/mdflow/internal/store"
	"github.com/dunamismax/mdflow/internal/supervisor"
	"github.com/dunamismax/mdflow/internal/telemetry"
	"github.com/dunamismax/mdflow/internal/webhook"
	"github.com/dunamismax/mdflow/internal/worker"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger, err := telemetry.NewLogger(telemetry.LogConfig{Level: cfg.Telemetry.LogLevel, Format: cfg.Telemetry.LogFormat})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("worker failed", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	if cfg.Store.Backend == config.StoreMemory {
		return errors.New("the worker needs a shared job store; set MDFLOW_STORE to postgres or sqlite")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.SetupTracing(ctx, telemetry.TraceConfig{
		ServiceName:  "mdflow-worker",
		Exporter:     cfg.Telemetry.TraceExporter,
		OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
		OTLPInsecure: cfg.Telemetry.OTLPInsecure,
	}, logger)
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Warn("tracing shutdown failed", zap.Error(err))
		}
	}()

	jobStore, closeStore, err := store.Open(ctx, cfg.Store)
	if err != nil {
		return fmt.Errorf("open job store: %w", err)
	}
	defer func() {
		if err := closeStore(); err != nil {
			logger.Warn("job store close failed", zap.Error(err))
		}
	}()

	storageClient, err := storage.NewClient(storage.Config{
		Endpoint: cfg.Storage.Endpoint,
		Access:   cfg.Storage.AccessKey,
		Secret:   cfg.Storage.SecretKey,
		Bucket:   cfg.Storage.Bucket,
		UseSSL:   cfg.Storage.UseSSL,
	})
	if err != nil {
		return fmt.Errorf("create storage client: %w", err)
	}

	registry := telemetry.NewRegistry()
	sup := supervisor.New(jobStore, convert.ProcessInvoker{Command: cfg.Worker.Command, Args: cfg.Worker.Args}, supervisor.Options{
		Timeout:       cfg.Worker.Timeout,
		MaxActiveJobs: cfg.Worker.MaxActiveJobs,
		Logger:        logger,
		Webhook: webhook.NewClient(webhook.Config{
			SigningSecret: cfg.Webhook.SigningSecret,
			Timeout:       cfg.Webhook.Timeout,
			MaxAttempts:   cfg.Webhook.MaxAttempts,
		}),
		Registerer: registry,
	})

	handler, err := worker.NewHandler(jobStore, storageClient, sup, worker.HandlerOptions{
		Logger:     logger,
		Registerer: registry,
	})
	if err != nil {
		return fmt.Errorf("create task handler: %w", err)
	}

	srv := worker.NewServer(logger, cfg.Queue, cfg.Worker, handler, registry)

	metricsServer := &http.Server{
		Addr:              cfg.Worker.MetricsAddr,
		Handler:           srv.MetricsHandler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("worker metrics listening", zap.String("addr", cfg.Worker.MetricsAddr))
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("worker metrics server failed", zap.Error(err))
		}
	}()

	logger.Info("starting worker",
		zap.Int("concurrency", cfg.Worker.Concurrency),
		zap.Int("max_active_jobs", cfg.Worker.MaxActiveJobs),
		zap.String("queue", cfg.Queue.Name),
		zap.String("redis", cfg.Queue.RedisAddr),
	)
	if err := srv.Start(); err != nil {
		return fmt.Errorf("start worker: %w", err)
	}

	<-ctx.Done()
	logger.Info("shutting down")

	srv.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := sup.Shutdown(shutdownCtx); err != nil {
		logger.Warn("conversions still running at shutdown were failed", zap.Error(err))
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("metrics server shutdown failed", zap.Error(err))
	}
	return nil
}
