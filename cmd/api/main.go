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
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/dunamismax/mdflow/internal/api"
	"github.com/dunamismax/mdflow/internal/config"
	"github.com/dunamismax/mdflow/internal/convert"
	"github.com/dunamismax/mdflow/internal/queue"
	"github.com/dunamismax/mdflow/internal/ratelimit"
	"github.com/dunamismax/mdflow/internal/storage"
	"github.com/dunamismax/mdflow/internal/store"
	"github.com/dunamismax/mdflow/internal/supervisor"
	"github.com/dunamismax/mdflow/internal/telemetry"
	"github.com/dunamismax/mdflow/internal/web"
	"github.com/dunamismax/mdflow/internal/webhook"
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
		logger.Fatal("api failed", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.SetupTracing(ctx, telemetry.TraceConfig{
		ServiceName:  "mdflow-api",
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
	store.StartJanitor(ctx, jobStore, cfg.Store.RetentionInterval, cfg.Store.RetentionTTL, logger.Named("janitor"))

	registry := telemetry.NewRegistry()
	sup := supervisor.New(jobStore, convert.ProcessInvoker{Command: cfg.Worker.Command, Args: cfg.Worker.Args}, supervisor.Options{
		Timeout:       cfg.Worker.Timeout,
		MaxActiveJobs: cfg.Worker.MaxActiveJobs,
		Logger:        logger,
		Webhook:       newWebhookClient(cfg.Webhook),
		Registerer:    registry,
	})

	var dispatcher api.Dispatcher
	switch cfg.API.Dispatch {
	case config.DispatchQueue:
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
		if err := storageClient.EnsureBucket(ctx); err != nil {
			return fmt.Errorf("ensure bucket: %w", err)
		}

		queueClient := queue.NewClient(cfg.Queue.RedisClientOpt(), cfg.Queue.Name, cfg.Worker.Timeout)
		defer func() {
			if err := queueClient.Close(); err != nil {
				logger.Warn("queue client close failed", zap.Error(err))
			}
		}()
		dispatcher = api.QueueDispatcher{Storage: storageClient, Queue: queueClient, Logger: logger.Named("dispatch")}
	default:
		dispatcher = api.LocalDispatcher{Supervisor: sup}
	}

	var limiter api.RateLimiter
	if cfg.RateLimit.Enabled {
		if cfg.API.Dispatch == config.DispatchQueue {
			redisClient := redis.NewClient(&redis.Options{
				Addr:     cfg.Queue.RedisAddr,
				Password: cfg.Queue.RedisPassword,
				DB:       cfg.Queue.RedisDB,
			})
			defer redisClient.Close()
			limiter, err = ratelimit.NewRedisTokenBucket(redisClient, cfg.RateLimit.Requests, cfg.RateLimit.Window, ratelimit.DefaultKeyPrefix)
		} else {
			limiter, err = ratelimit.NewMemoryTokenBucket(cfg.RateLimit.Requests, cfg.RateLimit.Window)
		}
		if err != nil {
			return fmt.Errorf("create rate limiter: %w", err)
		}
	}

	app, err := api.NewServer(jobStore, dispatcher, api.Options{
		Logger:              logger,
		UploadsDir:          cfg.API.UploadsDir,
		MaxUploadBytes:      cfg.API.MaxUploadBytes,
		RateLimiter:         limiter,
		RateLimitUserHeader: cfg.RateLimit.UserHeader,
		Registry:            registry,
		UI:                  web.Handler(),
	})
	if err != nil {
		return fmt.Errorf("create api server: %w", err)
	}

	httpServer := &http.Server{
		Addr:              cfg.API.Addr,
		Handler:           app.Handler(),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening",
			zap.String("addr", cfg.API.Addr),
			zap.String("dispatch", dispatcher.Name()),
			zap.String("store", cfg.Store.Backend),
		)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("serve http: %w", err)
		}
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Worker.Timeout+10*time.Second)
	defer cancel()

	logger.Info("shutting down")
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", zap.Error(err))
	}
	if err := sup.Shutdown(shutdownCtx); err != nil {
		logger.Warn("conversions still running at shutdown were failed", zap.Error(err))
	}
	return nil
}

func newWebhookClient(cfg config.WebhookConfig) *webhook.Client {
	return webhook.NewClient(webhook.Config{
		SigningSecret: cfg.SigningSecret,
		Timeout:       cfg.Timeout,
		MaxAttempts:   cfg.MaxAttempts,
	})
}
