// Package worker consumes queued conversions in a process separate from the API.
package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/dunamismax/mdflow/internal/config"
	"github.com/dunamismax/mdflow/internal/domain"
	"github.com/dunamismax/mdflow/internal/queue"
	"github.com/dunamismax/mdflow/internal/store"
	"github.com/dunamismax/mdflow/internal/telemetry"
)

type objectFetcher interface {
	DownloadFile(ctx context.Context, objectKey, filePath string) error
	RemoveObject(ctx context.Context, objectKey string) error
}

type jobRunner interface {
	Run(ctx context.Context, job domain.Job, inputPath string) error
}

// Handler turns one pdf:convert task into a supervised conversion.
type Handler struct {
	logger   *zap.Logger
	jobStore store.JobStore
	objects  objectFetcher
	runner   jobRunner
	tempDir  string
	metrics  *metrics
	tracer   trace.Tracer
}

type HandlerOptions struct {
	Logger *zap.Logger
	// TempDir receives downloaded sources. Empty means os.TempDir.
	TempDir    string
	Registerer prometheus.Registerer
}

func NewHandler(jobStore store.JobStore, objects objectFetcher, runner jobRunner, opts HandlerOptions) (*Handler, error) {
	if jobStore == nil || objects == nil || runner == nil {
		return nil, errors.New("job store, object storage and runner are required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	tempDir := opts.TempDir
	if tempDir == "" {
		tempDir = os.TempDir()
	}
	if err := os.MkdirAll(tempDir, 0o750); err != nil {
		return nil, fmt.Errorf("create worker temp dir: %w", err)
	}

	return &Handler{
		logger:   logger.Named("worker"),
		jobStore: jobStore,
		objects:  objects,
		runner:   runner,
		tempDir:  tempDir,
		metrics:  newMetrics(opts.Registerer),
		tracer:   otel.Tracer("mdflow/worker"),
	}, nil
}

// ProcessTask implements asynq.Handler. Tasks are never retried: every
// failure is recorded on the job instead.
func (h *Handler) ProcessTask(ctx context.Context, task *asynq.Task) error {
	startedAt := time.Now()
	outcome := "failed"
	defer func() {
		h.metrics.tasksTotal.WithLabelValues(outcome).Inc()
		h.metrics.taskDuration.WithLabelValues(outcome).Observe(time.Since(startedAt).Seconds())
	}()

	payload, err := queue.ParseConvertPDFPayload(task)
	if err != nil {
		return fmt.Errorf("parse payload: %v: %w", err, asynq.SkipRetry)
	}

	ctx, span := h.tracer.Start(ctx, "worker.convert_pdf", trace.WithSpanKind(trace.SpanKindConsumer))
	span.SetAttributes(
		attribute.String("job.id", payload.JobID),
		attribute.String("job.object_key", payload.ObjectKey),
	)
	defer span.End()

	logger := h.logger.With(zap.String("job_id", payload.JobID))
	defer func() {
		if rmErr := h.objects.RemoveObject(context.WithoutCancel(ctx), payload.ObjectKey); rmErr != nil {
			logger.Warn("remove source object failed", zap.String("object_key", payload.ObjectKey), zap.Error(rmErr))
		}
	}()

	job, ok, err := h.jobStore.Get(ctx, payload.JobID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "load job failed")
		return fmt.Errorf("load job %s: %v: %w", payload.JobID, err, asynq.SkipRetry)
	}
	if !ok {
		span.SetStatus(codes.Error, "job not found")
		return fmt.Errorf("job %s: %w: %w", payload.JobID, store.ErrJobNotFound, asynq.SkipRetry)
	}
	if job.Status != domain.JobStatusPending {
		logger.Info("skipping task for job that already started", zap.String("status", string(job.Status)))
		outcome = "skipped"
		return nil
	}

	logger.Info("fetching source",
		zap.String("object_key", payload.ObjectKey),
		zap.Duration("queued_for", time.Since(payload.RequestedAt)),
	)

	inputPath := filepath.Join(h.tempDir, job.ID+".pdf")
	if err := h.objects.DownloadFile(ctx, payload.ObjectKey, inputPath); err != nil {
		_ = os.Remove(inputPath)
		span.RecordError(err)
		span.SetStatus(codes.Error, "fetch source failed")
		if _, uerr := h.jobStore.Update(context.WithoutCancel(ctx), job.ID, domain.FailedPatch("Failed to fetch uploaded file: "+err.Error())); uerr != nil {
			logger.Error("record fetch failure failed", zap.Error(uerr))
		}
		return fmt.Errorf("fetch source: %v: %w", err, asynq.SkipRetry)
	}

	if err := h.runner.Run(ctx, job, inputPath); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "conversion run failed")
		return fmt.Errorf("run conversion: %v: %w", err, asynq.SkipRetry)
	}

	outcome = "processed"
	span.SetStatus(codes.Ok, "processed")
	return nil
}

// Server runs a Handler under an asynq server bound to the conversions queue.
type Server struct {
	logger   *zap.Logger
	server   *asynq.Server
	handler  *Handler
	registry *prometheus.Registry
}

func NewServer(logger *zap.Logger, queueCfg config.QueueConfig, workerCfg config.WorkerConfig, handler *Handler, registry *prometheus.Registry) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if registry == nil {
		registry = telemetry.NewRegistry()
	}
	named := logger.Named("worker")

	return &Server{
		logger: named,
		server: asynq.NewServer(
			queueCfg.RedisClientOpt(),
			asynq.Config{
				Concurrency: max(1, workerCfg.Concurrency),
				Queues: map[string]int{
					queueCfg.Name: 1,
				},
				LogLevel: asynq.InfoLevel,
				// The supervisor times out conversions itself; this only covers
				// the fetch before it and the bookkeeping after.
				ShutdownTimeout: workerCfg.Timeout + 10*time.Second,
				ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
					retried, _ := asynq.GetRetryCount(ctx)
					maxRetry, _ := asynq.GetMaxRetry(ctx)
					named.Warn("task failed",
						zap.String("type", task.Type()),
						zap.Int("retry", retried),
						zap.Int("max_retry", maxRetry),
						zap.Error(err),
					)
				}),
			},
		),
		handler:  handler,
		registry: registry,
	}
}

func (s *Server) mux() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.Handle(queue.TypeConvertPDF, s.handler)
	return mux
}

// Start begins processing in the background. Stop with Shutdown.
func (s *Server) Start() error {
	return s.server.Start(s.mux())
}

func (s *Server) Shutdown() {
	s.server.Shutdown()
}

func (s *Server) MetricsHandler() http.Handler {
	return telemetry.MetricsHandler(s.registry)
}
