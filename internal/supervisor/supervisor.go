package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/dunamismax/mdflow/internal/convert"
	"github.com/dunamismax/mdflow/internal/domain"
	"github.com/dunamismax/mdflow/internal/store"
	"github.com/dunamismax/mdflow/internal/webhook"
)

const DefaultTimeout = 120 * time.Second

type webhookSender interface {
	Send(ctx context.Context, endpoint, event string, payload any) error
}

type Options struct {
	Timeout       time.Duration
	MaxActiveJobs int
	Logger        *zap.Logger
	Webhook       webhookSender
	Registerer    prometheus.Registerer
}

// Supervisor drives one external conversion per job from pending to a terminal
// state. It is safe for concurrent use.
type Supervisor struct {
	store   store.JobStore
	invoker convert.Invoker
	webhook webhookSender
	logger  *zap.Logger
	timeout time.Duration
	sem     chan struct{}
	metrics *metrics
	tracer  trace.Tracer

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func New(jobStore store.JobStore, invoker convert.Invoker, opts Options) *Supervisor {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	slots := opts.MaxActiveJobs
	if slots < 1 {
		slots = runtime.NumCPU()
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	baseCtx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		store:   jobStore,
		invoker: invoker,
		webhook: opts.Webhook,
		logger:  logger.Named("supervisor"),
		timeout: timeout,
		sem:     make(chan struct{}, slots),
		metrics: newMetrics(opts.Registerer),
		tracer:  otel.Tracer("mdflow/supervisor"),
		baseCtx: baseCtx,
		cancel:  cancel,
	}
}

// Start runs the conversion in the background and returns immediately.
func (s *Supervisor) Start(job domain.Job, inputPath string) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.Run(s.baseCtx, job, inputPath); err != nil {
			s.logger.Warn("conversion run ended with error", zap.String("job_id", job.ID), zap.Error(err))
		}
	}()
}

// Shutdown waits for in-flight conversions. If ctx expires first, running
// processes are killed and their jobs recorded as failed before it returns.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.cancel()
		return nil
	case <-ctx.Done():
		s.cancel()
		<-done
		return ctx.Err()
	}
}

type invocation struct {
	outcome convert.Outcome
	err     error
}

// Run blocks until job reaches a terminal state. The input file is removed
// whatever the outcome.
func (s *Supervisor) Run(ctx context.Context, job domain.Job, inputPath string) error {
	removeInput := sync.OnceFunc(func() { s.removeInput(job.ID, inputPath) })
	defer removeInput()

	// Terminal bookkeeping must survive cancellation of ctx.
	storeCtx := context.WithoutCancel(ctx)
	logger := s.logger.With(zap.String("job_id", job.ID))

	ctx, span := s.tracer.Start(ctx, "supervisor.convert", trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(
		attribute.String("job.id", job.ID),
		attribute.String("job.filename", job.Input.Filename),
		attribute.Int64("job.size_bytes", job.Input.Size),
	)
	defer span.End()

	if err := ctx.Err(); err != nil {
		s.resolve(storeCtx, span, job, domain.FailedPatch("Conversion cancelled before it started"), 0)
		return err
	}

	s.metrics.waitingJobs.Inc()
	select {
	case s.sem <- struct{}{}:
		s.metrics.waitingJobs.Dec()
	case <-ctx.Done():
		s.metrics.waitingJobs.Dec()
		s.resolve(storeCtx, span, job, domain.FailedPatch("Conversion cancelled before it started"), 0)
		return ctx.Err()
	}
	s.metrics.activeJobs.Inc()
	defer func() {
		<-s.sem
		s.metrics.activeJobs.Dec()
	}()

	if _, err := s.store.Update(storeCtx, job.ID, domain.StatusPatch(domain.JobStatusProcessing)); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "mark processing failed")
		if !errors.Is(err, domain.ErrJobTerminal) && !errors.Is(err, store.ErrJobNotFound) {
			s.resolve(storeCtx, span, job, domain.FailedPatch("Failed to start conversion: "+err.Error()), 0)
		}
		return fmt.Errorf("mark job processing: %w", err)
	}
	logger.Info("conversion started", zap.String("filename", job.Input.Filename))

	var resolved atomic.Bool
	onProgress := func(progress domain.Progress) {
		if resolved.Load() {
			return
		}
		if _, err := s.store.Update(storeCtx, job.ID, domain.ProgressPatch(progress)); err != nil {
			logger.Debug("progress update dropped", zap.Error(err))
		}
	}

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	startedAt := time.Now()
	done := make(chan invocation, 1)
	go func() {
		outcome, err := s.invoker.Invoke(runCtx, inputPath, job.Settings, onProgress)
		done <- invocation{outcome: outcome, err: err}
	}()

	timer := time.NewTimer(s.timeout)
	defer timer.Stop()

	select {
	case result := <-done:
		if resolved.CompareAndSwap(false, true) {
			s.resolve(storeCtx, span, job, outcomePatch(result), time.Since(startedAt))
		}
	case <-timer.C:
		if resolved.CompareAndSwap(false, true) {
			cancelRun()
			<-done
			logger.Warn("conversion timed out", zap.Duration("timeout", s.timeout))
			s.resolve(storeCtx, span, job, domain.FailedPatch(TimeoutMessage(s.timeout)), time.Since(startedAt))
		}
	case <-ctx.Done():
		if resolved.CompareAndSwap(false, true) {
			cancelRun()
			<-done
			s.resolve(storeCtx, span, job, domain.FailedPatch("Conversion cancelled: server shutting down"), time.Since(startedAt))
		}
	}

	removeInput()
	return nil
}

func outcomePatch(result invocation) domain.JobPatch {
	var launchErr *convert.LaunchError
	switch {
	case errors.As(result.err, &launchErr):
		return domain.FailedPatch("Failed to start conversion process: " + launchErr.Err.Error())
	case result.err != nil:
		return domain.FailedPatch("Conversion failed: " + result.err.Error())
	case result.outcome.Succeeded():
		return domain.CompletedPatch(result.outcome.Stdout)
	}

	if reason := strings.TrimSpace(result.outcome.Stderr); reason != "" {
		return domain.FailedPatch(reason)
	}
	return domain.FailedPatch(fmt.Sprintf("Conversion failed with exit code %d", result.outcome.ExitCode))
}

func TimeoutMessage(timeout time.Duration) string {
	if timeout%time.Second == 0 {
		return fmt.Sprintf("Conversion timed out after %d seconds", int64(timeout/time.Second))
	}
	return fmt.Sprintf("Conversion timed out after %s", timeout)
}

func (s *Supervisor) resolve(ctx context.Context, span trace.Span, job domain.Job, patch domain.JobPatch, elapsed time.Duration) {
	logger := s.logger.With(zap.String("job_id", job.ID))

	updated, err := s.store.Update(ctx, job.ID, patch)
	if err != nil {
		logger.Error("record terminal state failed", zap.Error(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "record terminal state failed")
		return
	}

	status := string(updated.Status)
	s.metrics.jobsTotal.WithLabelValues(status).Inc()
	if elapsed > 0 {
		s.metrics.jobDuration.WithLabelValues(status).Observe(elapsed.Seconds())
	}
	span.SetAttributes(attribute.String("job.status", status))

	event := webhook.EventConversionCompleted
	if updated.Status == domain.JobStatusCompleted {
		span.SetStatus(codes.Ok, "converted")
		logger.Info("conversion completed", zap.Duration("duration", elapsed), zap.Int("markdown_bytes", len(updated.Result)))
	} else {
		event = webhook.EventConversionFailed
		span.SetStatus(codes.Error, updated.Error)
		logger.Warn("conversion failed", zap.Duration("duration", elapsed), zap.String("error", updated.Error))
	}

	s.notify(ctx, updated, event)
}

func (s *Supervisor) notify(ctx context.Context, job domain.Job, event string) {
	if job.WebhookURL == "" || s.webhook == nil {
		return
	}
	if err := s.webhook.Send(ctx, job.WebhookURL, event, webhook.NewConversionPayload(job, time.Now().UTC())); err != nil {
		s.logger.Warn("webhook delivery failed", zap.String("job_id", job.ID), zap.String("event", event), zap.Error(err))
	}
}

func (s *Supervisor) removeInput(jobID, inputPath string) {
	if inputPath == "" {
		return
	}
	if err := os.Remove(inputPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.logger.Warn("remove input file failed", zap.String("job_id", jobID), zap.String("path", inputPath), zap.Error(err))
	}
}
