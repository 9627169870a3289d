package api

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/dunamismax/mdflow/internal/domain"
	"github.com/dunamismax/mdflow/internal/queue"
	"github.com/dunamismax/mdflow/internal/storage"
)

// Dispatcher hands an accepted job to whatever runs conversions. Dispatch must
// not block on the conversion itself.
type Dispatcher interface {
	Name() string
	Dispatch(ctx context.Context, job domain.Job, inputPath string) error
}

type jobStarter interface {
	Start(job domain.Job, inputPath string)
}

// LocalDispatcher runs conversions in this process.
type LocalDispatcher struct {
	Supervisor jobStarter
}

func (LocalDispatcher) Name() string { return "local" }

func (d LocalDispatcher) Dispatch(_ context.Context, job domain.Job, inputPath string) error {
	if d.Supervisor == nil {
		return errors.New("no supervisor configured")
	}
	d.Supervisor.Start(job, inputPath)
	return nil
}

type objectUploader interface {
	UploadFile(ctx context.Context, objectKey, filePath string) error
	RemoveObject(ctx context.Context, objectKey string) error
}

type queueEnqueuer interface {
	EnqueueConvertPDF(ctx context.Context, payload queue.ConvertPDFPayload) (*asynq.TaskInfo, error)
}

// QueueDispatcher parks the upload in object storage and enqueues a task for
// cmd/worker. The local copy is removed once the task is enqueued.
type QueueDispatcher struct {
	Storage objectUploader
	Queue   queueEnqueuer
	Logger  *zap.Logger
}

func (QueueDispatcher) Name() string { return "queue" }

func (d QueueDispatcher) Dispatch(ctx context.Context, job domain.Job, inputPath string) error {
	objectKey := storage.SourceKey(job.ID)
	if err := d.Storage.UploadFile(ctx, objectKey, inputPath); err != nil {
		return fmt.Errorf("upload source: %w", err)
	}

	info, err := d.Queue.EnqueueConvertPDF(ctx, queue.ConvertPDFPayload{
		JobID:       job.ID,
		ObjectKey:   objectKey,
		RequestedAt: time.Now().UTC(),
	})
	if err != nil {
		if rmErr := d.Storage.RemoveObject(context.WithoutCancel(ctx), objectKey); rmErr != nil {
			d.logger().Warn("remove orphaned source failed", zap.String("job_id", job.ID), zap.Error(rmErr))
		}
		return fmt.Errorf("enqueue conversion: %w", err)
	}

	d.logger().Info("conversion enqueued",
		zap.String("job_id", job.ID),
		zap.String("queue", info.Queue),
		zap.String("task_id", info.ID),
	)
	if err := os.Remove(inputPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		d.logger().Warn("remove local upload failed", zap.String("job_id", job.ID), zap.Error(err))
	}
	return nil
}

func (d QueueDispatcher) logger() *zap.Logger {
	if d.Logger == nil {
		return zap.NewNop()
	}
	return d.Logger
}
