package store

import (
	"context"
	"errors"
	"time"

	"github.com/dunamismax/mdflow/internal/domain"
)

var ErrJobNotFound = errors.New("job not found")

// JobStore is safe for concurrent use. Update applies the patch atomically
// with respect to other updates of the same job.
type JobStore interface {
	Create(ctx context.Context, job domain.NewJob) (domain.Job, error)
	Get(ctx context.Context, id string) (domain.Job, bool, error)
	Update(ctx context.Context, id string, patch domain.JobPatch) (domain.Job, error)
	List(ctx context.Context) ([]domain.Job, error)
	Prune(ctx context.Context, before time.Time) (int, error)
}
