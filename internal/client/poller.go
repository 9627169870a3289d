package client

import (
	"context"
	"time"

	"github.com/dunamismax/mdflow/internal/domain"
)

const DefaultPollInterval = time.Second

type jobGetter interface {
	Get(ctx context.Context, id string) (domain.Job, error)
}

// Poller fetches a job until it reaches a terminal state.
type Poller struct {
	Jobs     jobGetter
	Interval time.Duration
}

// Wait polls id and calls onUpdate with every snapshot. The percentage never
// decreases unless the job fails. It returns the terminal job.
func (p Poller) Wait(ctx context.Context, id string, onUpdate func(job domain.Job, percent int)) (domain.Job, error) {
	interval := p.Interval
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	shown := 0
	for {
		job, err := p.Jobs.Get(ctx, id)
		if err != nil {
			return domain.Job{}, err
		}

		pct := 0
		if job.Status != domain.JobStatusError {
			pct = max(shown, Percent(job))
		}
		shown = pct
		if onUpdate != nil {
			onUpdate(job, pct)
		}
		if job.Status.Terminal() {
			return job, nil
		}

		select {
		case <-ctx.Done():
			return job, ctx.Err()
		case <-ticker.C:
		}
	}
}
