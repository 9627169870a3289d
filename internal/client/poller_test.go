package client

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dunamismax/mdflow/internal/domain"
)

type scriptedJobs struct {
	snapshots []domain.Job
	calls     int
}

func (s *scriptedJobs) Get(context.Context, string) (domain.Job, error) {
	job := s.snapshots[min(s.calls, len(s.snapshots)-1)]
	s.calls++
	return job, nil
}

func processing(progress domain.Progress) domain.Job {
	return domain.Job{ID: "j", Status: domain.JobStatusProcessing, Progress: progress}
}

func TestPercent(t *testing.T) {
	tests := []struct {
		name string
		job  domain.Job
		want int
	}{
		{name: "pending", job: domain.Job{Status: domain.JobStatusPending}, want: 10},
		{name: "processing bare", job: processing(nil), want: 20},
		{name: "library known", job: processing(domain.Progress{domain.ProgressLibrary: "pdfplumber"}), want: 35},
		{name: "text extracted", job: processing(domain.Progress{domain.ProgressLibrary: "pdfplumber", domain.ProgressExtractedTextLength: 120.0}), want: 55},
		{name: "every signal", job: processing(domain.Progress{
			domain.ProgressLibrary:             "pymupdf",
			domain.ProgressExtractedTextLength: 10.0,
			domain.ProgressImagesSaved:         2.0,
			domain.ProgressMarkdownLength:      8.0,
		}), want: 90},
		{name: "completed", job: domain.Job{Status: domain.JobStatusCompleted}, want: 100},
		{name: "error", job: domain.Job{Status: domain.JobStatusError}, want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Percent(tt.job))
		})
	}
}

func TestPollerWaitIsMonotonic(t *testing.T) {
	jobs := &scriptedJobs{snapshots: []domain.Job{
		{ID: "j", Status: domain.JobStatusPending},
		processing(domain.Progress{domain.ProgressLibrary: "pdfplumber", domain.ProgressMarkdownLength: 5.0}),
		processing(domain.Progress{domain.ProgressCurrentStep: "writing"}),
		{ID: "j", Status: domain.JobStatusCompleted, Result: "# done"},
	}}

	var seen []int
	job, err := Poller{Jobs: jobs, Interval: time.Millisecond}.Wait(context.Background(), "j", func(_ domain.Job, pct int) {
		seen = append(seen, pct)
	})
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCompleted, job.Status)
	assert.Equal(t, []int{10, 55, 55, 100}, seen)
	assert.Equal(t, 4, jobs.calls)
}

func TestPollerWaitReportsFailure(t *testing.T) {
	jobs := &scriptedJobs{snapshots: []domain.Job{
		processing(domain.Progress{domain.ProgressLibrary: "pdfplumber"}),
		{ID: "j", Status: domain.JobStatusError, Error: "boom"},
	}}

	var last int
	job, err := Poller{Jobs: jobs, Interval: time.Millisecond}.Wait(context.Background(), "j", func(_ domain.Job, pct int) { last = pct })
	require.NoError(t, err)
	assert.Equal(t, "boom", job.Error)
	assert.Equal(t, 0, last)
}

func TestPollerWaitStopsOnCancel(t *testing.T) {
	jobs := &scriptedJobs{snapshots: []domain.Job{{ID: "j", Status: domain.JobStatusPending}}}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := Poller{Jobs: jobs, Interval: 5 * time.Millisecond}.Wait(ctx, "j", nil)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}
