package domain

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPendingJob() Job {
	return NewJob{
		Input:    NewInputDescriptor("report.pdf", 2*1024*1024),
		Settings: DefaultSettings(),
	}.Build("job-1", time.Now().UTC())
}

func TestJobApplyHappyPath(t *testing.T) {
	job := newPendingJob()
	start := job.UpdatedAt

	require.NoError(t, job.Apply(StatusPatch(JobStatusProcessing), start.Add(time.Second)))
	assert.Equal(t, JobStatusProcessing, job.Status)
	assert.True(t, job.UpdatedAt.After(start))

	require.NoError(t, job.Apply(ProgressPatch(Progress{ProgressLibrary: "pdfplumber"}), start.Add(2*time.Second)))
	require.NoError(t, job.Apply(ProgressPatch(Progress{ProgressMarkdownLength: 42.0}), start.Add(3*time.Second)))
	assert.Equal(t, "pdfplumber", job.Progress.String(ProgressLibrary))
	assert.Equal(t, 42.0, job.Progress.Number(ProgressMarkdownLength))

	require.NoError(t, job.Apply(CompletedPatch("# Title"), start.Add(4*time.Second)))
	assert.Equal(t, JobStatusCompleted, job.Status)
	assert.Equal(t, "# Title", job.Result)
	assert.Empty(t, job.Error)
}

func TestJobApplyTerminalIsFinal(t *testing.T) {
	job := newPendingJob()
	now := time.Now().UTC()
	require.NoError(t, job.Apply(StatusPatch(JobStatusProcessing), now))
	require.NoError(t, job.Apply(FailedPatch("boom"), now))

	before := job
	err := job.Apply(CompletedPatch("late"), now.Add(time.Minute))
	require.ErrorIs(t, err, ErrJobTerminal)
	assert.Equal(t, before, job)

	err = job.Apply(FailedPatch("again"), now.Add(time.Minute))
	require.ErrorIs(t, err, ErrJobTerminal)
	assert.Equal(t, "boom", job.Error)
	assert.Empty(t, job.Result)
}

func TestJobApplyRejectsInvalidPatches(t *testing.T) {
	now := time.Now().UTC()
	empty := "   "
	result := "text"

	tests := []struct {
		name  string
		setup []JobPatch
		patch JobPatch
	}{
		{name: "pending to completed", patch: CompletedPatch("x")},
		{name: "completed without result", setup: []JobPatch{StatusPatch(JobStatusProcessing)}, patch: CompletedPatch("  \n")},
		{name: "error without reason", setup: []JobPatch{StatusPatch(JobStatusProcessing)}, patch: FailedPatch("")},
		{name: "result on non-terminal", setup: []JobPatch{StatusPatch(JobStatusProcessing)}, patch: JobPatch{Result: &result}},
		{name: "error text on non-terminal", patch: JobPatch{Error: &empty}},
		{name: "progress while pending", patch: ProgressPatch(Progress{ProgressCurrentPage: 1.0})},
		{name: "processing back to pending", setup: []JobPatch{StatusPatch(JobStatusProcessing)}, patch: StatusPatch(JobStatusPending)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job := newPendingJob()
			for _, p := range tt.setup {
				require.NoError(t, job.Apply(p, now))
			}
			before := job.Clone()
			err := job.Apply(tt.patch, now.Add(time.Second))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidTransition), "unexpected error: %v", err)
			assert.Equal(t, before, job)
		})
	}
}

func TestPendingCanFailBeforeLaunch(t *testing.T) {
	job := newPendingJob()
	require.NoError(t, job.Apply(FailedPatch("dispatch failed"), time.Now()))
	assert.Equal(t, JobStatusError, job.Status)
}

func TestCloneDoesNotShareProgress(t *testing.T) {
	job := newPendingJob()
	job.Progress = Progress{ProgressCurrentStep: "extracting"}

	clone := job.Clone()
	clone.Progress[ProgressCurrentStep] = "done"

	assert.Equal(t, "extracting", job.Progress.String(ProgressCurrentStep))
}

func TestInputDescriptor(t *testing.T) {
	d := NewInputDescriptor("Annual Report.PDF", 1572864)
	assert.Equal(t, "1.50 MB", d.SizeLabel)
	assert.Equal(t, "Annual Report.md", d.MarkdownFilename())

	assert.Equal(t, "notes.md", NewInputDescriptor("notes", 1).MarkdownFilename())
	assert.Equal(t, "archive.tar.md", NewInputDescriptor("archive.tar.pdf", 1).MarkdownFilename())
	assert.Equal(t, "conversion.md", NewInputDescriptor(" ", 1).MarkdownFilename())
}

func TestCloneCopiesNestedProgress(t *testing.T) {
	job := newPendingJob()
	job.Progress = Progress{
		"pages": map[string]any{"done": 1.0},
		"steps": []any{"extract", map[string]any{"name": "render"}},
	}

	clone := job.Clone()
	clone.Progress["pages"].(map[string]any)["done"] = 2.0
	clone.Progress["steps"].([]any)[0] = "changed"
	clone.Progress["steps"].([]any)[1].(map[string]any)["name"] = "changed"

	assert.Equal(t, 1.0, job.Progress["pages"].(map[string]any)["done"])
	assert.Equal(t, "extract", job.Progress["steps"].([]any)[0])
	assert.Equal(t, "render", job.Progress["steps"].([]any)[1].(map[string]any)["name"])
}
