package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusError      JobStatus = "error"
)

var (
	ErrJobTerminal       = errors.New("job is already in a terminal state")
	ErrInvalidTransition = errors.New("invalid job status transition")
)

func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusError
}

func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusPending, JobStatusProcessing, JobStatusCompleted, JobStatusError:
		return true
	default:
		return false
	}
}

// InputDescriptor describes the uploaded file as the caller sent it.
type InputDescriptor struct {
	Filename  string `json:"filename"`
	Size      int64  `json:"size"`
	SizeLabel string `json:"sizeLabel"`
}

func NewInputDescriptor(filename string, size int64) InputDescriptor {
	return InputDescriptor{
		Filename:  filename,
		Size:      size,
		SizeLabel: fmt.Sprintf("%.2f MB", float64(size)/1024/1024),
	}
}

// MarkdownFilename swaps the input extension for .md.
func (d InputDescriptor) MarkdownFilename() string {
	name := strings.TrimSpace(d.Filename)
	if name == "" {
		return "conversion.md"
	}
	if dot := strings.LastIndex(name, "."); dot > 0 {
		name = name[:dot]
	}
	return name + ".md"
}

type Job struct {
	ID         string          `json:"id"`
	Status     JobStatus       `json:"status"`
	Input      InputDescriptor `json:"input"`
	Settings   Settings        `json:"settings"`
	Progress   Progress        `json:"progress,omitempty"`
	Result     string          `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
	WebhookURL string          `json:"webhookUrl,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
	UpdatedAt  time.Time       `json:"updatedAt"`
}

// NewJob carries the caller-supplied, immutable part of a job. Stores assign the rest.
type NewJob struct {
	Input      InputDescriptor
	Settings   Settings
	WebhookURL string
}

func (n NewJob) Build(id string, now time.Time) Job {
	return Job{
		ID:         id,
		Status:     JobStatusPending,
		Input:      n.Input,
		Settings:   n.Settings,
		WebhookURL: n.WebhookURL,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// JobPatch is a partial update. Nil fields are left untouched; Progress is merged key by key.
type JobPatch struct {
	Status   *JobStatus
	Progress Progress
	Result   *string
	Error    *string
}

func StatusPatch(status JobStatus) JobPatch {
	return JobPatch{Status: &status}
}

func CompletedPatch(result string) JobPatch {
	status := JobStatusCompleted
	return JobPatch{Status: &status, Result: &result}
}

func FailedPatch(reason string) JobPatch {
	status := JobStatusError
	return JobPatch{Status: &status, Error: &reason}
}

func ProgressPatch(progress Progress) JobPatch {
	return JobPatch{Progress: progress}
}

func (j Job) Clone() Job {
	j.Progress = j.Progress.Clone()
	return j
}

// Apply validates patch against the job state machine and mutates j in place.
// j is left unchanged when an error is returned.
func (j *Job) Apply(patch JobPatch, now time.Time) error {
	if j.Status.Terminal() {
		return ErrJobTerminal
	}

	next := j.Status
	if patch.Status != nil {
		next = *patch.Status
		if !canTransition(j.Status, next) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.Status, next)
		}
	}

	switch next {
	case JobStatusCompleted:
		if patch.Result == nil || strings.TrimSpace(*patch.Result) == "" {
			return fmt.Errorf("%w: completed requires a non-empty result", ErrInvalidTransition)
		}
		if patch.Error != nil {
			return fmt.Errorf("%w: completed job cannot carry an error", ErrInvalidTransition)
		}
	case JobStatusError:
		if patch.Error == nil || strings.TrimSpace(*patch.Error) == "" {
			return fmt.Errorf("%w: error requires a non-empty reason", ErrInvalidTransition)
		}
		if patch.Result != nil {
			return fmt.Errorf("%w: failed job cannot carry a result", ErrInvalidTransition)
		}
	default:
		if patch.Result != nil || patch.Error != nil {
			return fmt.Errorf("%w: result and error are set only on terminal transitions", ErrInvalidTransition)
		}
	}

	if len(patch.Progress) > 0 && j.Status != JobStatusProcessing {
		return fmt.Errorf("%w: progress accepted only while processing", ErrInvalidTransition)
	}

	j.Status = next
	if len(patch.Progress) > 0 {
		j.Progress = j.Progress.Merge(patch.Progress)
	}
	if patch.Result != nil {
		j.Result = *patch.Result
	}
	if patch.Error != nil {
		j.Error = *patch.Error
	}
	j.UpdatedAt = now
	return nil
}

func canTransition(from, to JobStatus) bool {
	if from == to {
		return from == JobStatusProcessing || from == JobStatusPending
	}
	switch from {
	case JobStatusPending:
		return to == JobStatusProcessing || to == JobStatusError
	case JobStatusProcessing:
		return to == JobStatusCompleted || to == JobStatusError
	default:
		return false
	}
}
