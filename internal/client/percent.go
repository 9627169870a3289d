package client

import "github.com/dunamismax/mdflow/internal/domain"

// Percent estimates completion for display. It is a heuristic over the
// progress keys the converter reports, not a measurement.
func Percent(job domain.Job) int {
	switch job.Status {
	case domain.JobStatusPending:
		return 10
	case domain.JobStatusCompleted:
		return 100
	case domain.JobStatusProcessing:
	default:
		return 0
	}

	pct := 20
	p := job.Progress
	if p.String(domain.ProgressLibrary) != "" {
		pct += 15
	}
	if p.Number(domain.ProgressExtractedTextLength) > 0 {
		pct += 20
	}
	if p.Number(domain.ProgressImagesSaved) > 0 {
		pct += 15
	}
	if p.Number(domain.ProgressMarkdownLength) > 0 {
		pct += 20
	}
	return min(pct, 95)
}
