// Package export renders finished conversions for use outside the service.
package export

import (
	"fmt"
	"strings"
	"time"

	"go.yaml.in/yaml/v3"

	"github.com/dunamismax/mdflow/internal/domain"
)

type frontmatter struct {
	ConversionID     string    `yaml:"conversion_id"`
	SourcePDF        string    `yaml:"source_pdf"`
	SourceSize       string    `yaml:"source_size"`
	OutputFormat     string    `yaml:"output_format"`
	ExtractionMethod string    `yaml:"extraction_method"`
	Library          string    `yaml:"library,omitempty"`
	ConvertedAt      time.Time `yaml:"converted_at"`
}

// WithFrontmatter prepends a YAML block describing job to its Markdown.
func WithFrontmatter(job domain.Job) (string, error) {
	if job.Status != domain.JobStatusCompleted {
		return "", fmt.Errorf("conversion %s is %s, not completed", job.ID, job.Status)
	}

	meta, err := yaml.Marshal(frontmatter{
		ConversionID:     job.ID,
		SourcePDF:        job.Input.Filename,
		SourceSize:       job.Input.SizeLabel,
		OutputFormat:     job.Settings.OutputFormat,
		ExtractionMethod: job.Settings.ExtractionMethod,
		Library:          job.Progress.String(domain.ProgressLibrary),
		ConvertedAt:      job.UpdatedAt.UTC(),
	})
	if err != nil {
		return "", fmt.Errorf("marshal frontmatter: %w", err)
	}

	var b strings.Builder
	b.WriteString("---\n")
	b.Write(meta)
	b.WriteString("---\n\n")
	b.WriteString(job.Result)
	return b.String(), nil
}
