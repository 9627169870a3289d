package export

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
	"go.yaml.in/yaml/v3"

	"github.com/dunamismax/mdflow/internal/domain"
)

func completedJob() domain.Job {
	now := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	return domain.Job{
		ID:        "job-1",
		Status:    domain.JobStatusCompleted,
		Input:     domain.NewInputDescriptor("paper.pdf", 1048576),
		Settings:  domain.DefaultSettings(),
		Progress:  domain.Progress{domain.ProgressLibrary: "pdfplumber"},
		Result:    "# Title\n\nBody",
		CreatedAt: now.Add(-time.Minute),
		UpdatedAt: now,
	}
}

func TestWithFrontmatter(t *testing.T) {
	out, err := WithFrontmatter(completedJob())
	require.NoError(t, err)

	require.True(t, strings.HasPrefix(out, "---\n"))
	parts := strings.SplitN(strings.TrimPrefix(out, "---\n"), "---\n\n", 2)
	require.Len(t, parts, 2)
	assert.Equal(t, "# Title\n\nBody", parts[1])

	var meta map[string]any
	require.NoError(t, yaml.Unmarshal([]byte(parts[0]), &meta))
	assert.Equal(t, "job-1", meta["conversion_id"])
	assert.Equal(t, "paper.pdf", meta["source_pdf"])
	assert.Equal(t, "1.00 MB", meta["source_size"])
	assert.Equal(t, "pdfplumber", meta["library"])
	assert.Contains(t, meta, "converted_at")
}

func TestWithFrontmatterRequiresCompletedJob(t *testing.T) {
	job := completedJob()
	job.Status = domain.JobStatusError
	_, err := WithFrontmatter(job)
	assert.Error(t, err)
}

func TestWriteHistoryXLSX(t *testing.T) {
	failed := completedJob()
	failed.ID = "job-2"
	failed.Status = domain.JobStatusError
	failed.Result = ""
	failed.Error = "Conversion timed out after 120 seconds"

	var buf bytes.Buffer
	require.NoError(t, WriteHistoryXLSX(&buf, []domain.Job{completedJob(), failed}))

	f, err := excelize.OpenReader(&buf)
	require.NoError(t, err)
	defer f.Close()

	assert.Equal(t, []string{historySheet}, f.GetSheetList())
	rows, err := f.GetRows(historySheet)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, historyHeaders, rows[0])
	assert.Equal(t, "job-1", rows[1][0])
	assert.Equal(t, "completed", rows[1][3])
	assert.Equal(t, "13", rows[1][6])
	assert.Equal(t, "error", rows[2][3])
	assert.Equal(t, "Conversion timed out after 120 seconds", rows[2][7])
}
