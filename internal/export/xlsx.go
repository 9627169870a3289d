package export

import (
	"fmt"
	"io"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/dunamismax/mdflow/internal/domain"
)

const historySheet = "Conversions"

var historyHeaders = []string{
	"ID",
	"Filename",
	"Size",
	"Status",
	"Output Format",
	"Extraction Method",
	"Markdown Length",
	"Error",
	"Created",
	"Updated",
}

// WriteHistoryXLSX writes one row per job to w as an XLSX workbook.
func WriteHistoryXLSX(w io.Writer, jobs []domain.Job) error {
	f := excelize.NewFile()
	defer f.Close()

	index, err := f.NewSheet(historySheet)
	if err != nil {
		return fmt.Errorf("create sheet: %w", err)
	}
	f.SetActiveSheet(index)
	if err := f.DeleteSheet("Sheet1"); err != nil {
		return fmt.Errorf("drop default sheet: %w", err)
	}

	for i, h := range historyHeaders {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		if err := f.SetCellValue(historySheet, cell, h); err != nil {
			return err
		}
	}

	for i, job := range jobs {
		row := i + 2
		values := []any{
			job.ID,
			job.Input.Filename,
			job.Input.SizeLabel,
			string(job.Status),
			job.Settings.OutputFormat,
			job.Settings.ExtractionMethod,
			len(job.Result),
			job.Error,
			job.CreatedAt.UTC().Format(time.RFC3339),
			job.UpdatedAt.UTC().Format(time.RFC3339),
		}
		for col, v := range values {
			cell, _ := excelize.CoordinatesToCellName(col+1, row)
			if err := f.SetCellValue(historySheet, cell, v); err != nil {
				return err
			}
		}
	}

	_ = f.SetColWidth(historySheet, "A", "A", 38)
	_ = f.SetColWidth(historySheet, "B", "B", 32)
	_ = f.SetColWidth(historySheet, "H", "H", 60)
	_ = f.SetColWidth(historySheet, "I", "J", 22)

	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("xlsx write: %w", err)
	}
	return nil
}
