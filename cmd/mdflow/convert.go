package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/dunamismax/mdflow/internal/client"
	"github.com/dunamismax/mdflow/internal/domain"
	"github.com/dunamismax/mdflow/internal/export"
)

var convertCmd = &cobra.Command{
	Use:   "convert <file.pdf>",
	Short: "Convert a PDF file to Markdown",
	Long: `Convert uploads a PDF, reports progress once a second until the conversion
finishes and writes the Markdown next to the input (or to --out).`,
	Args: cobra.ExactArgs(1),
	RunE: runConvert,
}

func init() {
	defaults := domain.DefaultSettings()
	convertCmd.Flags().String("format", defaults.OutputFormat, "output format: standard, github or commonmark")
	convertCmd.Flags().String("method", defaults.ExtractionMethod, "extraction method: auto, ocr or text-only")
	convertCmd.Flags().Bool("preserve-formatting", defaults.PreserveFormatting, "keep bold, italics and headings")
	convertCmd.Flags().Bool("extract-images", defaults.ExtractImages, "save embedded images")
	convertCmd.Flags().Bool("include-metadata", defaults.IncludeMetadata, "include PDF metadata in the output")
	convertCmd.Flags().String("webhook", "", "URL notified when the conversion finishes")
	convertCmd.Flags().StringP("out", "o", "", "output file (default: input name with .md)")
	convertCmd.Flags().Bool("frontmatter", false, "prepend YAML frontmatter describing the conversion")

	rootCmd.AddCommand(convertCmd)
}

func runConvert(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()
	settings := domain.DefaultSettings()
	settings.OutputFormat, _ = flags.GetString("format")
	settings.ExtractionMethod, _ = flags.GetString("method")
	settings.PreserveFormatting, _ = flags.GetBool("preserve-formatting")
	settings.ExtractImages, _ = flags.GetBool("extract-images")
	settings.IncludeMetadata, _ = flags.GetBool("include-metadata")
	if err := settings.Validate(); err != nil {
		return err
	}
	webhookURL, _ := flags.GetString("webhook")
	out, _ := flags.GetString("out")
	withFrontmatter, _ := flags.GetBool("frontmatter")

	input := args[0]
	if out == "" {
		out = strings.TrimSuffix(input, filepath.Ext(input)) + ".md"
	}

	c, err := newClient()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), viper.GetDuration("timeout"))
	defer cancel()

	job, err := c.Submit(ctx, client.SubmitRequest{Path: input, Settings: settings, WebhookURL: webhookURL})
	if err != nil {
		return fmt.Errorf("submit %s: %w", input, err)
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "Submitted %s as %s\n", job.Input.Filename, job.ID)

	id := job.ID
	job, err = client.Poller{Jobs: c}.Wait(ctx, id, func(job domain.Job, percent int) {
		step := job.Progress.String(domain.ProgressCurrentStep)
		if step == "" {
			step = string(job.Status)
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "\r%3d%% %-40s", percent, step)
	})
	fmt.Fprintln(cmd.ErrOrStderr())
	if err != nil {
		return fmt.Errorf("wait for %s: %w", id, err)
	}
	if job.Status == domain.JobStatusError {
		return errors.New(job.Error)
	}

	markdown := job.Result
	if withFrontmatter {
		if markdown, err = export.WithFrontmatter(job); err != nil {
			return err
		}
	}
	if err := os.WriteFile(out, []byte(markdown), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", out, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s\n", out)
	return nil
}
