package main

import (
	"bytes"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var downloadCmd = &cobra.Command{
	Use:   "download <id>",
	Short: "Save the Markdown of a completed conversion",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}

		var buf bytes.Buffer
		name, err := c.Download(cmd.Context(), args[0], &buf)
		if err != nil {
			return err
		}

		out, _ := cmd.Flags().GetString("out")
		if out == "-" {
			_, err := cmd.OutOrStdout().Write(buf.Bytes())
			return err
		}
		if out == "" {
			out = name
		}
		if err := os.WriteFile(out, buf.Bytes(), 0o644); err != nil {
			return fmt.Errorf("write %s: %w", out, err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), out)
		return nil
	},
}

func init() {
	downloadCmd.Flags().StringP("out", "o", "", "output file, or - for stdout (default: name suggested by the server)")
	rootCmd.AddCommand(downloadCmd)
}
