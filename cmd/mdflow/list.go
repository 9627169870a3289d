package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/dunamismax/mdflow/internal/export"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List conversions, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		jobs, err := c.List(cmd.Context())
		if err != nil {
			return err
		}

		if path, _ := cmd.Flags().GetString("export"); path != "" {
			f, err := os.Create(path)
			if err != nil {
				return err
			}
			if err := export.WriteHistoryXLSX(f, jobs); err != nil {
				f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "Exported %d conversions to %s\n", len(jobs), path)
			return nil
		}

		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tFILE\tSTATUS\tCREATED")
		for _, job := range jobs {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", job.ID, job.Input.Filename, job.Status, job.CreatedAt.Local().Format("2006-01-02 15:04:05"))
		}
		return tw.Flush()
	},
}

func init() {
	listCmd.Flags().String("export", "", "write the list to an .xlsx file instead of printing it")
	rootCmd.AddCommand(listCmd)
}
