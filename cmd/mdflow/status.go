package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dunamismax/mdflow/internal/client"
)

var statusCmd = &cobra.Command{
	Use:   "status <id>",
	Short: "Show one conversion",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		job, err := c.Get(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		asJSON, _ := cmd.Flags().GetBool("json")
		if asJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(job)
		}

		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "id:       %s\n", job.ID)
		fmt.Fprintf(w, "file:     %s (%s)\n", job.Input.Filename, job.Input.SizeLabel)
		fmt.Fprintf(w, "status:   %s (%d%%)\n", job.Status, client.Percent(job))
		fmt.Fprintf(w, "updated:  %s\n", job.UpdatedAt.Local().Format("2006-01-02 15:04:05"))
		if job.Error != "" {
			fmt.Fprintf(w, "error:    %s\n", job.Error)
		}
		return nil
	},
}

func init() {
	statusCmd.Flags().Bool("json", false, "print the raw job JSON")
	rootCmd.AddCommand(statusCmd)
}
