package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/psantana5/orchestrator-launcher/internal/identity"
)

var (
	nameJobID     int64
	nameAttemptID int64
)

// nameCmd prints the worker name of a job attempt
var nameCmd = &cobra.Command{
	Use:   "name",
	Short: "Print the worker name of a job attempt",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		task := identity.Task{JobID: nameJobID, AttemptID: nameAttemptID}
		fmt.Fprintln(cmd.OutOrStdout(), task.Name())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(nameCmd)
	nameCmd.Flags().Int64Var(&nameJobID, "job-id", 0, "job id")
	nameCmd.Flags().Int64Var(&nameAttemptID, "attempt-id", 0, "attempt id")
	nameCmd.MarkFlagRequired("job-id")
}
