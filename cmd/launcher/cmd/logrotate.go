package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/psantana5/orchestrator-launcher/pkg/logging"
)

// logrotateCmd prints a logrotate config for the launcher's file logs
var logrotateCmd = &cobra.Command{
	Use:   "logrotate",
	Short: "Print a logrotate configuration for launcher log files",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Fprint(cmd.OutOrStdout(), logging.GenerateLogrotateConfig(logComponent))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(logrotateCmd)
}
