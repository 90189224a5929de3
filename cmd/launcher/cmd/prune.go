package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/psantana5/orchestrator-launcher/internal/process"
	"github.com/psantana5/orchestrator-launcher/pkg/cleanup"
	"github.com/psantana5/orchestrator-launcher/pkg/retry"
	"github.com/psantana5/orchestrator-launcher/pkg/store"
)

var (
	pruneOlderThan time.Duration
	pruneLostAfter time.Duration
)

// pruneCmd represents the prune command
var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete finished workers past their retention",
	Long: `Mark workers that are gone without an outcome as failed, then delete the
status records and worker directories of finished workers not updated within
--older-than.`,
	Args: cobra.NoArgs,
	RunE: runPrune,
}

func init() {
	rootCmd.AddCommand(pruneCmd)
	pruneCmd.Flags().DurationVar(&pruneOlderThan, "older-than", cleanup.DefaultConfig().Retention, "retention of finished workers")
	pruneCmd.Flags().DurationVar(&pruneLostAfter, "lost-after", 5*time.Minute, "how long an unfinished worker must be quiet before it is checked")
}

func runPrune(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	st, err := store.Open(ctx, cfg.Store, retry.DefaultConfig())
	if err != nil {
		return err
	}
	defer st.Close()

	rt := process.NewLocalRuntime(process.LocalConfig{
		WorkspaceRoot: cfg.WorkspaceRoot,
		StopGrace:     cfg.Runtime.StopGrace,
	}, logger)

	lost, err := process.Reconcile(ctx, st, rt, pruneLostAfter, logger)
	if err != nil {
		return err
	}

	pruneConfig := cleanup.DefaultConfig()
	pruneConfig.Retention = pruneOlderThan
	m := cleanup.NewManager(pruneConfig, st, func(name string) error {
		return rt.Remove(ctx, name)
	}, logger)

	deleted, err := m.PruneNow(ctx)
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Marked %d lost workers, deleted %d finished workers\n", len(lost), deleted)
	return nil
}
