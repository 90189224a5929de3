package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/psantana5/orchestrator-launcher/internal/orchestrator"
	"github.com/psantana5/orchestrator-launcher/internal/process"
	"github.com/psantana5/orchestrator-launcher/pkg/retry"
	"github.com/psantana5/orchestrator-launcher/pkg/shutdown"
	"github.com/psantana5/orchestrator-launcher/pkg/store"
)

// orchestrateCmd is the worker entrypoint started by the local runtime
var orchestrateCmd = &cobra.Command{
	Use:    "orchestrate",
	Short:  "Run a worker inside its prepared directory",
	Long:   `Internal entrypoint of a worker process. It reads the worker directory prepared by "launcher run", runs the configured application and records the outcome in the status store.`,
	Hidden: true,
	Args:   cobra.NoArgs,
	RunE:   runOrchestrate,
}

func init() {
	rootCmd.AddCommand(orchestrateCmd)
}

func runOrchestrate(cmd *cobra.Command, args []string) error {
	name := os.Getenv(process.EnvWorkerName)
	dir := os.Getenv(process.EnvWorkerDir)
	if name == "" || dir == "" {
		return fmt.Errorf("%s and %s must be set", process.EnvWorkerName, process.EnvWorkerDir)
	}

	sm := shutdown.New(10*time.Second, logger)
	defer sm.Shutdown()
	stop := sm.OnSignal(nil)
	defer stop()

	// SIGTERM from the runtime ends the application; the outcome is still
	// recorded
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	go func() {
		select {
		case <-sm.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	st, err := store.Open(ctx, cfg.Store, retry.DefaultConfig())
	if err != nil {
		return err
	}
	sm.Register("status store", shutdown.CloseResource(st))

	runner := &orchestrator.Runner{
		Name:         name,
		Dir:          dir,
		Store:        st,
		Applications: cfg.Applications,
		Logger:       logger,
		PassEnv:      []string{"PATH", "HOME", "TMPDIR"},
		Stdout:       os.Stdout,
		Stderr:       os.Stderr,
	}

	code, err := runner.Run(ctx)
	if err != nil {
		return &exitError{code: code, err: err}
	}
	if code != 0 {
		return &exitError{code: code, err: fmt.Errorf("application exited with code %d", code)}
	}
	return nil
}
