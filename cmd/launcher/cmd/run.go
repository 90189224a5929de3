package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/psantana5/orchestrator-launcher/internal/bundle"
	"github.com/psantana5/orchestrator-launcher/internal/heartbeat"
	"github.com/psantana5/orchestrator-launcher/internal/launcher"
	"github.com/psantana5/orchestrator-launcher/internal/process"
	"github.com/psantana5/orchestrator-launcher/internal/report"
	"github.com/psantana5/orchestrator-launcher/pkg/models"
	"github.com/psantana5/orchestrator-launcher/pkg/retry"
	"github.com/psantana5/orchestrator-launcher/pkg/shutdown"
	"github.com/psantana5/orchestrator-launcher/pkg/store"
	"github.com/psantana5/orchestrator-launcher/pkg/tracing"
)

var (
	runJobID           int64
	runAttemptID       int64
	runInputFile       string
	runDestinationFile string
	runResultFile      string
)

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the worker of a job attempt",
	Long: `Start the normalization worker for a job attempt, or attach to it if an earlier
launcher already started it, and wait for it to finish.

SIGINT and SIGTERM cancel the run and destroy the worker.`,
	Args: cobra.NoArgs,
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().Int64Var(&runJobID, "job-id", 0, "job id")
	runCmd.Flags().Int64Var(&runAttemptID, "attempt-id", 0, "attempt id")
	runCmd.Flags().StringVar(&runInputFile, "input", "", "normalization input JSON file")
	runCmd.Flags().StringVar(&runDestinationFile, "destination", "", "destination launcher config JSON file")
	runCmd.Flags().StringVar(&runResultFile, "result-file", "", "write the launch result as JSON to this file")
	runCmd.MarkFlagRequired("job-id")
	runCmd.MarkFlagRequired("input")
}

func readJSONFile(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return nil
}

func loadInput() (launcher.Input, error) {
	in := launcher.Input{
		JobRunConfig: models.JobRunConfig{JobID: runJobID, AttemptID: runAttemptID},
		DestinationLauncherConfig: models.IntegrationLauncherConfig{
			JobID:     runJobID,
			AttemptID: runAttemptID,
		},
	}
	if err := readJSONFile(runInputFile, &in.Normalization); err != nil {
		return in, err
	}
	if runDestinationFile != "" {
		if err := readJSONFile(runDestinationFile, &in.DestinationLauncherConfig); err != nil {
			return in, err
		}
	}
	return in, nil
}

// writeResultFile stores the outcome of a run for the caller. It is written
// whole or not at all.
func writeResultFile(path string, res *report.Result) error {
	if res == nil {
		return errors.New("no launch result")
	}
	data, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode launch result: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

func workerEntrypoint() ([]string, error) {
	if len(cfg.Runtime.Entrypoint) > 0 {
		return cfg.Runtime.Entrypoint, nil
	}
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("failed to locate launcher executable: %w", err)
	}
	return []string{exe, "orchestrate"}, nil
}

// checkApplication fails early when the built-in worker entrypoint would
// find no command for the application
func checkApplication(tag string) error {
	if len(cfg.Runtime.Entrypoint) > 0 {
		return nil
	}
	if _, ok := cfg.Applications[tag]; ok {
		return nil
	}
	configured := "none"
	if tags := cfg.ApplicationTags(); len(tags) > 0 {
		configured = strings.Join(tags, ", ")
	}
	return fmt.Errorf("no command configured for application %q (configured: %s)", tag, configured)
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	if !cfg.SharedStore() {
		return errors.New("store.type memory cannot be shared with workers; use sqlite, postgres or redis")
	}
	if err := checkApplication(bundle.ApplicationNormalization); err != nil {
		return err
	}

	in, err := loadInput()
	if err != nil {
		return err
	}
	entrypoint, err := workerEntrypoint()
	if err != nil {
		return err
	}

	st, err := store.Open(ctx, cfg.Store, retry.DefaultConfig())
	if err != nil {
		return err
	}

	sm := shutdown.New(30*time.Second, logger)
	defer sm.Shutdown()
	sm.Register("status store", shutdown.CloseResource(st))

	tp, err := tracing.InitTracer(ctx, cfg.Tracing)
	if err != nil {
		logger.Warn(fmt.Sprintf("Tracing disabled: %v", err))
		tp, _ = tracing.InitTracer(ctx, tracing.Config{ServiceName: cfg.Tracing.ServiceName})
	}
	sm.Register("tracer", tp.Shutdown)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	failures := report.NewFailureLog(100)

	rt := process.NewLocalRuntime(process.LocalConfig{
		WorkspaceRoot: cfg.WorkspaceRoot,
		Entrypoint:    entrypoint,
		Environ:       cfg.WorkerEnviron(),
		StopGrace:     cfg.Runtime.StopGrace,
		Cgroups:       cfg.Runtime.Cgroups,
	}, logger)

	l := launcher.NewWithRegistry(
		launcher.Config{
			WorkspaceRoot: cfg.WorkspaceRoot,
			Version:       cfg.Version,
			Resources:     cfg.Resources,
			Application:   bundle.ApplicationNormalization,
			AllowList:     cfg.EnvAllowList,
		},
		process.Attacher(st, rt,
			process.WithPollInterval(cfg.Runtime.PollInterval),
			process.WithLogger(logger),
		),
		reg,
		launcher.WithLogger(logger),
		launcher.WithTracer(tp.Tracer()),
		launcher.WithFailureLog(failures),
	)

	if cfg.Heartbeat.Enabled {
		srv, err := heartbeat.Listen(fmt.Sprintf(":%d", cfg.Heartbeat.Port), heartbeat.NewHandler(st, reg,
			heartbeat.WithFailureLog(failures),
			heartbeat.WithTracer(tp.Tracer()),
			heartbeat.WithRateLimit(10, 20),
			heartbeat.WithLogger(logger),
		))
		if err != nil {
			// the run does not depend on it
			logger.Warn(fmt.Sprintf("Heartbeat server not started: %v", err))
		} else {
			go func() {
				if err := srv.Serve(); err != nil {
					logger.Error(fmt.Sprintf("Heartbeat server failed: %v", err))
				}
			}()
			sm.Register("heartbeat server", shutdown.StopHTTPServer(srv))
		}
	}

	stop := sm.OnSignal(func(sig os.Signal) {
		l.Cancel()
	})
	defer stop()

	runErr := l.Run(ctx, in)
	if runResultFile != "" {
		if err := writeResultFile(runResultFile, l.LastResult()); err != nil {
			logger.Error(err.Error())
		}
	}
	return runErr
}
