package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/psantana5/orchestrator-launcher/internal/config"
	"github.com/psantana5/orchestrator-launcher/internal/launcher"
	"github.com/psantana5/orchestrator-launcher/pkg/logging"
)

// logComponent is the log directory of file loggers
const logComponent = "launcher"

var (
	cfgFile      string
	outputFormat string

	cfg    *config.Config
	logger *logging.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "launcher",
	Short: "Resumable launcher for orchestrator workers",
	Long: `launcher starts the remote worker of a job attempt, or re-attaches to the one
a previous launcher started, and waits for it to finish.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: initConfig,
}

// Execute adds all child commands to the root command and sets flags appropriately
func Execute() error {
	return rootCmd.Execute()
}

// exitError carries the process exit code for a failed command
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

// ExitCodeCancelled is returned for a run that was cancelled by a signal,
// whatever code the destroyed worker was recorded with
const ExitCodeCancelled = 130

// ExitCode maps a command error to the process exit code. A worker that
// exited non-zero passes its code through.
func ExitCode(err error) int {
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	if errors.Is(err, launcher.ErrCancelled) {
		return ExitCodeCancelled
	}
	if code, ok := launcher.ExitCodeOf(err); ok && code > 0 && code < 256 {
		return code
	}
	return 1
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.launcher/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "output", "table", "output format: table, json or yaml")
}

// initConfig reads the config file and LAUNCHER_* environment overrides
func initConfig(cmd *cobra.Command, args []string) error {
	v := viper.New()
	config.Prepare(v, cfgFile)

	loaded, err := config.Load(v)
	if err != nil {
		return err
	}
	cfg = loaded

	logger, err = newLogger(cfg.Log, cmd.Name())
	if err != nil {
		return err
	}
	return nil
}

func newLogger(c config.LogConfig, component string) (*logging.Logger, error) {
	level := logging.ParseLevel(c.Level)
	if !c.File {
		return logging.NewLogger(level, c.JSON), nil
	}
	l, err := logging.NewFileLogger(logComponent, component, level, c.JSON)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: file logging unavailable: %v\n", err)
		return logging.NewLogger(level, c.JSON), nil
	}
	return l, nil
}

func checkOutputFormat() error {
	switch outputFormat {
	case "table", "json", "yaml":
		return nil
	default:
		return fmt.Errorf("unknown output format %q (table, json or yaml)", outputFormat)
	}
}
