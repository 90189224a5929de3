// Package orchestrator is the worker side of a launch: it runs inside the
// directory the runtime prepared, executes the configured application and
// records its outcome in the status store.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/psantana5/orchestrator-launcher/internal/bundle"
	"github.com/psantana5/orchestrator-launcher/internal/observe"
	"github.com/psantana5/orchestrator-launcher/internal/wrapper"
	"github.com/psantana5/orchestrator-launcher/pkg/logging"
	"github.com/psantana5/orchestrator-launcher/pkg/models"
	"github.com/psantana5/orchestrator-launcher/pkg/store"
)

// EnvInputDir tells the application where its input files are
const EnvInputDir = "INPUT_DIR"

// ErrUnknownApplication is returned when no command is configured for the
// worker's application tag
var ErrUnknownApplication = errors.New("unknown application")

// Runner executes one worker
type Runner struct {
	Name         string
	Dir          string
	Store        store.StatusStore
	Applications map[string][]string
	Logger       *logging.Logger

	// PassEnv names variables of the runner's own environment that the
	// application also gets, on top of the snapshot (PATH for lookups)
	PassEnv []string
	Stdout  io.Writer
	Stderr  io.Writer
}

// Run executes the application and records the outcome. The returned exit
// code is what was recorded.
func (r *Runner) Run(ctx context.Context) (int, error) {
	logger := r.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	logger = logger.WithField("name", r.Name)

	command, env, err := r.prepare()
	if err != nil {
		r.finish(ctx, logger, 1, err.Error())
		return 1, err
	}

	if _, err := r.Store.Transition(ctx, r.Name, models.LaunchStatusRunning, 0, "worker started"); err != nil {
		// a destroyed or already finished worker must not run again
		return 1, fmt.Errorf("failed to mark %s running: %w", r.Name, err)
	}

	span := observe.Begin()
	logger.Info(fmt.Sprintf("Running %s", strings.Join(command, " ")))

	code, runErr := wrapper.Run(ctx, wrapper.Spec{
		Command: command[0],
		Args:    command[1:],
		Dir:     r.Dir,
		Env:     env,
		Stdout:  r.Stdout,
		Stderr:  r.Stderr,

		// a SIGKILL to the worker's group must take the application with it
		SameGroup: true,
	})

	reason := fmt.Sprintf("exited after %.0fs", span.End().Seconds())
	if runErr != nil {
		reason = runErr.Error()
		if code == 0 {
			code = 1
		}
	}
	if code < 0 {
		code = 1
	}

	r.finish(ctx, logger, code, reason)
	return code, runErr
}

func (r *Runner) finish(ctx context.Context, logger *logging.Logger, code int, reason string) {
	status := models.LaunchStatusSucceeded
	if code != 0 {
		status = models.LaunchStatusFailed
	}

	// record the outcome even if ctx was cancelled
	if ctx.Err() != nil {
		ctx = context.Background()
	}
	if _, err := r.Store.Transition(ctx, r.Name, status, code, reason); err != nil {
		logger.Error(fmt.Sprintf("Failed to record outcome %s: %v", status, err))
		return
	}
	logger.Info(fmt.Sprintf("Worker finished: %s (exit %d)", status, code))
}

// prepare resolves the command and environment from the worker directory
func (r *Runner) prepare() ([]string, []string, error) {
	app, err := os.ReadFile(filepath.Join(r.Dir, bundle.FileApplication))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read application tag: %w", err)
	}
	tag := strings.TrimSpace(string(app))

	command, ok := r.Applications[tag]
	if !ok || len(command) == 0 {
		return nil, nil, fmt.Errorf("%w: %q", ErrUnknownApplication, tag)
	}

	snapshot := make(map[string]string)
	data, err := os.ReadFile(filepath.Join(r.Dir, bundle.FileEnvMap))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, nil, fmt.Errorf("failed to read environment snapshot: %w", err)
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &snapshot); err != nil {
			return nil, nil, fmt.Errorf("failed to decode environment snapshot: %w", err)
		}
	}

	for _, key := range r.PassEnv {
		if _, set := snapshot[key]; set {
			continue
		}
		if v, ok := os.LookupEnv(key); ok {
			snapshot[key] = v
		}
	}
	snapshot[EnvInputDir] = r.Dir

	env := make([]string, 0, len(snapshot))
	for k, v := range snapshot {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)

	return command, env, nil
}
