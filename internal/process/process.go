// Package process implements the launcher's worker handle on top of a
// status store and a runtime that actually runs the worker.
//
// The store is the source of truth for a worker's lifecycle. The runtime
// is only asked whether the worker is still alive, so that a worker that
// died without recording an outcome is not waited on forever.
package process

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/psantana5/orchestrator-launcher/internal/launcher"
	"github.com/psantana5/orchestrator-launcher/pkg/logging"
	"github.com/psantana5/orchestrator-launcher/pkg/models"
	"github.com/psantana5/orchestrator-launcher/pkg/store"
)

// ExitCodeLost is reported for a worker that disappeared without recording
// a terminal status
const ExitCodeLost = 5

// ErrNotExited is returned by ExitCode while the worker is still running
var ErrNotExited = errors.New("process has not exited")

// Runtime runs workers by name
type Runtime interface {
	// Start launches the worker. It must not block until the worker exits.
	Start(ctx context.Context, name string, spec launcher.CreateSpec) error

	// IsRunning reports whether the worker is alive. Unknown names are not running.
	IsRunning(ctx context.Context, name string) (bool, error)

	// Stop terminates the worker. Unknown or finished workers are a no-op.
	Stop(ctx context.Context, name string) error
}

// AsyncProcess is a handle to one named worker
type AsyncProcess struct {
	name    string
	store   store.StatusStore
	runtime Runtime
	limiter *rate.Limiter
	logger  *logging.Logger
}

// Option configures an AsyncProcess
type Option func(*AsyncProcess)

// WithPollInterval sets how often WaitFor checks the worker
func WithPollInterval(d time.Duration) Option {
	return func(p *AsyncProcess) {
		if d > 0 {
			p.limiter = rate.NewLimiter(rate.Every(d), 1)
		}
	}
}

// WithLogger sets the logger
func WithLogger(logger *logging.Logger) Option {
	return func(p *AsyncProcess) {
		p.logger = logger.WithField("name", p.name)
	}
}

// Attach returns a handle bound to name. Nothing is created.
func Attach(name string, st store.StatusStore, rt Runtime, opts ...Option) *AsyncProcess {
	p := &AsyncProcess{
		name:    name,
		store:   st,
		runtime: rt,
		limiter: rate.NewLimiter(rate.Every(time.Second), 1),
		logger:  logging.Nop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Attacher returns a launcher.Attacher producing AsyncProcess handles
func Attacher(st store.StatusStore, rt Runtime, opts ...Option) launcher.Attacher {
	return launcher.AttacherFunc(func(name string) (launcher.Handle, error) {
		if st == nil || rt == nil {
			return nil, errors.New("process attacher needs a store and a runtime")
		}
		return Attach(name, st, rt, opts...), nil
	})
}

// Name returns the worker name
func (p *AsyncProcess) Name() string {
	return p.name
}

func (p *AsyncProcess) record(ctx context.Context) (*models.StatusRecord, error) {
	rec, err := p.store.Get(ctx, p.name)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	return rec, err
}

// CurrentStatus reads the persisted status
func (p *AsyncProcess) CurrentStatus(ctx context.Context) (models.LaunchStatus, error) {
	rec, err := p.record(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to read status of %s: %w", p.name, err)
	}
	if rec == nil {
		return models.LaunchStatusNotStarted, nil
	}
	return rec.Status, nil
}

// Create claims the name in the store and starts the worker. If the start
// fails the record is marked failed so later callers do not wait on it.
func (p *AsyncProcess) Create(ctx context.Context, spec launcher.CreateSpec) error {
	if err := p.store.Claim(ctx, p.name, spec.Labels); err != nil {
		return fmt.Errorf("failed to claim %s: %w", p.name, err)
	}

	if err := p.runtime.Start(ctx, p.name, spec); err != nil {
		if _, terr := p.store.Transition(ctx, p.name, models.LaunchStatusFailed, 1, "start failed: "+err.Error()); terr != nil {
			p.logger.Error(fmt.Sprintf("Failed to record start failure: %v", terr))
		}
		return fmt.Errorf("failed to start %s: %w", p.name, err)
	}

	p.logger.Debug("Worker started")
	return nil
}

// WaitFor blocks until the worker has a terminal status or is gone
func (p *AsyncProcess) WaitFor(ctx context.Context) error {
	for {
		if err := p.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("wait for %s interrupted: %w", p.name, err)
		}

		exited, err := p.HasExited(ctx)
		if err != nil {
			return err
		}
		if exited {
			return nil
		}
	}
}

// ExitCode returns the recorded exit code, or ExitCodeLost for a worker
// that is gone without one
func (p *AsyncProcess) ExitCode(ctx context.Context) (int, error) {
	rec, err := p.record(ctx)
	if err != nil {
		return -1, fmt.Errorf("failed to read status of %s: %w", p.name, err)
	}
	if code, ok := terminalCode(rec); ok {
		return code, nil
	}

	running, err := p.runtime.IsRunning(ctx, p.name)
	if err != nil {
		return -1, fmt.Errorf("failed to check %s: %w", p.name, err)
	}
	if running {
		return -1, ErrNotExited
	}

	// the worker may have written its outcome just before exiting
	rec, err = p.record(ctx)
	if err != nil {
		return -1, fmt.Errorf("failed to read status of %s: %w", p.name, err)
	}
	if code, ok := terminalCode(rec); ok {
		return code, nil
	}

	p.markLost(ctx, rec, "worker exited without recording a status")
	return ExitCodeLost, nil
}

// HasExited reports whether the worker is terminal or gone
func (p *AsyncProcess) HasExited(ctx context.Context) (bool, error) {
	rec, err := p.record(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to read status of %s: %w", p.name, err)
	}
	if rec != nil && models.IsTerminalState(rec.Status) {
		return true, nil
	}

	running, err := p.runtime.IsRunning(ctx, p.name)
	if err != nil {
		return false, fmt.Errorf("failed to check %s: %w", p.name, err)
	}
	return !running, nil
}

// Destroy stops the worker and, if it left no outcome, records it as lost
func (p *AsyncProcess) Destroy(ctx context.Context) error {
	p.logger.Debug(fmt.Sprintf("Closing %s process", p.name))
	if err := p.runtime.Stop(ctx, p.name); err != nil {
		return fmt.Errorf("failed to stop %s: %w", p.name, err)
	}

	running, err := p.runtime.IsRunning(ctx, p.name)
	if err != nil || running {
		return err
	}
	rec, err := p.record(ctx)
	if err != nil {
		return nil
	}
	p.markLost(ctx, rec, "destroyed")
	return nil
}

func (p *AsyncProcess) markLost(ctx context.Context, rec *models.StatusRecord, reason string) {
	if rec == nil || models.IsTerminalState(rec.Status) {
		return
	}
	if _, err := p.store.Transition(ctx, p.name, models.LaunchStatusFailed, ExitCodeLost, reason); err != nil {
		p.logger.Warn(fmt.Sprintf("Failed to record lost worker: %v", err))
	}
}

// terminalCode maps a terminal record to an exit code. A failed record
// without a code still reads as a failure.
func terminalCode(rec *models.StatusRecord) (int, bool) {
	if rec == nil {
		return 0, false
	}
	switch rec.Status {
	case models.LaunchStatusSucceeded:
		return 0, true
	case models.LaunchStatusFailed:
		if rec.ExitCode == 0 {
			return 1, true
		}
		return rec.ExitCode, true
	default:
		return 0, false
	}
}
