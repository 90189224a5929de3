// Package launcher starts, or re-attaches to, the remote worker of a task
// attempt and waits for it to finish.
//
// Run may be invoked again for the same job and attempt after a crash: the
// worker is created only while its persisted status reads not_started, and
// the wait always goes through the same handle contract, so a second Run
// attaches to the worker the first one created. Cancel may be called from
// another goroutine at any time.
package launcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/psantana5/orchestrator-launcher/internal/bundle"
	"github.com/psantana5/orchestrator-launcher/internal/identity"
	"github.com/psantana5/orchestrator-launcher/internal/report"
	"github.com/psantana5/orchestrator-launcher/pkg/logging"
	"github.com/psantana5/orchestrator-launcher/pkg/models"
	"github.com/psantana5/orchestrator-launcher/pkg/tracing"
)

// Handle is the only way Run and Cancel touch a remote worker
type Handle interface {
	// CurrentStatus reads the persisted status. A worker that was never
	// created reads as not_started.
	CurrentStatus(ctx context.Context) (models.LaunchStatus, error)

	// Create starts the worker. Only valid while the status is not_started.
	Create(ctx context.Context, spec CreateSpec) error

	// WaitFor blocks until the worker is terminal. It works the same for a
	// worker created by an earlier, now gone, caller.
	WaitFor(ctx context.Context) error

	// ExitCode is valid once WaitFor returned nil
	ExitCode(ctx context.Context) (int, error)

	// Destroy terminates the worker. No-op on absent or finished workers.
	Destroy(ctx context.Context) error

	HasExited(ctx context.Context) (bool, error)
}

// CreateSpec is everything a worker is created with
type CreateSpec struct {
	Version   string
	Labels    map[string]string
	Resources models.ResourceRequirements
	Bundle    *bundle.Bundle
	Ports     map[int]int
}

// Attacher binds a handle to a worker name without creating anything
type Attacher interface {
	Attach(name string) (Handle, error)
}

// AttacherFunc adapts a function to Attacher
type AttacherFunc func(name string) (Handle, error)

func (f AttacherFunc) Attach(name string) (Handle, error) {
	return f(name)
}

// Config is the static launcher configuration
type Config struct {
	WorkspaceRoot string
	Version       string
	Resources     models.ResourceRequirements
	Application   string
	AllowList     []string
}

// Input is what a single Run works on
type Input struct {
	JobRunConfig              models.JobRunConfig
	Normalization             models.NormalizationInput
	DestinationLauncherConfig models.IntegrationLauncherConfig
}

// Option configures a Launcher
type Option func(*Launcher)

// WithLogger sets the logger
func WithLogger(logger *logging.Logger) Option {
	return func(l *Launcher) { l.logger = logger }
}

// WithTracer sets the tracer used for Run and Cancel spans
func WithTracer(tracer trace.Tracer) Option {
	return func(l *Launcher) { l.tracer = tracer }
}

// WithMetrics sets the prometheus collectors
func WithMetrics(m *Metrics) Option {
	return func(l *Launcher) { l.metrics = m }
}

// WithEnviron overrides the environment the bundle snapshot is taken from
func WithEnviron(environ func() []string) Option {
	return func(l *Launcher) { l.environ = environ }
}

// WithFailureLog records unsuccessful runs in log
func WithFailureLog(log *report.FailureLog) Option {
	return func(l *Launcher) { l.failures = log }
}

// Launcher runs one task attempt at a time
type Launcher struct {
	config   Config
	attacher Attacher

	logger   *logging.Logger
	tracer   trace.Tracer
	metrics  *Metrics
	environ  func() []string
	failures *report.FailureLog

	cancelled atomic.Bool

	mu     sync.Mutex
	handle Handle

	lastMu     sync.Mutex
	lastResult *report.Result
}

// New creates a launcher
func New(config Config, attacher Attacher, opts ...Option) *Launcher {
	if config.Application == "" {
		config.Application = bundle.ApplicationNormalization
	}
	if config.AllowList == nil {
		config.AllowList = bundle.DefaultAllowList
	}

	l := &Launcher{
		config:   config,
		attacher: attacher,
		logger:   logging.Nop(),
		tracer:   tracing.NoopTracer(),
		environ:  os.Environ,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.metrics == nil {
		l.metrics = NewMetrics(nil)
	}
	return l
}

// NewWithRegistry is New with metrics registered on reg
func NewWithRegistry(config Config, attacher Attacher, reg prometheus.Registerer, opts ...Option) *Launcher {
	return New(config, attacher, append([]Option{WithMetrics(NewMetrics(reg))}, opts...)...)
}

// Run starts or attaches to the worker for in.JobRunConfig and blocks until
// it is done. It returns nil on exit code 0 and an *Error otherwise.
func (l *Launcher) Run(ctx context.Context, in Input) error {
	start := time.Now()
	task := identity.FromJobRunConfig(in.JobRunConfig)
	name := task.Name()

	ctx, span := l.tracer.Start(ctx, "launcher.Run", trace.WithAttributes(
		attribute.String("worker.name", name),
		attribute.Int64("job.id", task.JobID),
		attribute.Int64("job.attempt", task.AttemptID),
	))
	defer span.End()

	logger := l.logger.WithFields(map[string]interface{}{
		"name":       name,
		"job_id":     task.JobID,
		"attempt_id": task.AttemptID,
	})

	l.metrics.activeRuns.Inc()
	defer l.metrics.activeRuns.Dec()

	mode, code, err := l.run(ctx, logger, task, in)

	outcome := report.OutcomeSucceeded
	switch {
	case errors.Is(err, ErrCancelled):
		outcome = report.OutcomeCancelled
	case err != nil:
		if _, ok := ExitCodeOf(err); ok {
			outcome = report.OutcomeNonZeroExit
		} else {
			outcome = report.OutcomeFailed
		}
	}

	result := report.NewResult(name, task.JobID, task.AttemptID, mode, outcome, code, err, start, time.Now())
	result.LogSummary(logger)
	l.lastMu.Lock()
	l.lastResult = result
	l.lastMu.Unlock()
	if l.failures != nil {
		l.failures.Record(result)
	}

	l.metrics.runs.WithLabelValues(outcome).Inc()
	l.metrics.runDuration.WithLabelValues(outcome).Observe(result.Duration.Seconds())

	span.SetAttributes(attribute.String("launch.outcome", outcome))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
	}
	return err
}

// run holds the launch protocol. Every failure goes through fail, which
// reads the cancellation flag at the moment the failure is captured. A
// Cancel that lands after that read is reported as a plain failure.
func (l *Launcher) run(ctx context.Context, logger *logging.Logger, task identity.Task, in Input) (mode string, code int, err error) {
	name := task.Name()
	code = -1

	fail := func(cause error) error {
		kind := KindFailed
		if l.cancelled.Load() {
			kind = KindCancelled
		}
		return &Error{Kind: kind, Name: name, Err: cause}
	}

	// built on every run, including runs that only attach
	b, err := bundle.Assemble(bundle.Inputs{
		Application:               l.config.Application,
		JobRunConfig:              in.JobRunConfig,
		Input:                     in.Normalization,
		DestinationLauncherConfig: in.DestinationLauncherConfig,
		Environ:                   l.environ(),
		AllowList:                 l.config.AllowList,
	})
	if err != nil {
		return "", code, fail(err)
	}

	handle, err := l.attacher.Attach(name)
	if err != nil {
		return "", code, fail(&LaunchError{Name: name, Err: fmt.Errorf("attach: %w", err)})
	}
	l.publish(handle)

	status, err := handle.CurrentStatus(ctx)
	if err != nil {
		return "", code, fail(&WaitError{Name: name, Op: "status", Err: err})
	}

	if status == models.LaunchStatusNotStarted {
		mode = report.ModeCreate
		logger.Info("Creating orchestrator worker")
		err = handle.Create(ctx, CreateSpec{
			Version:   l.config.Version,
			Labels:    task.Labels(),
			Resources: l.config.Resources,
			Bundle:    b,
			Ports:     bundle.DefaultPorts(),
		})
		if err != nil {
			return mode, code, fail(&LaunchError{Name: name, Err: err})
		}
	} else {
		mode = report.ModeAttach
		logger.Info(fmt.Sprintf("Orchestrator worker already exists with status %s, attaching", status))
	}
	l.metrics.launches.WithLabelValues(mode).Inc()

	if err := handle.WaitFor(ctx); err != nil {
		return mode, code, fail(&WaitError{Name: name, Op: "wait", Err: err})
	}

	code, err = handle.ExitCode(ctx)
	if err != nil {
		return mode, -1, fail(&WaitError{Name: name, Op: "exit_code", Err: err})
	}
	if code != 0 {
		return mode, code, fail(&NonZeroExitError{Name: name, Code: code})
	}
	return mode, code, nil
}

// Cancel requests termination of the current worker. It never fails: an
// unconfirmed termination is logged and left to external reconciliation.
// It may be called before Run and more than once.
func (l *Launcher) Cancel() {
	l.cancelled.Store(true)

	ctx, span := l.tracer.Start(context.Background(), "launcher.Cancel")
	defer span.End()

	handle := l.currentHandle()
	if handle == nil {
		l.metrics.cancels.WithLabelValues("no_handle").Inc()
		l.logger.Debug("Cancel requested before the worker handle exists")
		return
	}

	exited := false
	for attempt := 1; attempt <= 2 && !exited; attempt++ {
		l.metrics.destroys.Inc()
		if err := handle.Destroy(ctx); err != nil {
			l.logger.Warn(fmt.Sprintf("Destroy attempt %d failed: %v", attempt, err))
		}
		var err error
		exited, err = handle.HasExited(ctx)
		if err != nil {
			l.logger.Warn(fmt.Sprintf("Exit check after destroy attempt %d failed: %v", attempt, err))
			exited = false
		}
	}

	span.SetAttributes(attribute.Bool("worker.exited", exited))
	if exited {
		l.metrics.cancels.WithLabelValues("terminated").Inc()
		l.logger.Info("Successfully cancelled process.")
		return
	}
	l.metrics.cancels.WithLabelValues("unconfirmed").Inc()
	l.logger.Error("Unable to cancel process")
}

// Cancelled reports whether Cancel has been called
func (l *Launcher) Cancelled() bool {
	return l.cancelled.Load()
}

// LastResult returns the result of the most recent Run, or nil
func (l *Launcher) LastResult() *report.Result {
	l.lastMu.Lock()
	defer l.lastMu.Unlock()
	return l.lastResult
}

func (l *Launcher) publish(h Handle) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handle = h
}

func (l *Launcher) currentHandle() Handle {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.handle
}
