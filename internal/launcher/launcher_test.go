package launcher

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/orchestrator-launcher/internal/bundle"
	"github.com/psantana5/orchestrator-launcher/internal/report"
	"github.com/psantana5/orchestrator-launcher/pkg/logging"
	"github.com/psantana5/orchestrator-launcher/pkg/models"
)

// fakeHandle records every call made through the handle contract
type fakeHandle struct {
	mu sync.Mutex

	status    models.LaunchStatus
	statusErr error
	createErr error
	waitErr   error
	exitCode  int
	exitErr   error
	destroyFn func(n int)
	exited    []bool // HasExited answers, consumed in order

	calls     []string
	creates   []CreateSpec
	destroys  int
	waitBlock chan struct{}
}

func (h *fakeHandle) record(call string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, call)
}

func (h *fakeHandle) CurrentStatus(ctx context.Context) (models.LaunchStatus, error) {
	h.record("status")
	return h.status, h.statusErr
}

func (h *fakeHandle) Create(ctx context.Context, spec CreateSpec) error {
	h.record("create")
	h.mu.Lock()
	h.creates = append(h.creates, spec)
	h.mu.Unlock()
	return h.createErr
}

func (h *fakeHandle) WaitFor(ctx context.Context) error {
	h.record("wait")
	if h.waitBlock != nil {
		<-h.waitBlock
	}
	return h.waitErr
}

func (h *fakeHandle) ExitCode(ctx context.Context) (int, error) {
	h.record("exit_code")
	return h.exitCode, h.exitErr
}

func (h *fakeHandle) Destroy(ctx context.Context) error {
	h.record("destroy")
	h.mu.Lock()
	h.destroys++
	n := h.destroys
	h.mu.Unlock()
	if h.destroyFn != nil {
		h.destroyFn(n)
	}
	return nil
}

func (h *fakeHandle) HasExited(ctx context.Context) (bool, error) {
	h.record("has_exited")
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.exited) == 0 {
		return false, nil
	}
	v := h.exited[0]
	h.exited = h.exited[1:]
	return v, nil
}

func (h *fakeHandle) count(call string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, c := range h.calls {
		if c == call {
			n++
		}
	}
	return n
}

func newTestLauncher(t *testing.T, h *fakeHandle, opts ...Option) (*Launcher, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	attacher := AttacherFunc(func(name string) (Handle, error) {
		return h, nil
	})
	opts = append([]Option{WithEnviron(func() []string {
		return []string{"WORKER_ENVIRONMENT=DOCKER", "SECRET=x"}
	})}, opts...)
	l := NewWithRegistry(Config{Version: "0.40.0"}, attacher, reg, opts...)
	return l, reg
}

func testInput(jobID, attemptID int64) Input {
	return Input{
		JobRunConfig: models.JobRunConfig{JobID: jobID, AttemptID: attemptID},
	}
}

func TestRunCreatesWhenNotStarted(t *testing.T) {
	h := &fakeHandle{status: models.LaunchStatusNotStarted}
	l, reg := newTestLauncher(t, h)

	err := l.Run(context.Background(), testInput(42, 0))
	require.NoError(t, err)

	assert.Equal(t, []string{"status", "create", "wait", "exit_code"}, h.calls)
	require.Len(t, h.creates, 1)

	spec := h.creates[0]
	assert.Equal(t, "0.40.0", spec.Version)
	assert.Equal(t, map[string]string{
		"job_id":       "42",
		"attempt_id":   "0",
		"orchestrator": "worker-process",
	}, spec.Labels)
	assert.Equal(t, bundle.DefaultPorts(), spec.Ports)
	assert.Equal(t, map[string]string{"WORKER_ENVIRONMENT": "DOCKER"}, spec.Bundle.Env())

	assert.Equal(t, 1.0, testutil.ToFloat64(l.metrics.runs.WithLabelValues("succeeded")))
	assert.Equal(t, 1.0, testutil.ToFloat64(l.metrics.launches.WithLabelValues("create")))
	assert.Equal(t, 0.0, testutil.ToFloat64(l.metrics.activeRuns))
	_, err = reg.Gather()
	assert.NoError(t, err)

	res := l.LastResult()
	require.NotNil(t, res)
	assert.Equal(t, "orchestrator-norm-j-42-a-0", res.Name)
	assert.Equal(t, report.ModeCreate, res.Mode)
}

func TestRunAttachesWhenAlreadyPresent(t *testing.T) {
	statuses := []models.LaunchStatus{
		models.LaunchStatusInitializing,
		models.LaunchStatusRunning,
		models.LaunchStatusSucceeded,
		models.LaunchStatusFailed,
	}
	for _, status := range statuses {
		t.Run(string(status), func(t *testing.T) {
			h := &fakeHandle{status: status}
			l, _ := newTestLauncher(t, h)

			err := l.Run(context.Background(), testInput(42, 0))
			require.NoError(t, err)

			assert.Equal(t, 0, h.count("create"))
			assert.Equal(t, 1, h.count("wait"))
			assert.Equal(t, report.ModeAttach, l.LastResult().Mode)
		})
	}
}

func TestRunNonZeroExit(t *testing.T) {
	h := &fakeHandle{status: models.LaunchStatusNotStarted, exitCode: 17}
	l, _ := newTestLauncher(t, h)

	err := l.Run(context.Background(), testInput(42, 0))
	require.Error(t, err)

	var nz *NonZeroExitError
	require.True(t, errors.As(err, &nz))
	assert.Equal(t, 17, nz.Code)
	assert.False(t, errors.Is(err, ErrCancelled))

	var lerr *Error
	require.True(t, errors.As(err, &lerr))
	assert.Equal(t, KindFailed, lerr.Kind)
	assert.Equal(t, "orchestrator-norm-j-42-a-0", lerr.Name)

	code, ok := ExitCodeOf(err)
	assert.True(t, ok)
	assert.Equal(t, 17, code)
	assert.Equal(t, 1.0, testutil.ToFloat64(l.metrics.runs.WithLabelValues("non_zero_exit")))
}

func TestRunCancelledBeforeCreateFailure(t *testing.T) {
	h := &fakeHandle{status: models.LaunchStatusNotStarted, createErr: errors.New("pod rejected")}
	l, _ := newTestLauncher(t, h)

	l.Cancel()
	err := l.Run(context.Background(), testInput(42, 0))
	require.Error(t, err)

	assert.True(t, errors.Is(err, ErrCancelled))
	var lerr *Error
	require.True(t, errors.As(err, &lerr))
	assert.Equal(t, KindCancelled, lerr.Kind)

	// the cause is still reachable
	var launchErr *LaunchError
	assert.True(t, errors.As(err, &launchErr))
	assert.Equal(t, 0, h.count("wait"))
	assert.Equal(t, 0, h.destroys)
}

func TestRunFailures(t *testing.T) {
	boom := errors.New("boom")
	tests := []struct {
		name   string
		handle *fakeHandle
		check  func(t *testing.T, err error)
	}{
		{
			name:   "create",
			handle: &fakeHandle{status: models.LaunchStatusNotStarted, createErr: boom},
			check: func(t *testing.T, err error) {
				var e *LaunchError
				assert.True(t, errors.As(err, &e))
			},
		},
		{
			name:   "status",
			handle: &fakeHandle{statusErr: boom},
			check: func(t *testing.T, err error) {
				var e *WaitError
				require.True(t, errors.As(err, &e))
				assert.Equal(t, "status", e.Op)
			},
		},
		{
			name:   "wait",
			handle: &fakeHandle{status: models.LaunchStatusRunning, waitErr: boom},
			check: func(t *testing.T, err error) {
				var e *WaitError
				require.True(t, errors.As(err, &e))
				assert.Equal(t, "wait", e.Op)
			},
		},
		{
			name:   "exit_code",
			handle: &fakeHandle{status: models.LaunchStatusRunning, exitErr: boom},
			check: func(t *testing.T, err error) {
				var e *WaitError
				require.True(t, errors.As(err, &e))
				assert.Equal(t, "exit_code", e.Op)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, _ := newTestLauncher(t, tt.handle)
			err := l.Run(context.Background(), testInput(7, 1))
			require.Error(t, err)
			assert.True(t, errors.Is(err, boom))
			assert.False(t, errors.Is(err, ErrCancelled))
			tt.check(t, err)
		})
	}
}

func TestRunSerializationFailure(t *testing.T) {
	h := &fakeHandle{status: models.LaunchStatusNotStarted}
	l, _ := newTestLauncher(t, h)

	in := testInput(1, 0)
	in.Normalization.Catalog = []byte("{broken")
	err := l.Run(context.Background(), in)

	var serr *bundle.SerializationError
	require.True(t, errors.As(err, &serr))
	assert.Empty(t, h.calls)
}

func TestRunSerializationFailureWhenAttaching(t *testing.T) {
	h := &fakeHandle{status: models.LaunchStatusRunning}
	l, _ := newTestLauncher(t, h)

	in := testInput(1, 0)
	in.Normalization.Catalog = []byte("{broken")
	err := l.Run(context.Background(), in)

	var serr *bundle.SerializationError
	require.True(t, errors.As(err, &serr))
	assert.Equal(t, 0, h.count("wait"))
	assert.Equal(t, "", l.LastResult().Mode)
}

func TestRunAttachFailure(t *testing.T) {
	l := New(Config{}, AttacherFunc(func(name string) (Handle, error) {
		return nil, errors.New("no store")
	}))

	err := l.Run(context.Background(), testInput(1, 0))
	var launchErr *LaunchError
	require.True(t, errors.As(err, &launchErr))

	// nothing was published, so Cancel has nothing to destroy
	l.Cancel()
	assert.True(t, l.Cancelled())
}

func TestCancelDuringWait(t *testing.T) {
	h := &fakeHandle{
		status:    models.LaunchStatusRunning,
		waitBlock: make(chan struct{}),
		exitCode:  5,
		exited:    []bool{true},
	}
	h.destroyFn = func(int) { close(h.waitBlock) }
	l, _ := newTestLauncher(t, h)

	errCh := make(chan error, 1)
	go func() {
		errCh <- l.Run(context.Background(), testInput(42, 0))
	}()

	require.Eventually(t, func() bool { return h.count("wait") == 1 }, time.Second, time.Millisecond)
	l.Cancel()

	select {
	case err := <-errCh:
		assert.True(t, errors.Is(err, ErrCancelled))
		code, ok := ExitCodeOf(err)
		assert.True(t, ok)
		assert.Equal(t, 5, code)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Cancel")
	}
	assert.Equal(t, 1, h.destroys)
	assert.Equal(t, 1.0, testutil.ToFloat64(l.metrics.runs.WithLabelValues("cancelled")))
}

func TestCancelRetriesDestroyOnce(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.NewLogger(logging.DEBUG, false)
	logger.SetOutput(&buf)

	h := &fakeHandle{status: models.LaunchStatusRunning, exited: []bool{false, true}}
	l, _ := newTestLauncher(t, h, WithLogger(logger))
	require.NoError(t, l.Run(context.Background(), testInput(42, 0)))

	l.Cancel()

	assert.Equal(t, 2, h.destroys)
	assert.Equal(t, 2, h.count("has_exited"))
	assert.Contains(t, buf.String(), "Successfully cancelled process.")
	assert.Equal(t, 2.0, testutil.ToFloat64(l.metrics.destroys))
	assert.Equal(t, 1.0, testutil.ToFloat64(l.metrics.cancels.WithLabelValues("terminated")))
}

func TestCancelSingleDestroyWhenExited(t *testing.T) {
	h := &fakeHandle{status: models.LaunchStatusSucceeded, exited: []bool{true}}
	l, _ := newTestLauncher(t, h)
	require.NoError(t, l.Run(context.Background(), testInput(42, 0)))

	l.Cancel()
	assert.Equal(t, 1, h.destroys)
}

func TestCancelGivesUpAfterTwoDestroys(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.NewLogger(logging.INFO, false)
	logger.SetOutput(&buf)

	h := &fakeHandle{status: models.LaunchStatusRunning}
	l, _ := newTestLauncher(t, h, WithLogger(logger))
	require.NoError(t, l.Run(context.Background(), testInput(42, 0)))

	assert.NotPanics(t, l.Cancel)
	assert.Equal(t, 2, h.destroys)
	assert.Contains(t, buf.String(), "Unable to cancel process")
	assert.Equal(t, 1.0, testutil.ToFloat64(l.metrics.cancels.WithLabelValues("unconfirmed")))

	// a second call is bounded the same way
	l.Cancel()
	assert.Equal(t, 4, h.destroys)
}

func TestCancelWithoutHandle(t *testing.T) {
	h := &fakeHandle{}
	l, _ := newTestLauncher(t, h)

	assert.NotPanics(t, l.Cancel)
	assert.NotPanics(t, l.Cancel)
	assert.True(t, l.Cancelled())
	assert.Equal(t, 0, h.destroys)
	assert.Equal(t, 2.0, testutil.ToFloat64(l.metrics.cancels.WithLabelValues("no_handle")))
}

func TestFailureLogRecordsUnsuccessfulRuns(t *testing.T) {
	failures := report.NewFailureLog(10)
	h := &fakeHandle{status: models.LaunchStatusRunning, exitCode: 3}
	l, _ := newTestLauncher(t, h, WithFailureLog(failures))

	require.Error(t, l.Run(context.Background(), testInput(9, 9)))
	recent := failures.Recent(1)
	require.Len(t, recent, 1)
	assert.Equal(t, report.OutcomeNonZeroExit, recent[0].Outcome)
	assert.Equal(t, 3, recent[0].ExitCode)
}
