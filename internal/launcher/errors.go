package launcher

import (
	"errors"
	"fmt"
)

// ErrCancelled is matched by every error returned from a cancelled Run
var ErrCancelled = errors.New("launch cancelled")

// Kind classifies the single error a Run returns
type Kind int

const (
	KindFailed    Kind = iota // Launch, wait or exit-code failure
	KindCancelled             // Cancel was requested before the failure was captured
)

func (k Kind) String() string {
	switch k {
	case KindCancelled:
		return "cancelled"
	default:
		return "failed"
	}
}

// Error is the error returned by Run
type Error struct {
	Kind Kind
	Name string // worker name, empty if identity was never derived
	Err  error
}

func (e *Error) Error() string {
	if e.Name == "" {
		return fmt.Sprintf("orchestrator launch %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("orchestrator %s %s: %v", e.Name, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, ErrCancelled) hold for cancelled runs
func (e *Error) Is(target error) bool {
	return target == ErrCancelled && e.Kind == KindCancelled
}

// LaunchError reports that creating the remote worker failed
type LaunchError struct {
	Name string
	Err  error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("failed to create %s: %v", e.Name, e.Err)
}

func (e *LaunchError) Unwrap() error {
	return e.Err
}

// WaitError reports a failure while waiting on or inspecting the worker
type WaitError struct {
	Name string
	Op   string // "status", "wait" or "exit_code"
	Err  error
}

func (e *WaitError) Error() string {
	return fmt.Sprintf("%s failed for %s: %v", e.Op, e.Name, e.Err)
}

func (e *WaitError) Unwrap() error {
	return e.Err
}

// NonZeroExitError reports a worker that ran to completion and failed
type NonZeroExitError struct {
	Name string
	Code int
}

func (e *NonZeroExitError) Error() string {
	return fmt.Sprintf("%s exited with code %d", e.Name, e.Code)
}

// ExitCodeOf returns the worker exit code carried by err, if any
func ExitCodeOf(err error) (int, bool) {
	var nz *NonZeroExitError
	if errors.As(err, &nz) {
		return nz.Code, true
	}
	return 0, false
}
