package wrapper

// A spawned worker must outlive the process that spawned it. Workers get
// their own process group and are never tied to the caller's context.
// Children that must die with their parent share its group instead.

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"syscall"
)

// Spec describes a process to start
type Spec struct {
	Command string
	Args    []string
	Dir     string
	Env     []string // the whole environment; must be non-nil, empty means none
	Stdout  io.Writer
	Stderr  io.Writer

	// SameGroup keeps the process in the caller's process group, so a
	// signal sent to the caller's group reaches it too
	SameGroup bool
}

// Spawn starts a process and returns without waiting. Unless SameGroup is
// set it leads a new process group. The caller owns reaping it via cmd.Wait.
func Spawn(spec Spec) (*exec.Cmd, error) {
	if spec.Command == "" {
		return nil, errors.New("no command to spawn")
	}
	// exec treats a nil Env as "inherit everything"
	if spec.Env == nil {
		return nil, fmt.Errorf("no environment given for %s", spec.Command)
	}

	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = spec.Env
	cmd.Stdout = spec.Stdout
	cmd.Stderr = spec.Stderr

	if !spec.SameGroup {
		// New process group so the worker survives the launcher and can be
		// signalled as a whole
		cmd.SysProcAttr = &syscall.SysProcAttr{
			Setpgid: true,
			Pgid:    0,
		}
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", spec.Command, err)
	}
	return cmd, nil
}

// KillGroup sends sig to the process group led by pid. A group that no
// longer exists is not an error.
func KillGroup(pid int, sig syscall.Signal) error {
	if pid <= 0 {
		return fmt.Errorf("invalid pid: %d", pid)
	}
	err := syscall.Kill(-pid, sig)
	if err == nil || errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return fmt.Errorf("failed to signal process group %d: %w", pid, err)
}

// Run starts a process and waits for it. When ctx is done the process is
// killed, together with its group unless it shares the caller's. The exit
// code is -1 if the process was killed by a signal.
func Run(ctx context.Context, spec Spec) (int, error) {
	cmd, err := Spawn(spec)
	if err != nil {
		return -1, err
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			if spec.SameGroup {
				cmd.Process.Kill()
				return
			}
			KillGroup(cmd.Process.Pid, syscall.SIGKILL)
		case <-done:
		}
	}()

	err = cmd.Wait()
	if err == nil {
		return 0, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if ctx.Err() != nil {
			return exitErr.ExitCode(), ctx.Err()
		}
		return exitErr.ExitCode(), nil
	}
	return -1, fmt.Errorf("failed to wait for %s: %w", spec.Command, err)
}
