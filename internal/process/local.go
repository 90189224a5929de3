package process

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/psantana5/orchestrator-launcher/internal/cgroups"
	"github.com/psantana5/orchestrator-launcher/internal/launcher"
	"github.com/psantana5/orchestrator-launcher/internal/observe"
	"github.com/psantana5/orchestrator-launcher/internal/wrapper"
	"github.com/psantana5/orchestrator-launcher/pkg/logging"
)

// Files the local runtime writes next to the bundle
const (
	FileLabels    = "labels.json"
	FilePorts     = "ports.json"
	FileResources = "resources.json"
	FileVersion   = "version.txt"
	FilePID       = "worker.pid"
	FileLog       = "worker.log"
)

// Environment variables set for every worker
const (
	EnvWorkerName = "LAUNCHER_WORKER_NAME"
	EnvWorkerDir  = "LAUNCHER_WORKER_DIR"
)

// LocalConfig configures a LocalRuntime
type LocalConfig struct {
	WorkspaceRoot string
	Entrypoint    []string      // command and args run inside the worker directory
	Environ       []string      // base environment of every worker
	StopGrace     time.Duration // how long Stop waits after SIGTERM, and again after SIGKILL
	Cgroups       bool          // apply resource limits through cgroups
}

// LocalRuntime runs workers as detached process groups on this host.
// State lives in <workspace>/<name>/ so a new launcher can find workers
// started by a previous one.
type LocalRuntime struct {
	config  LocalConfig
	logger  *logging.Logger
	cgroups *cgroups.Manager

	mu       sync.Mutex
	children map[string]*exec.Cmd
}

// NewLocalRuntime creates a local runtime
func NewLocalRuntime(config LocalConfig, logger *logging.Logger) *LocalRuntime {
	if logger == nil {
		logger = logging.Nop()
	}
	if config.StopGrace <= 0 {
		config.StopGrace = 10 * time.Second
	}
	r := &LocalRuntime{
		config:   config,
		logger:   logger,
		children: make(map[string]*exec.Cmd),
	}
	if config.Cgroups {
		r.cgroups = cgroups.New()
	}
	return r
}

// Dir returns the working directory of a worker
func (r *LocalRuntime) Dir(name string) string {
	return filepath.Join(r.config.WorkspaceRoot, name)
}

// Start writes the worker's files and spawns the entrypoint
func (r *LocalRuntime) Start(ctx context.Context, name string, spec launcher.CreateSpec) error {
	if len(r.config.Entrypoint) == 0 {
		return errors.New("no worker entrypoint configured")
	}

	running, err := r.IsRunning(ctx, name)
	if err != nil {
		return err
	}
	if running {
		return fmt.Errorf("worker %s is already running", name)
	}

	dir := r.Dir(name)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create worker directory %s: %w", dir, err)
	}
	if err := writeWorkerFiles(dir, spec); err != nil {
		return err
	}

	logFile, err := os.OpenFile(filepath.Join(dir, FileLog), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open worker log: %w", err)
	}

	env := append([]string{}, r.config.Environ...)
	env = append(env, EnvWorkerName+"="+name, EnvWorkerDir+"="+dir)

	cmd, err := wrapper.Spawn(wrapper.Spec{
		Command: r.config.Entrypoint[0],
		Args:    r.config.Entrypoint[1:],
		Dir:     dir,
		Env:     env,
		Stdout:  logFile,
		Stderr:  logFile,
	})
	if err != nil {
		logFile.Close()
		return err
	}

	pid := cmd.Process.Pid
	id, err := observe.Lookup(ctx, int32(pid))
	if err != nil {
		id = observe.Identity{PID: int32(pid)}
	}
	if err := writePIDFile(filepath.Join(dir, FilePID), id); err != nil {
		wrapper.KillGroup(pid, syscall.SIGKILL)
		cmd.Wait()
		logFile.Close()
		return err
	}

	cgroupPath := r.applyLimits(name, pid, spec)

	r.mu.Lock()
	r.children[name] = cmd
	r.mu.Unlock()

	go r.reap(name, cmd, logFile, cgroupPath)

	r.logger.Info(fmt.Sprintf("Started worker %s (pid %d)", name, pid))
	return nil
}

// reap collects the exit of a worker started by this runtime so it does
// not linger as a zombie
func (r *LocalRuntime) reap(name string, cmd *exec.Cmd, logFile *os.File, cgroupPath string) {
	err := cmd.Wait()
	logFile.Close()

	r.mu.Lock()
	delete(r.children, name)
	r.mu.Unlock()

	if r.cgroups != nil && cgroupPath != "" {
		if derr := r.cgroups.Delete(cgroupPath); derr != nil {
			r.logger.Debug(fmt.Sprintf("Failed to remove cgroup %s: %v", cgroupPath, derr))
		}
	}

	if err != nil {
		r.logger.Debug(fmt.Sprintf("Worker %s exited: %v", name, err))
		return
	}
	r.logger.Debug(fmt.Sprintf("Worker %s exited", name))
}

func (r *LocalRuntime) applyLimits(name string, pid int, spec launcher.CreateSpec) string {
	if r.cgroups == nil || spec.Resources.IsZero() {
		return ""
	}

	limits, err := cgroups.FromResources(spec.Resources)
	if err != nil {
		r.logger.Warn(fmt.Sprintf("Ignoring resource requirements for %s: %v", name, err))
		return ""
	}

	path, err := r.cgroups.Create(name)
	if err != nil || path == "" {
		r.logger.Debug(fmt.Sprintf("No cgroup for %s: %v", name, err))
		return ""
	}
	if err := r.cgroups.Join(path, pid); err != nil {
		r.logger.Warn(fmt.Sprintf("Failed to move %s into cgroup: %v", name, err))
		r.cgroups.Delete(path)
		return ""
	}
	if err := r.cgroups.Apply(path, limits); err != nil {
		r.logger.Warn(fmt.Sprintf("Some limits for %s were not applied: %v", name, err))
	}
	return path
}

// IsRunning checks the pid recorded for name
func (r *LocalRuntime) IsRunning(ctx context.Context, name string) (bool, error) {
	id, err := readPIDFile(filepath.Join(r.Dir(name), FilePID))
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return observe.Alive(ctx, id)
}

// Stop asks the worker's process group to terminate and waits up to the
// stop grace. A worker still alive after that is killed with its group.
func (r *LocalRuntime) Stop(ctx context.Context, name string) error {
	id, err := readPIDFile(filepath.Join(r.Dir(name), FilePID))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}

	alive, err := observe.Alive(ctx, id)
	if err != nil {
		return err
	}
	if !alive {
		return nil
	}

	w := observe.NewWatcher(id, 50*time.Millisecond)
	if err := wrapper.KillGroup(int(id.PID), syscall.SIGTERM); err != nil {
		return err
	}
	if r.waitGone(ctx, w) {
		r.logger.Info(fmt.Sprintf("Worker %s stopped after %s", name, w.Duration().Round(time.Millisecond)))
		return nil
	}

	r.logger.Warn(fmt.Sprintf("Worker %s ignored SIGTERM for %s, killing it", name, r.config.StopGrace))
	if err := wrapper.KillGroup(int(id.PID), syscall.SIGKILL); err != nil {
		return err
	}
	if !r.waitGone(ctx, w) {
		return fmt.Errorf("worker %s still running after %s", name, w.Duration().Round(time.Millisecond))
	}
	r.logger.Info(fmt.Sprintf("Worker %s killed after %s", name, w.Duration().Round(time.Millisecond)))
	return nil
}

func (r *LocalRuntime) waitGone(ctx context.Context, w *observe.Watcher) bool {
	waitCtx, cancel := context.WithTimeout(ctx, r.config.StopGrace)
	defer cancel()
	return w.Wait(waitCtx) == nil
}

func writeWorkerFiles(dir string, spec launcher.CreateSpec) error {
	files := make(map[string][]byte)
	if spec.Bundle != nil {
		files = spec.Bundle.Files()
	}

	ports := make(map[string]int, len(spec.Ports))
	for from, to := range spec.Ports {
		ports[strconv.Itoa(from)] = to
	}
	extra := []struct {
		file  string
		value interface{}
	}{
		{FileLabels, spec.Labels},
		{FilePorts, ports},
		{FileResources, spec.Resources},
	}
	for _, e := range extra {
		data, err := json.Marshal(e.value)
		if err != nil {
			return fmt.Errorf("failed to encode %s: %w", e.file, err)
		}
		files[e.file] = data
	}
	files[FileVersion] = []byte(spec.Version)

	for name, data := range files {
		if err := os.WriteFile(filepath.Join(dir, name), data, 0600); err != nil {
			return fmt.Errorf("failed to write %s: %w", name, err)
		}
	}
	return nil
}

// pidfile format: "<pid> <createTimeMillis>\n"
func writePIDFile(path string, id observe.Identity) error {
	tmp := path + ".tmp"
	content := fmt.Sprintf("%d %d\n", id.PID, id.CreateTime)
	if err := os.WriteFile(tmp, []byte(content), 0644); err != nil {
		return fmt.Errorf("failed to write pidfile: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to write pidfile: %w", err)
	}
	return nil
}

func readPIDFile(path string) (observe.Identity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return observe.Identity{}, err
	}
	var id observe.Identity
	if _, err := fmt.Sscanf(string(data), "%d %d", &id.PID, &id.CreateTime); err != nil {
		return observe.Identity{}, fmt.Errorf("corrupt pidfile %s: %w", path, err)
	}
	return id, nil
}

// Remove deletes the directory of a worker that is no longer running
func (r *LocalRuntime) Remove(ctx context.Context, name string) error {
	running, err := r.IsRunning(ctx, name)
	if err != nil {
		return err
	}
	if running {
		return fmt.Errorf("worker %s is still running", name)
	}
	if err := os.RemoveAll(r.Dir(name)); err != nil {
		return fmt.Errorf("failed to remove worker directory of %s: %w", name, err)
	}
	return nil
}
