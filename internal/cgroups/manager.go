package cgroups

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	cgroupRoot   = "/sys/fs/cgroup"
	cgroupParent = "orchestrator-launcher"
)

// Manager handles cgroup lifecycle only: create, join, apply, delete
type Manager struct {
	root    string
	version int
}

// New creates a cgroup manager rooted at /sys/fs/cgroup
func New() *Manager {
	return &Manager{
		root:    cgroupRoot,
		version: Version(),
	}
}

// Create creates a cgroup directory for a worker.
// Returns an empty path without error when the launcher lacks permission.
func (m *Manager) Create(name string) (string, error) {
	if name == "" {
		name = fmt.Sprintf("unnamed-%d", os.Getpid())
	}

	cgroupName := filepath.Join(cgroupParent, name)

	if m.version == 2 {
		return m.create(filepath.Join(m.root, cgroupName))
	}

	path, err := m.create(filepath.Join(m.root, "cpu", cgroupName))
	if err != nil || path == "" {
		return path, err
	}
	os.MkdirAll(filepath.Join(m.root, "memory", cgroupName), 0755) // best effort
	return path, nil
}

func (m *Manager) create(path string) (string, error) {
	if err := os.MkdirAll(path, 0755); err != nil {
		if os.IsPermission(err) || os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	return path, nil
}

// Join moves a PID into the cgroup
func (m *Manager) Join(cgroupPath string, pid int) error {
	if cgroupPath == "" {
		return nil
	}
	if pid <= 0 {
		return fmt.Errorf("invalid pid: %d", pid)
	}

	procs := []byte(fmt.Sprintf("%d", pid))
	if err := os.WriteFile(filepath.Join(cgroupPath, "cgroup.procs"), procs, 0644); err != nil {
		return err
	}
	if m.version == 1 {
		memPath := strings.Replace(cgroupPath, "/cpu/", "/memory/", 1)
		os.WriteFile(filepath.Join(memPath, "cgroup.procs"), procs, 0644) // best effort
	}
	return nil
}

// Apply writes every non-zero limit. It returns the first error but keeps
// writing the remaining limits.
func (m *Manager) Apply(cgroupPath string, limits Limits) error {
	if cgroupPath == "" || limits.IsZero() {
		return nil
	}

	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	keep(WriteCPUMax(cgroupPath, limits.CPUMax))
	if limits.CPUWeight > 0 {
		keep(WriteCPUWeight(cgroupPath, limits.CPUWeight))
	}
	memPath := cgroupPath
	if m.version == 1 {
		memPath = strings.Replace(cgroupPath, "/cpu/", "/memory/", 1)
	}
	keep(WriteMemoryMax(memPath, limits.MemoryMax))
	keep(WriteMemoryLow(memPath, limits.MemoryLow))
	return firstErr
}

// Delete removes the cgroup directory. It fails while processes remain.
func (m *Manager) Delete(cgroupPath string) error {
	if cgroupPath == "" {
		return nil
	}

	if m.version == 1 {
		memPath := strings.Replace(cgroupPath, "/cpu/", "/memory/", 1)
		os.Remove(memPath) // best effort
	}

	err := os.Remove(cgroupPath)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
