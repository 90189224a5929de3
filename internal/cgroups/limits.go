package cgroups

// Limits are applied best effort. A worker that cannot be limited still runs.

import (
	"fmt"
	"os"
	"path/filepath"

	"k8s.io/apimachinery/pkg/api/resource"

	"github.com/psantana5/orchestrator-launcher/pkg/models"
)

// cpuPeriod is the cpu.max period in microseconds
const cpuPeriod = 100000

// Limits defines what can be written to cgroups
type Limits struct {
	CPUMax    string // "quota period" or "max"
	CPUWeight int    // 1-10000
	MemoryMax int64  // bytes, 0 = no limit
	MemoryLow int64  // bytes, 0 = none (v2 only)
}

// IsZero reports whether there is nothing to write
func (l Limits) IsZero() bool {
	return l == Limits{}
}

// FromResources converts orchestrator quantities ("500m", "2Gi") into
// cgroup limits. Empty fields are left unset.
func FromResources(r models.ResourceRequirements) (Limits, error) {
	var limits Limits

	if r.CPULimit != "" {
		q, err := resource.ParseQuantity(r.CPULimit)
		if err != nil {
			return Limits{}, fmt.Errorf("invalid cpu limit %q: %w", r.CPULimit, err)
		}
		quota := q.MilliValue() * cpuPeriod / 1000
		if quota <= 0 {
			return Limits{}, fmt.Errorf("invalid cpu limit %q: must be positive", r.CPULimit)
		}
		limits.CPUMax = fmt.Sprintf("%d %d", quota, cpuPeriod)
	}

	if r.CPURequest != "" {
		q, err := resource.ParseQuantity(r.CPURequest)
		if err != nil {
			return Limits{}, fmt.Errorf("invalid cpu request %q: %w", r.CPURequest, err)
		}
		// one core = weight 100, the cgroup v2 default
		weight := int(q.MilliValue() / 10)
		if weight < 1 {
			weight = 1
		}
		if weight > 10000 {
			weight = 10000
		}
		limits.CPUWeight = weight
	}

	if r.MemoryLimit != "" {
		q, err := resource.ParseQuantity(r.MemoryLimit)
		if err != nil {
			return Limits{}, fmt.Errorf("invalid memory limit %q: %w", r.MemoryLimit, err)
		}
		limits.MemoryMax = q.Value()
	}

	if r.MemoryRequest != "" {
		q, err := resource.ParseQuantity(r.MemoryRequest)
		if err != nil {
			return Limits{}, fmt.Errorf("invalid memory request %q: %w", r.MemoryRequest, err)
		}
		limits.MemoryLow = q.Value()
	}

	return limits, nil
}

// Version returns detected cgroup version (1 or 2)
func Version() int {
	if _, err := os.Stat("/sys/fs/cgroup/cgroup.controllers"); err == nil {
		return 2
	}
	return 1
}

// WriteCPUMax writes cpu.max (v2). v1 is skipped.
func WriteCPUMax(cgroupPath string, value string) error {
	if value == "" || Version() != 2 {
		return nil
	}
	return os.WriteFile(filepath.Join(cgroupPath, "cpu.max"), []byte(value), 0644)
}

// WriteCPUWeight writes cpu.weight (v2) or cpu.shares (v1)
func WriteCPUWeight(cgroupPath string, weight int) error {
	if weight <= 0 || weight > 10000 {
		return fmt.Errorf("invalid cpu weight: %d (must be 1-10000)", weight)
	}

	if Version() == 2 {
		return os.WriteFile(filepath.Join(cgroupPath, "cpu.weight"), []byte(fmt.Sprintf("%d", weight)), 0644)
	}

	// v1: weight 100 = 1024 shares
	shares := (weight * 1024) / 100
	return os.WriteFile(filepath.Join(cgroupPath, "cpu.shares"), []byte(fmt.Sprintf("%d", shares)), 0644)
}

// WriteMemoryMax writes memory.max (v2) or memory.limit_in_bytes (v1)
func WriteMemoryMax(cgroupPath string, bytes int64) error {
	if bytes < 0 {
		return fmt.Errorf("invalid memory limit: %d", bytes)
	}
	if bytes == 0 {
		return nil
	}

	if Version() == 2 {
		return os.WriteFile(filepath.Join(cgroupPath, "memory.max"), []byte(fmt.Sprintf("%d", bytes)), 0644)
	}
	return os.WriteFile(filepath.Join(cgroupPath, "memory.limit_in_bytes"), []byte(fmt.Sprintf("%d", bytes)), 0644)
}

// WriteMemoryLow writes memory.low (v2 only)
func WriteMemoryLow(cgroupPath string, bytes int64) error {
	if bytes <= 0 || Version() != 2 {
		return nil
	}
	return os.WriteFile(filepath.Join(cgroupPath, "memory.low"), []byte(fmt.Sprintf("%d", bytes)), 0644)
}
