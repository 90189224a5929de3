package cgroups

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/orchestrator-launcher/pkg/models"
)

func TestFromResources(t *testing.T) {
	tests := []struct {
		name string
		in   models.ResourceRequirements
		want Limits
	}{
		{
			name: "empty",
			in:   models.ResourceRequirements{},
			want: Limits{},
		},
		{
			name: "millicores and binary memory",
			in: models.ResourceRequirements{
				CPURequest:    "250m",
				CPULimit:      "500m",
				MemoryRequest: "512Mi",
				MemoryLimit:   "2Gi",
			},
			want: Limits{
				CPUMax:    "50000 100000",
				CPUWeight: 25,
				MemoryMax: 2 << 30,
				MemoryLow: 512 << 20,
			},
		},
		{
			name: "whole cores",
			in:   models.ResourceRequirements{CPULimit: "2", CPURequest: "1"},
			want: Limits{CPUMax: "200000 100000", CPUWeight: 100},
		},
		{
			name: "weight clamped",
			in:   models.ResourceRequirements{CPURequest: "1m"},
			want: Limits{CPUWeight: 1},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := FromResources(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFromResourcesInvalid(t *testing.T) {
	_, err := FromResources(models.ResourceRequirements{MemoryLimit: "lots"})
	assert.Error(t, err)

	_, err = FromResources(models.ResourceRequirements{CPULimit: "0"})
	assert.Error(t, err)
}

func TestManagerLifecycleInTempRoot(t *testing.T) {
	root := t.TempDir()
	m := &Manager{root: root, version: 2}

	path, err := m.Create("orchestrator-norm-j-1-a-0")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "orchestrator-launcher", "orchestrator-norm-j-1-a-0"), path)

	require.NoError(t, m.Join(path, 4242))
	data, err := os.ReadFile(filepath.Join(path, "cgroup.procs"))
	require.NoError(t, err)
	assert.Equal(t, "4242", string(data))

	assert.Error(t, m.Join(path, 0))

	require.NoError(t, os.Remove(filepath.Join(path, "cgroup.procs")))
	require.NoError(t, m.Delete(path))
	require.NoError(t, m.Delete(path))
}

func TestApplyNothing(t *testing.T) {
	m := &Manager{root: t.TempDir(), version: 2}
	assert.NoError(t, m.Apply("", Limits{CPUWeight: 10}))
	assert.NoError(t, m.Apply("/nonexistent", Limits{}))
}
