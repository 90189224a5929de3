package models

import (
	"encoding/json"
	"time"
)

// JobRunConfig identifies one attempt of a job in the workflow engine
type JobRunConfig struct {
	JobID     int64 `json:"jobId"`
	AttemptID int64 `json:"attemptId"`
}

// IntegrationLauncherConfig describes how a dependent connector is launched
// by the remote worker (e.g. the destination used by normalization)
type IntegrationLauncherConfig struct {
	JobID        int64  `json:"jobId"`
	AttemptID    int64  `json:"attemptId"`
	DockerImage  string `json:"dockerImage"`
	Protocol     string `json:"protocol,omitempty"`
	NormalizeDir string `json:"normalizeDir,omitempty"`
}

// ResourceRequirements are the resources requested for the remote worker.
// Quantities use orchestrator notation ("500m", "1", "2Gi").
type ResourceRequirements struct {
	CPURequest    string `json:"cpu_request,omitempty" yaml:"cpu_request,omitempty" mapstructure:"cpu_request"`
	CPULimit      string `json:"cpu_limit,omitempty" yaml:"cpu_limit,omitempty" mapstructure:"cpu_limit"`
	MemoryRequest string `json:"memory_request,omitempty" yaml:"memory_request,omitempty" mapstructure:"memory_request"`
	MemoryLimit   string `json:"memory_limit,omitempty" yaml:"memory_limit,omitempty" mapstructure:"memory_limit"`
}

// IsZero reports whether no requirement is set
func (r ResourceRequirements) IsZero() bool {
	return r == ResourceRequirements{}
}

// NormalizationInput is the task input handed to the remote worker
type NormalizationInput struct {
	DestinationConfiguration json.RawMessage      `json:"destinationConfiguration"`
	Catalog                  json.RawMessage      `json:"catalog"`
	ResourceRequirements     ResourceRequirements `json:"resourceRequirements,omitempty"`
}

// StatusRecord is the persisted lifecycle record of one remote worker
type StatusRecord struct {
	Name        string            `json:"name"`
	Status      LaunchStatus      `json:"status"`
	ExitCode    int               `json:"exit_code"`
	Labels      map[string]string `json:"labels,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
	Transitions []StateTransition `json:"state_transitions,omitempty"`
}

// StateTransition tracks status changes with timestamps
type StateTransition struct {
	From      LaunchStatus `json:"from"`
	To        LaunchStatus `json:"to"`
	Timestamp time.Time    `json:"timestamp"`
	Reason    string       `json:"reason,omitempty"`
}
