// Package identity derives the stable name of a remote worker from the job
// and attempt it runs for.
package identity

import (
	"fmt"
	"strconv"

	"github.com/psantana5/orchestrator-launcher/pkg/models"
)

const (
	namePrefix = "orchestrator-norm"

	LabelJobID     = "job_id"
	LabelAttemptID = "attempt_id"

	// WorkerLabelKey/WorkerLabelValue mark every process started by the launcher
	WorkerLabelKey   = "orchestrator"
	WorkerLabelValue = "worker-process"
)

// Task identifies one attempt of a job
type Task struct {
	JobID     int64
	AttemptID int64
}

// FromJobRunConfig builds the task identity of a job-run descriptor
func FromJobRunConfig(cfg models.JobRunConfig) Task {
	return Task{JobID: cfg.JobID, AttemptID: cfg.AttemptID}
}

// Name returns the worker name, orchestrator-norm-j-<job>-a-<attempt>.
// Distinct (job, attempt) pairs never share a name.
func (t Task) Name() string {
	return fmt.Sprintf("%s-j-%d-a-%d", namePrefix, t.JobID, t.AttemptID)
}

// Labels returns the label set attached to the worker
func (t Task) Labels() map[string]string {
	return map[string]string{
		LabelJobID:     strconv.FormatInt(t.JobID, 10),
		LabelAttemptID: strconv.FormatInt(t.AttemptID, 10),
		WorkerLabelKey: WorkerLabelValue,
	}
}

func (t Task) String() string {
	return t.Name()
}
