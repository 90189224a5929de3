package report

// A result is written once per Run, after the outcome is known.
// Nothing reads it back to make decisions.

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/psantana5/orchestrator-launcher/pkg/logging"
)

// Launch modes
const (
	ModeCreate = "create" // this run created the worker
	ModeAttach = "attach" // the worker already existed
)

// Outcomes
const (
	OutcomeSucceeded   = "succeeded"
	OutcomeNonZeroExit = "non_zero_exit"
	OutcomeFailed      = "failed"
	OutcomeCancelled   = "cancelled"
)

// Result is the immutable record of one launcher run
type Result struct {
	LaunchID  string `json:"launch_id"`
	Name      string `json:"name"`
	JobID     int64  `json:"job_id"`
	AttemptID int64  `json:"attempt_id"`
	Mode      string `json:"mode,omitempty"`

	StartTime time.Time     `json:"start_time"`
	EndTime   time.Time     `json:"end_time"`
	Duration  time.Duration `json:"duration"`

	Outcome  string `json:"outcome"`
	ExitCode int    `json:"exit_code"`
	Error    string `json:"error,omitempty"`
}

// NewResult creates a result with a fresh launch id
func NewResult(name string, jobID, attemptID int64, mode, outcome string, exitCode int, err error, startTime, endTime time.Time) *Result {
	r := &Result{
		LaunchID:  uuid.NewString(),
		Name:      name,
		JobID:     jobID,
		AttemptID: attemptID,
		Mode:      mode,
		StartTime: startTime,
		EndTime:   endTime,
		Duration:  endTime.Sub(startTime),
		Outcome:   outcome,
		ExitCode:  exitCode,
	}
	if err != nil {
		r.Error = err.Error()
	}
	return r
}

// Succeeded reports whether the run ended well
func (r *Result) Succeeded() bool {
	return r.Outcome == OutcomeSucceeded
}

// LogSummary emits a one-line summary
func (r *Result) LogSummary(logger *logging.Logger) {
	mode := r.Mode
	if mode == "" {
		mode = "-"
	}
	msg := fmt.Sprintf("LAUNCH %s | id=%s | mode=%s | outcome=%s | exit=%d | runtime=%.0fs",
		r.Name,
		r.LaunchID,
		mode,
		r.Outcome,
		r.ExitCode,
		r.Duration.Seconds(),
	)
	if r.Succeeded() {
		logger.Info(msg)
		return
	}
	logger.Warn(msg, map[string]interface{}{"error": r.Error})
}
