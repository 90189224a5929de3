package models

import (
	"fmt"
)

// LaunchStatus is the lifecycle state of a remote worker as recorded in
// the status store
type LaunchStatus string

const (
	LaunchStatusNotStarted   LaunchStatus = "not_started"  // No record exists yet
	LaunchStatusInitializing LaunchStatus = "initializing" // Claimed by a launcher, process starting
	LaunchStatusRunning      LaunchStatus = "running"      // Worker reported it is running
	LaunchStatusSucceeded    LaunchStatus = "succeeded"    // Worker exited with code 0
	LaunchStatusFailed       LaunchStatus = "failed"       // Worker exited non-zero or never started
)

// validTransitions maps from-state to allowed to-states
var validTransitions = map[LaunchStatus]map[LaunchStatus]bool{
	LaunchStatusNotStarted: {
		LaunchStatusInitializing: true, // launcher claims the name
	},
	LaunchStatusInitializing: {
		LaunchStatusRunning:   true, // worker picked up its inputs
		LaunchStatusSucceeded: true, // worker finished before reporting running
		LaunchStatusFailed:    true, // spawn failed or worker crashed on init
	},
	LaunchStatusRunning: {
		LaunchStatusSucceeded: true,
		LaunchStatusFailed:    true,
	},
	// Terminal states (no transitions allowed)
	LaunchStatusSucceeded: {},
	LaunchStatusFailed:    {},
}

// ValidateTransition checks if a status transition is valid
func ValidateTransition(from, to LaunchStatus) error {
	allowedStates, exists := validTransitions[from]
	if !exists {
		return fmt.Errorf("unknown source state: %s", from)
	}

	if !allowedStates[to] {
		return fmt.Errorf("invalid transition from %s to %s", from, to)
	}

	return nil
}

// IsTerminalState returns true if the status is terminal (no further transitions)
func IsTerminalState(status LaunchStatus) bool {
	return status == LaunchStatusSucceeded || status == LaunchStatusFailed
}

// IsKnown returns true for statuses the store can hold
func IsKnown(status LaunchStatus) bool {
	_, ok := validTransitions[status]
	return ok
}

func (s LaunchStatus) String() string {
	return string(s)
}
