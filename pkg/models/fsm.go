package models

import "fmt"

// Pipeline lifecycle states
const (
	StatusPending   PipelineStatus = "pending"   // Registered, watcher waiting for start
	StatusRunning   PipelineStatus = "running"   // Started and under supervision
	StatusPaused    PipelineStatus = "paused"    // Suspended by operator
	StatusCompleted PipelineStatus = "completed" // Stream finished on its own
	StatusFailed    PipelineStatus = "failed"    // Supervision ended with an error reason
	StatusKilled    PipelineStatus = "killed"    // Terminated by operator or shutdown
)

// validTransitions maps from-status to allowed to-statuses
var validTransitions = map[PipelineStatus]map[PipelineStatus]bool{
	StatusPending: {
		StatusRunning: true, // Pending → Running (start signal sent)
		StatusKilled:  true, // Pending → Killed (killed before start)
		StatusFailed:  true, // Pending → Failed (watcher died before start)
	},
	StatusRunning: {
		StatusPaused:    true, // Running → Paused (operator suspends)
		StatusCompleted: true, // Running → Completed (EOS)
		StatusFailed:    true, // Running → Failed (error reason)
		StatusKilled:    true, // Running → Killed (operator kill)
	},
	StatusPaused: {
		StatusRunning: true, // Paused → Running (operator resumes)
		StatusFailed:  true, // Paused → Failed (process died while paused)
		StatusKilled:  true, // Paused → Killed (operator kill)
	},
	// Terminal states (no transitions allowed)
	StatusCompleted: {},
	StatusFailed:    {},
	StatusKilled:    {},
}

// ValidateTransition checks if a status transition is valid
func ValidateTransition(from, to PipelineStatus) error {
	allowed, exists := validTransitions[from]
	if !exists {
		return fmt.Errorf("unknown source status: %s", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid transition from %s to %s", from, to)
	}
	return nil
}

// IsTerminalStatus returns true if the status is terminal (no further transitions)
func IsTerminalStatus(status PipelineStatus) bool {
	return status == StatusCompleted || status == StatusFailed || status == StatusKilled
}

// IsActiveStatus returns true if the pipeline is under active supervision
func IsActiveStatus(status PipelineStatus) bool {
	return status == StatusRunning || status == StatusPaused
}
