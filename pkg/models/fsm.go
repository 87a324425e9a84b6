package models

import (
	"fmt"
	"time"
)

// validTransitions maps from-state to allowed to-states
var validTransitions = map[JobState]map[JobState]bool{
	JobStateQueued: {
		JobStateRunning:  true, // Queued → Running (slot acquired)
		JobStateCanceled: true, // Queued → Canceled (user cancels before start)
		JobStateFailed:   true, // Queued → Failed (work dir could not be prepared)
	},
	JobStateRunning: {
		JobStateCompleted: true, // Running → Completed (merge succeeded)
		JobStateFailed:    true, // Running → Failed (stage failed)
		JobStateCanceled:  true, // Running → Canceled (user cancels)
	},
	// Terminal states (no transitions allowed)
	JobStateCompleted: {},
	JobStateFailed:    {},
	JobStateCanceled:  {},
}

// ValidateTransition checks if a job state transition is valid
func ValidateTransition(from, to JobState) error {
	allowedStates, exists := validTransitions[from]
	if !exists {
		return fmt.Errorf("unknown source state: %s", from)
	}
	if !allowedStates[to] {
		return fmt.Errorf("invalid transition from %s to %s", from, to)
	}
	return nil
}

// IsTerminalState returns true if the state is terminal (no further transitions)
func IsTerminalState(state JobState) bool {
	return state == JobStateCompleted || state == JobStateFailed || state == JobStateCanceled
}

// IsValidJobState reports whether state is one of the known job states
func IsValidJobState(state JobState) bool {
	switch state {
	case JobStateQueued, JobStateRunning, JobStateCompleted, JobStateFailed, JobStateCanceled:
		return true
	}
	return false
}

// IsActiveState returns true if the job is occupying a slot
func IsActiveState(state JobState) bool {
	return state == JobStateRunning
}

// TransitionTo validates and applies a state change, recording it on the job
func (j *Job) TransitionTo(to JobState, reason string, now time.Time) error {
	if err := ValidateTransition(j.State, to); err != nil {
		return err
	}
	j.StateTransitions = append(j.StateTransitions, StateTransition{
		From:      j.State,
		To:        to,
		Timestamp: now,
		Reason:    reason,
	})
	j.State = to
	switch {
	case to == JobStateRunning:
		j.StartedAt = &now
	case IsTerminalState(to):
		j.CompletedAt = &now
	}
	return nil
}
