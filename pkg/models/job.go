package models

import (
	"time"
)

// JobState represents the lifecycle state of a conversion job
type JobState string

const (
	JobStateQueued    JobState = "queued"    // Accepted, waiting for a slot
	JobStateRunning   JobState = "running"   // Pipeline is executing
	JobStateCompleted JobState = "completed" // Merged output produced
	JobStateFailed    JobState = "failed"    // A stage failed
	JobStateCanceled  JobState = "canceled"  // Canceled by user or shutdown
)

// Job is the persisted record of a conversion job
type Job struct {
	ID               string            `json:"id"`
	InputPath        string            `json:"input_path"`
	ContentKey       string            `json:"content_key,omitempty"`
	State            JobState          `json:"state"`
	WorkDir          string            `json:"work_dir,omitempty"`
	OutputPath       string            `json:"output_path,omitempty"`
	OutputURL        string            `json:"output_url,omitempty"`
	Status           *JobStatus        `json:"status,omitempty"` // last known snapshot
	CreatedAt        time.Time         `json:"created_at"`
	StartedAt        *time.Time        `json:"started_at,omitempty"`
	CompletedAt      *time.Time        `json:"completed_at,omitempty"`
	Error            string            `json:"error,omitempty"`
	StateTransitions []StateTransition `json:"state_transitions,omitempty"`
}

// JobRequest represents a request to convert a file
type JobRequest struct {
	Path string `json:"path"`
}

// StateTransition tracks job state changes with timestamps
type StateTransition struct {
	From      JobState  `json:"from"`
	To        JobState  `json:"to"`
	Timestamp time.Time `json:"timestamp"`
	Reason    string    `json:"reason,omitempty"`
}

// StatusResponse is the answer to a status query
type StatusResponse struct {
	JobID  string    `json:"job_id"`
	State  JobState  `json:"state"`
	Live   bool      `json:"live"`
	Status JobStatus `json:"status"`
}
