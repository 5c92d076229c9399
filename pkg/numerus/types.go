// Package numerus provides shared types and a small HTTP client for the
// numerusd API. These types mirror the daemon's JSON shapes and are
// stable for use by cmd/numerus and other external consumers, kept as a
// separate wire-format mirror from the daemon's own internal/store types.
package numerus

import "time"

// JobStatus mirrors internal/store.JobStatus.
type JobStatus string

const (
	JobPlanning   JobStatus = "planning"
	JobRunning    JobStatus = "running"
	JobDone       JobStatus = "done"
	JobFailed     JobStatus = "failed"
	JobCancelling JobStatus = "cancelling"
	JobCancelled  JobStatus = "cancelled"
)

// TaskState mirrors internal/store.TaskState.
type TaskState string

const (
	TaskPending         TaskState = "pending"
	TaskAnalysisPending TaskState = "analysis_pending"
	TaskAwaitingGo      TaskState = "awaiting_go"
	TaskExecuting       TaskState = "executing"
	TaskCompleted       TaskState = "completed"
	TaskFailed          TaskState = "failed"
	TaskCancelled       TaskState = "cancelled"
)

// Job is the wire shape of a submitted objective.
type Job struct {
	JobID      string    `json:"JobID"`
	Objective  string    `json:"Objective"`
	WorkingDir string    `json:"WorkingDir"`
	Status     JobStatus `json:"Status"`
	PlanRef    string    `json:"PlanRef,omitempty"`
	CreatedAt  time.Time `json:"CreatedAt"`
	UpdatedAt  time.Time `json:"UpdatedAt"`
}

// Task is the wire shape of one task within a job's plan.
type Task struct {
	JobID           string    `json:"JobID"`
	TaskID          string    `json:"TaskID"`
	Summary         string    `json:"Summary"`
	Description     string    `json:"Description"`
	Dependencies    []string  `json:"Dependencies,omitempty"`
	Reads           []string  `json:"Reads,omitempty"`
	Writes          []string  `json:"Writes,omitempty"`
	Role            string    `json:"Role,omitempty"`
	State           TaskState `json:"State"`
	Attempt         int       `json:"Attempt"`
	LastClaimRef    string    `json:"LastClaimRef,omitempty"`
	LastExitCode    *int      `json:"LastExitCode,omitempty"`
	LastDiffSummary string    `json:"LastDiffSummary,omitempty"`
	CreatedAt       time.Time `json:"CreatedAt"`
	UpdatedAt       time.Time `json:"UpdatedAt"`
}

// IsTerminal reports whether s is one job will not leave on its own.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobDone, JobFailed, JobCancelled:
		return true
	default:
		return false
	}
}

// Event mirrors internal/eventbus.Event as delivered over /events SSE; it
// has no json tags of its own, so the field names here must match.
type Event struct {
	Topic   string
	TS      time.Time
	JobID   string
	TaskID  string
	Payload map[string]any
}
