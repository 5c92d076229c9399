// Package store defines the persistence interface and shared models for
// jobs, tasks, claims, locks, and the event log.
package store

import "time"

// JobStatus is the lifecycle state of a Job.
type JobStatus string

const (
	JobPlanning   JobStatus = "planning"
	JobRunning    JobStatus = "running"
	JobDone       JobStatus = "done"
	JobFailed     JobStatus = "failed"
	JobCancelling JobStatus = "cancelling"
	JobCancelled  JobStatus = "cancelled"
)

// TaskState is the lifecycle state of a Task within a Job.
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

// LockMode is the access mode a Claim declares on a path.
type LockMode string

const (
	LockRead  LockMode = "read"
	LockWrite LockMode = "write"
)

// ClaimDecisionKind is the outcome the arbiter recorded for a Claim.
type ClaimDecisionKind string

const (
	ClaimPending  ClaimDecisionKind = "pending"
	ClaimApproved ClaimDecisionKind = "approved"
	ClaimBlocked  ClaimDecisionKind = "blocked"
)

// Job is one objective decomposed into a task DAG and run to completion.
type Job struct {
	JobID      string
	Objective  string
	WorkingDir string
	Status     JobStatus
	PlanRef    string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Task is one node of a Job's dependency graph.
type Task struct {
	JobID           string
	TaskID          string
	Summary         string
	Description     string
	Dependencies    []string
	Reads           []string
	Writes          []string
	Role            string
	State           TaskState
	Attempt         int
	LastClaimRef    string
	LastExitCode    *int
	LastDiffSummary string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Claim is one claim-mode invocation's declared resources and commands,
// together with the arbiter's decision for it.
type Claim struct {
	JobID          string
	TaskID         string
	Attempt        int
	Reads          []string
	Writes         []string
	Commands       []string
	Decision       ClaimDecisionKind
	BlockingReason string
	CreatedAt      time.Time
}

// Lock is a persisted mirror of one lock the arbiter currently holds, kept
// for crash recovery and status reporting (spec §4.5).
type Lock struct {
	Path        string
	Mode        LockMode
	HolderJobID string
	HolderTask  string
	AcquiredAt  time.Time
}

// Event is one entry of the append-only event log (spec §5), persisted
// alongside the NDJSON journal.
type Event struct {
	ID      int64
	TS      time.Time
	Event   string
	JobID   string
	TaskID  string // optional
	Payload map[string]any
}
