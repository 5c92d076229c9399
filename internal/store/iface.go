package store

import "context"

// Store is the persistence interface for jobs, tasks, claims, locks, and
// the event log (spec §4.1/§5). Implementations: the default package-level
// SQLite store, and internal/store/postgres for a pgxpool-backed store.
type Store interface {
	// Jobs
	CreateJob(ctx context.Context, job Job) error
	GetJob(ctx context.Context, jobID string) (*Job, error)
	ListJobs(ctx context.Context, limit int) ([]Job, error)
	ListNonTerminalJobs(ctx context.Context) ([]Job, error)
	UpdateJobStatus(ctx context.Context, jobID string, status JobStatus) error
	SetJobPlanRef(ctx context.Context, jobID, planRef string) error

	// Tasks
	CreateTasks(ctx context.Context, tasks []Task) error
	GetTask(ctx context.Context, jobID, taskID string) (*Task, error)
	ListTasksForJob(ctx context.Context, jobID string) ([]Task, error)
	ListReadyTasks(ctx context.Context, jobID string) ([]Task, error)
	SetTaskState(ctx context.Context, jobID, taskID string, state TaskState) error
	IncrementTaskAttempt(ctx context.Context, jobID, taskID string) (int, error)
	SetTaskClaimRef(ctx context.Context, jobID, taskID, claimRef string) error
	SetTaskExitResult(ctx context.Context, jobID, taskID string, exitCode *int, diffSummary string) error
	SetTaskRole(ctx context.Context, jobID, taskID, role string) error
	CancelDependents(ctx context.Context, jobID, taskID string) ([]string, error)

	// Claims
	CreateClaim(ctx context.Context, c Claim) error
	GetLatestClaim(ctx context.Context, jobID, taskID string) (*Claim, error)
	SetClaimDecision(ctx context.Context, jobID, taskID string, attempt int, decision ClaimDecisionKind, reason string) error

	// Locks (persisted mirror of arbiter state, for crash recovery)
	ReplaceLocks(ctx context.Context, locks []Lock) error
	ListLocks(ctx context.Context) ([]Lock, error)
	ClearLocksForTask(ctx context.Context, jobID, taskID string) error
	ClearStaleLocks(ctx context.Context) ([]Lock, error)

	// Events
	AppendEvent(ctx context.Context, e Event) (int64, error)
	ListEventsForJob(ctx context.Context, jobID string, since int64) ([]Event, error)

	// Lifecycle
	Close() error
}
