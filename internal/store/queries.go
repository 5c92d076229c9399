package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"
)

// CreateJob inserts a new job row in JobPlanning status if Status is unset.
func (s *sqliteStore) CreateJob(ctx context.Context, job Job) error {
	if job.JobID == "" {
		return errors.New("job id required")
	}
	if job.Status == "" {
		job.Status = JobPlanning
	}
	now := time.Now().UTC().Unix()
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO jobs(job_id, objective, working_dir, status, plan_ref, created_at, updated_at)
VALUES(?, ?, ?, ?, ?, ?, ?)`,
		job.JobID, job.Objective, job.WorkingDir, string(job.Status), job.PlanRef, now, now)
	return err
}

func scanJob(row interface{ Scan(...any) error }) (*Job, error) {
	var (
		j                    Job
		status               string
		createdAt, updatedAt int64
	)
	if err := row.Scan(&j.JobID, &j.Objective, &j.WorkingDir, &status, &j.PlanRef, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	j.Status = JobStatus(status)
	j.CreatedAt = time.Unix(createdAt, 0).UTC()
	j.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &j, nil
}

// GetJob returns nil, nil if no job with that id exists.
func (s *sqliteStore) GetJob(ctx context.Context, jobID string) (*Job, error) {
	j, err := scanJob(s.stmtGetJob.QueryRowContext(ctx, jobID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return j, nil
}

// ListJobs returns the most recently created jobs first, up to limit (0 means no limit).
func (s *sqliteStore) ListJobs(ctx context.Context, limit int) ([]Job, error) {
	q := `SELECT job_id, objective, working_dir, status, plan_ref, created_at, updated_at FROM jobs ORDER BY created_at DESC`
	args := []any{}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *j)
	}
	return out, rows.Err()
}

// ListNonTerminalJobs returns every job whose status is not done/failed/cancelled,
// used to rehydrate in-flight jobs on restart (spec §4.5).
func (s *sqliteStore) ListNonTerminalJobs(ctx context.Context) ([]Job, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT job_id, objective, working_dir, status, plan_ref, created_at, updated_at
FROM jobs WHERE status NOT IN ('done','failed','cancelled') ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *j)
	}
	return out, rows.Err()
}

func (s *sqliteStore) UpdateJobStatus(ctx context.Context, jobID string, status JobStatus) error {
	now := time.Now().UTC().Unix()
	res, err := s.DB.ExecContext(ctx, `UPDATE jobs SET status = ?, updated_at = ? WHERE job_id = ?`, string(status), now, jobID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("job not found: %s", jobID)
	}
	return nil
}

func (s *sqliteStore) SetJobPlanRef(ctx context.Context, jobID, planRef string) error {
	now := time.Now().UTC().Unix()
	_, err := s.DB.ExecContext(ctx, `UPDATE jobs SET plan_ref = ?, updated_at = ? WHERE job_id = ?`, planRef, now, jobID)
	return err
}

// CreateTasks inserts every task of a freshly parsed plan, along with its
// dependency edges and declared resources, in one transaction.
func (s *sqliteStore) CreateTasks(ctx context.Context, tasks []Task) error {
	if len(tasks) == 0 {
		return nil
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC().Unix()
	for _, t := range tasks {
		state := t.State
		if state == "" {
			state = TaskPending
		}
		if _, err := tx.ExecContext(ctx, `
INSERT INTO tasks(job_id, task_id, summary, description, role, state, attempt, last_claim_ref, last_exit_code, last_diff_summary, created_at, updated_at)
VALUES(?, ?, ?, ?, ?, ?, 0, '', NULL, '', ?, ?)`,
			t.JobID, t.TaskID, t.Summary, t.Description, t.Role, string(state), now, now); err != nil {
			return fmt.Errorf("insert task %s: %w", t.TaskID, err)
		}
		for _, dep := range t.Dependencies {
			if _, err := tx.ExecContext(ctx, `
INSERT INTO task_dependencies(job_id, task_id, depends_on_task_id) VALUES(?, ?, ?)`,
				t.JobID, t.TaskID, dep); err != nil {
				return fmt.Errorf("insert dependency %s->%s: %w", t.TaskID, dep, err)
			}
		}
		for _, p := range t.Reads {
			if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO task_resources(job_id, task_id, path, mode) VALUES(?, ?, ?, 'read')`, t.JobID, t.TaskID, p); err != nil {
				return err
			}
		}
		for _, p := range t.Writes {
			if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO task_resources(job_id, task_id, path, mode) VALUES(?, ?, ?, 'write')`, t.JobID, t.TaskID, p); err != nil {
				return err
			}
		}
	}
	return tx.Commit()
}

func scanTask(row interface{ Scan(...any) error }) (*Task, error) {
	var (
		t                    Task
		state                string
		lastExitCode         sql.NullInt64
		createdAt, updatedAt int64
	)
	if err := row.Scan(&t.JobID, &t.TaskID, &t.Summary, &t.Description, &t.Role, &state, &t.Attempt,
		&t.LastClaimRef, &lastExitCode, &t.LastDiffSummary, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	t.State = TaskState(state)
	if lastExitCode.Valid {
		v := int(lastExitCode.Int64)
		t.LastExitCode = &v
	}
	t.CreatedAt = time.Unix(createdAt, 0).UTC()
	t.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &t, nil
}

func (s *sqliteStore) hydrateTaskEdges(ctx context.Context, t *Task) error {
	depRows, err := s.DB.QueryContext(ctx, `SELECT depends_on_task_id FROM task_dependencies WHERE job_id = ? AND task_id = ? ORDER BY depends_on_task_id ASC`, t.JobID, t.TaskID)
	if err != nil {
		return err
	}
	defer func() { _ = depRows.Close() }()
	for depRows.Next() {
		var dep string
		if err := depRows.Scan(&dep); err != nil {
			return err
		}
		t.Dependencies = append(t.Dependencies, dep)
	}
	if err := depRows.Err(); err != nil {
		return err
	}

	resRows, err := s.DB.QueryContext(ctx, `SELECT path, mode FROM task_resources WHERE job_id = ? AND task_id = ? ORDER BY path ASC`, t.JobID, t.TaskID)
	if err != nil {
		return err
	}
	defer func() { _ = resRows.Close() }()
	for resRows.Next() {
		var path, mode string
		if err := resRows.Scan(&path, &mode); err != nil {
			return err
		}
		if mode == "write" {
			t.Writes = append(t.Writes, path)
		} else {
			t.Reads = append(t.Reads, path)
		}
	}
	return resRows.Err()
}

// GetTask returns nil, nil if no such task exists.
func (s *sqliteStore) GetTask(ctx context.Context, jobID, taskID string) (*Task, error) {
	t, err := scanTask(s.stmtGetTask.QueryRowContext(ctx, jobID, taskID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if err := s.hydrateTaskEdges(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// ListTasksForJob returns every task of a job in task_id order.
func (s *sqliteStore) ListTasksForJob(ctx context.Context, jobID string) ([]Task, error) {
	rows, err := s.stmtListTasksForJob.QueryContext(ctx, jobID)
	if err != nil {
		return nil, err
	}
	var out []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			_ = rows.Close()
			return nil, err
		}
		out = append(out, *t)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	for i := range out {
		if err := s.hydrateTaskEdges(ctx, &out[i]); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// ListReadyTasks returns every pending task of the job whose dependencies
// are all completed, ordered by the tie-breaking rule of spec §4.3:
// declared write count ascending, then task id lexicographically ascending.
func (s *sqliteStore) ListReadyTasks(ctx context.Context, jobID string) ([]Task, error) {
	all, err := s.ListTasksForJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*Task, len(all))
	for i := range all {
		byID[all[i].TaskID] = &all[i]
	}

	var ready []Task
	for _, t := range all {
		if t.State != TaskPending {
			continue
		}
		blocked := false
		for _, dep := range t.Dependencies {
			dt, ok := byID[dep]
			if !ok || dt.State != TaskCompleted {
				blocked = true
				break
			}
		}
		if !blocked {
			ready = append(ready, t)
		}
	}
	sort.Slice(ready, func(i, j int) bool {
		if len(ready[i].Writes) != len(ready[j].Writes) {
			return len(ready[i].Writes) < len(ready[j].Writes)
		}
		return ready[i].TaskID < ready[j].TaskID
	})
	return ready, nil
}

func (s *sqliteStore) SetTaskState(ctx context.Context, jobID, taskID string, state TaskState) error {
	now := time.Now().UTC().Unix()
	res, err := s.stmtSetTaskState.ExecContext(ctx, string(state), now, jobID, taskID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("task not found: %s/%s", jobID, taskID)
	}
	return nil
}

// IncrementTaskAttempt bumps the retry counter and resets state to
// analysis_pending (spec §4.4 retry policy), returning the new attempt count.
func (s *sqliteStore) IncrementTaskAttempt(ctx context.Context, jobID, taskID string) (int, error) {
	now := time.Now().UTC().Unix()
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	var attempt int
	if err := tx.QueryRowContext(ctx, `SELECT attempt FROM tasks WHERE job_id = ? AND task_id = ?`, jobID, taskID).Scan(&attempt); err != nil {
		return 0, err
	}
	attempt++
	if _, err := tx.ExecContext(ctx, `UPDATE tasks SET attempt = ?, state = ?, updated_at = ? WHERE job_id = ? AND task_id = ?`,
		attempt, string(TaskAnalysisPending), now, jobID, taskID); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return attempt, nil
}

func (s *sqliteStore) SetTaskClaimRef(ctx context.Context, jobID, taskID, claimRef string) error {
	now := time.Now().UTC().Unix()
	_, err := s.DB.ExecContext(ctx, `UPDATE tasks SET last_claim_ref = ?, updated_at = ? WHERE job_id = ? AND task_id = ?`, claimRef, now, jobID, taskID)
	return err
}

func (s *sqliteStore) SetTaskExitResult(ctx context.Context, jobID, taskID string, exitCode *int, diffSummary string) error {
	now := time.Now().UTC().Unix()
	var exitVal any
	if exitCode != nil {
		exitVal = *exitCode
	}
	_, err := s.DB.ExecContext(ctx, `UPDATE tasks SET last_exit_code = ?, last_diff_summary = ?, updated_at = ? WHERE job_id = ? AND task_id = ?`,
		exitVal, diffSummary, now, jobID, taskID)
	return err
}

func (s *sqliteStore) SetTaskRole(ctx context.Context, jobID, taskID, role string) error {
	now := time.Now().UTC().Unix()
	_, err := s.DB.ExecContext(ctx, `UPDATE tasks SET role = ?, updated_at = ? WHERE job_id = ? AND task_id = ?`, role, now, jobID, taskID)
	return err
}

// CancelDependents walks the dependency graph forward from taskID and sets
// every transitive dependent still pending/analysis_pending/awaiting_go to
// cancelled (spec §4.4: "dependents are cancelled" after retry exhaustion).
// It returns the ids of every task it cancelled.
func (s *sqliteStore) CancelDependents(ctx context.Context, jobID, taskID string) ([]string, error) {
	all, err := s.ListTasksForJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	dependents := make(map[string][]string) // dep -> tasks that depend on it
	for _, t := range all {
		for _, dep := range t.Dependencies {
			dependents[dep] = append(dependents[dep], t.TaskID)
		}
	}

	var cancelled []string
	queue := []string{taskID}
	visited := map[string]bool{}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, child := range dependents[cur] {
			if visited[child] {
				continue
			}
			visited[child] = true
			queue = append(queue, child)

			for _, t := range all {
				if t.TaskID != child {
					continue
				}
				switch t.State {
				case TaskPending, TaskAnalysisPending, TaskAwaitingGo:
					if err := s.SetTaskState(ctx, jobID, child, TaskCancelled); err != nil {
						return cancelled, err
					}
					cancelled = append(cancelled, child)
				}
			}
		}
	}
	sort.Strings(cancelled)
	return cancelled, nil
}

// CreateClaim records a claim-mode invocation's declared resources and commands.
func (s *sqliteStore) CreateClaim(ctx context.Context, c Claim) error {
	readsJSON, err := json.Marshal(c.Reads)
	if err != nil {
		return err
	}
	writesJSON, err := json.Marshal(c.Writes)
	if err != nil {
		return err
	}
	commandsJSON, err := json.Marshal(c.Commands)
	if err != nil {
		return err
	}
	decision := c.Decision
	if decision == "" {
		decision = ClaimPending
	}
	now := time.Now().UTC().Unix()
	_, err = s.DB.ExecContext(ctx, `
INSERT INTO claims(job_id, task_id, attempt, reads_json, writes_json, commands_json, decision, blocking_reason, created_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.JobID, c.TaskID, c.Attempt, string(readsJSON), string(writesJSON), string(commandsJSON), string(decision), c.BlockingReason, now)
	return err
}

func (s *sqliteStore) GetLatestClaim(ctx context.Context, jobID, taskID string) (*Claim, error) {
	row := s.DB.QueryRowContext(ctx, `
SELECT job_id, task_id, attempt, reads_json, writes_json, commands_json, decision, blocking_reason, created_at
FROM claims WHERE job_id = ? AND task_id = ? ORDER BY attempt DESC LIMIT 1`, jobID, taskID)

	var (
		c                              Claim
		readsJSON, writesJSON, cmdJSON string
		decision                       string
		createdAt                     int64
	)
	if err := row.Scan(&c.JobID, &c.TaskID, &c.Attempt, &readsJSON, &writesJSON, &cmdJSON, &decision, &c.BlockingReason, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if err := json.Unmarshal([]byte(readsJSON), &c.Reads); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(writesJSON), &c.Writes); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(cmdJSON), &c.Commands); err != nil {
		return nil, err
	}
	c.Decision = ClaimDecisionKind(decision)
	c.CreatedAt = time.Unix(createdAt, 0).UTC()
	return &c, nil
}

func (s *sqliteStore) SetClaimDecision(ctx context.Context, jobID, taskID string, attempt int, decision ClaimDecisionKind, reason string) error {
	_, err := s.DB.ExecContext(ctx, `
UPDATE claims SET decision = ?, blocking_reason = ? WHERE job_id = ? AND task_id = ? AND attempt = ?`,
		string(decision), reason, jobID, taskID, attempt)
	return err
}

// ReplaceLocks atomically overwrites the persisted lock-table mirror; the
// runner calls this after every arbiter grant and release, so the table
// holds the locks as of the last such change (spec §4.5).
func (s *sqliteStore) ReplaceLocks(ctx context.Context, locks []Lock) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM locks`); err != nil {
		return err
	}
	now := time.Now().UTC().Unix()
	for _, l := range locks {
		acquired := l.AcquiredAt.UTC().Unix()
		if acquired == 0 {
			acquired = now
		}
		if _, err := tx.ExecContext(ctx, `
INSERT INTO locks(path, mode, holder_job_id, holder_task_id, acquired_at) VALUES(?, ?, ?, ?, ?)`,
			l.Path, string(l.Mode), l.HolderJobID, l.HolderTask, acquired); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) ListLocks(ctx context.Context) ([]Lock, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT path, mode, holder_job_id, holder_task_id, acquired_at FROM locks ORDER BY path ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Lock
	for rows.Next() {
		var l Lock
		var mode string
		var acquired int64
		if err := rows.Scan(&l.Path, &mode, &l.HolderJobID, &l.HolderTask, &acquired); err != nil {
			return nil, err
		}
		l.Mode = LockMode(mode)
		l.AcquiredAt = time.Unix(acquired, 0).UTC()
		out = append(out, l)
	}
	return out, rows.Err()
}

func (s *sqliteStore) ClearLocksForTask(ctx context.Context, jobID, taskID string) error {
	_, err := s.DB.ExecContext(ctx, `DELETE FROM locks WHERE holder_job_id = ? AND holder_task_id = ?`, jobID, taskID)
	return err
}

// ClearStaleLocks deletes (and returns) every persisted lock whose holder
// task is not currently in the executing state — the crash-recovery sweep
// of spec §4.5 ("locks whose holder task isn't executing are cleared").
func (s *sqliteStore) ClearStaleLocks(ctx context.Context) ([]Lock, error) {
	locks, err := s.ListLocks(ctx)
	if err != nil {
		return nil, err
	}
	var stale []Lock
	for _, l := range locks {
		t, err := s.GetTask(ctx, l.HolderJobID, l.HolderTask)
		if err != nil {
			return nil, err
		}
		if t == nil || t.State != TaskExecuting {
			stale = append(stale, l)
		}
	}
	for _, l := range stale {
		if _, err := s.DB.ExecContext(ctx, `DELETE FROM locks WHERE path = ? AND holder_job_id = ? AND holder_task_id = ?`,
			l.Path, l.HolderJobID, l.HolderTask); err != nil {
			return nil, err
		}
	}
	return stale, nil
}

func (s *sqliteStore) AppendEvent(ctx context.Context, e Event) (int64, error) {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return 0, err
	}
	ts := e.TS
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	res, err := s.DB.ExecContext(ctx, `
INSERT INTO events(ts, event, job_id, task_id, payload_json) VALUES(?, ?, ?, ?, ?)`,
		ts.Unix(), e.Event, e.JobID, e.TaskID, string(payload))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// ListEventsForJob returns events for a job with id > since, in id order,
// so a reader can tail a job's log by passing the last id it has seen.
func (s *sqliteStore) ListEventsForJob(ctx context.Context, jobID string, since int64) ([]Event, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, ts, event, job_id, task_id, payload_json FROM events
WHERE job_id = ? AND id > ? ORDER BY id ASC`, jobID, since)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Event
	for rows.Next() {
		var (
			e       Event
			ts      int64
			payload string
		)
		if err := rows.Scan(&e.ID, &ts, &e.Event, &e.JobID, &e.TaskID, &payload); err != nil {
			return nil, err
		}
		e.TS = time.Unix(ts, 0).UTC()
		if err := json.Unmarshal([]byte(payload), &e.Payload); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
