package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/numerus-run/numerus/internal/store"
)

func (s *Store) CreateJob(ctx context.Context, job store.Job) error {
	if job.JobID == "" {
		return errors.New("job id required")
	}
	if job.Status == "" {
		job.Status = store.JobPlanning
	}
	now := time.Now().UTC().Unix()
	_, err := s.Pool.Exec(ctx, `
INSERT INTO jobs(job_id, objective, working_dir, status, plan_ref, created_at, updated_at)
VALUES($1, $2, $3, $4, $5, $6, $6)`,
		job.JobID, job.Objective, job.WorkingDir, string(job.Status), job.PlanRef, now)
	return err
}

func scanJobRow(row pgx.Row) (*store.Job, error) {
	var (
		j                    store.Job
		status               string
		createdAt, updatedAt int64
	)
	if err := row.Scan(&j.JobID, &j.Objective, &j.WorkingDir, &status, &j.PlanRef, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	j.Status = store.JobStatus(status)
	j.CreatedAt = time.Unix(createdAt, 0).UTC()
	j.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &j, nil
}

func (s *Store) GetJob(ctx context.Context, jobID string) (*store.Job, error) {
	row := s.Pool.QueryRow(ctx, `SELECT job_id, objective, working_dir, status, plan_ref, created_at, updated_at FROM jobs WHERE job_id = $1`, jobID)
	j, err := scanJobRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return j, nil
}

func (s *Store) ListJobs(ctx context.Context, limit int) ([]store.Job, error) {
	q := `SELECT job_id, objective, working_dir, status, plan_ref, created_at, updated_at FROM jobs ORDER BY created_at DESC`
	var args []any
	if limit > 0 {
		q += ` LIMIT $1`
		args = append(args, limit)
	}
	rows, err := s.Pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []store.Job
	for rows.Next() {
		j, err := scanJobRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *j)
	}
	return out, rows.Err()
}

func (s *Store) ListNonTerminalJobs(ctx context.Context) ([]store.Job, error) {
	rows, err := s.Pool.Query(ctx, `
SELECT job_id, objective, working_dir, status, plan_ref, created_at, updated_at
FROM jobs WHERE status NOT IN ('done','failed','cancelled') ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []store.Job
	for rows.Next() {
		j, err := scanJobRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *j)
	}
	return out, rows.Err()
}

func (s *Store) UpdateJobStatus(ctx context.Context, jobID string, status store.JobStatus) error {
	now := time.Now().UTC().Unix()
	tag, err := s.Pool.Exec(ctx, `UPDATE jobs SET status = $1, updated_at = $2 WHERE job_id = $3`, string(status), now, jobID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job not found: %s", jobID)
	}
	return nil
}

func (s *Store) SetJobPlanRef(ctx context.Context, jobID, planRef string) error {
	now := time.Now().UTC().Unix()
	_, err := s.Pool.Exec(ctx, `UPDATE jobs SET plan_ref = $1, updated_at = $2 WHERE job_id = $3`, planRef, now, jobID)
	return err
}

func (s *Store) CreateTasks(ctx context.Context, tasks []store.Task) error {
	if len(tasks) == 0 {
		return nil
	}
	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	now := time.Now().UTC().Unix()
	for _, t := range tasks {
		state := t.State
		if state == "" {
			state = store.TaskPending
		}
		if _, err := tx.Exec(ctx, `
INSERT INTO tasks(job_id, task_id, summary, description, role, state, attempt, last_claim_ref, last_exit_code, last_diff_summary, created_at, updated_at)
VALUES($1, $2, $3, $4, $5, $6, 0, '', NULL, '', $7, $7)`,
			t.JobID, t.TaskID, t.Summary, t.Description, t.Role, string(state), now); err != nil {
			return fmt.Errorf("insert task %s: %w", t.TaskID, err)
		}
		for _, dep := range t.Dependencies {
			if _, err := tx.Exec(ctx, `INSERT INTO task_dependencies(job_id, task_id, depends_on_task_id) VALUES($1, $2, $3)`, t.JobID, t.TaskID, dep); err != nil {
				return fmt.Errorf("insert dependency %s->%s: %w", t.TaskID, dep, err)
			}
		}
		for _, p := range t.Reads {
			if _, err := tx.Exec(ctx, `INSERT INTO task_resources(job_id, task_id, path, mode) VALUES($1, $2, $3, 'read') ON CONFLICT DO NOTHING`, t.JobID, t.TaskID, p); err != nil {
				return err
			}
		}
		for _, p := range t.Writes {
			if _, err := tx.Exec(ctx, `INSERT INTO task_resources(job_id, task_id, path, mode) VALUES($1, $2, $3, 'write') ON CONFLICT DO NOTHING`, t.JobID, t.TaskID, p); err != nil {
				return err
			}
		}
	}
	return tx.Commit(ctx)
}

func scanTaskRow(row pgx.Row) (*store.Task, error) {
	var (
		t                    store.Task
		state                string
		lastExitCode         *int64
		createdAt, updatedAt int64
	)
	if err := row.Scan(&t.JobID, &t.TaskID, &t.Summary, &t.Description, &t.Role, &state, &t.Attempt,
		&t.LastClaimRef, &lastExitCode, &t.LastDiffSummary, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	t.State = store.TaskState(state)
	if lastExitCode != nil {
		v := int(*lastExitCode)
		t.LastExitCode = &v
	}
	t.CreatedAt = time.Unix(createdAt, 0).UTC()
	t.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &t, nil
}

func (s *Store) hydrateTaskEdges(ctx context.Context, t *store.Task) error {
	depRows, err := s.Pool.Query(ctx, `SELECT depends_on_task_id FROM task_dependencies WHERE job_id = $1 AND task_id = $2 ORDER BY depends_on_task_id ASC`, t.JobID, t.TaskID)
	if err != nil {
		return err
	}
	for depRows.Next() {
		var dep string
		if err := depRows.Scan(&dep); err != nil {
			depRows.Close()
			return err
		}
		t.Dependencies = append(t.Dependencies, dep)
	}
	depRows.Close()
	if err := depRows.Err(); err != nil {
		return err
	}

	resRows, err := s.Pool.Query(ctx, `SELECT path, mode FROM task_resources WHERE job_id = $1 AND task_id = $2 ORDER BY path ASC`, t.JobID, t.TaskID)
	if err != nil {
		return err
	}
	for resRows.Next() {
		var path, mode string
		if err := resRows.Scan(&path, &mode); err != nil {
			resRows.Close()
			return err
		}
		if mode == "write" {
			t.Writes = append(t.Writes, path)
		} else {
			t.Reads = append(t.Reads, path)
		}
	}
	resRows.Close()
	return resRows.Err()
}

func (s *Store) GetTask(ctx context.Context, jobID, taskID string) (*store.Task, error) {
	row := s.Pool.QueryRow(ctx, `
SELECT job_id, task_id, summary, description, role, state, attempt, last_claim_ref, last_exit_code, last_diff_summary, created_at, updated_at
FROM tasks WHERE job_id = $1 AND task_id = $2`, jobID, taskID)
	t, err := scanTaskRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if err := s.hydrateTaskEdges(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

func (s *Store) ListTasksForJob(ctx context.Context, jobID string) ([]store.Task, error) {
	rows, err := s.Pool.Query(ctx, `
SELECT job_id, task_id, summary, description, role, state, attempt, last_claim_ref, last_exit_code, last_diff_summary, created_at, updated_at
FROM tasks WHERE job_id = $1 ORDER BY task_id ASC`, jobID)
	if err != nil {
		return nil, err
	}
	var out []store.Task
	for rows.Next() {
		t, err := scanTaskRow(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, *t)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range out {
		if err := s.hydrateTaskEdges(ctx, &out[i]); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *Store) ListReadyTasks(ctx context.Context, jobID string) ([]store.Task, error) {
	all, err := s.ListTasksForJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*store.Task, len(all))
	for i := range all {
		byID[all[i].TaskID] = &all[i]
	}
	var ready []store.Task
	for _, t := range all {
		if t.State != store.TaskPending {
			continue
		}
		blocked := false
		for _, dep := range t.Dependencies {
			dt, ok := byID[dep]
			if !ok || dt.State != store.TaskCompleted {
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

func (s *Store) SetTaskState(ctx context.Context, jobID, taskID string, state store.TaskState) error {
	now := time.Now().UTC().Unix()
	tag, err := s.Pool.Exec(ctx, `UPDATE tasks SET state = $1, updated_at = $2 WHERE job_id = $3 AND task_id = $4`, string(state), now, jobID, taskID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("task not found: %s/%s", jobID, taskID)
	}
	return nil
}

func (s *Store) IncrementTaskAttempt(ctx context.Context, jobID, taskID string) (int, error) {
	now := time.Now().UTC().Unix()
	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	var attempt int
	if err := tx.QueryRow(ctx, `SELECT attempt FROM tasks WHERE job_id = $1 AND task_id = $2`, jobID, taskID).Scan(&attempt); err != nil {
		return 0, err
	}
	attempt++
	if _, err := tx.Exec(ctx, `UPDATE tasks SET attempt = $1, state = $2, updated_at = $3 WHERE job_id = $4 AND task_id = $5`,
		attempt, string(store.TaskAnalysisPending), now, jobID, taskID); err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return attempt, nil
}

func (s *Store) SetTaskClaimRef(ctx context.Context, jobID, taskID, claimRef string) error {
	now := time.Now().UTC().Unix()
	_, err := s.Pool.Exec(ctx, `UPDATE tasks SET last_claim_ref = $1, updated_at = $2 WHERE job_id = $3 AND task_id = $4`, claimRef, now, jobID, taskID)
	return err
}

func (s *Store) SetTaskExitResult(ctx context.Context, jobID, taskID string, exitCode *int, diffSummary string) error {
	now := time.Now().UTC().Unix()
	var exitVal any
	if exitCode != nil {
		exitVal = *exitCode
	}
	_, err := s.Pool.Exec(ctx, `UPDATE tasks SET last_exit_code = $1, last_diff_summary = $2, updated_at = $3 WHERE job_id = $4 AND task_id = $5`,
		exitVal, diffSummary, now, jobID, taskID)
	return err
}

func (s *Store) SetTaskRole(ctx context.Context, jobID, taskID, role string) error {
	now := time.Now().UTC().Unix()
	_, err := s.Pool.Exec(ctx, `UPDATE tasks SET role = $1, updated_at = $2 WHERE job_id = $3 AND task_id = $4`, role, now, jobID, taskID)
	return err
}

func (s *Store) CancelDependents(ctx context.Context, jobID, taskID string) ([]string, error) {
	all, err := s.ListTasksForJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	dependents := make(map[string][]string)
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
				case store.TaskPending, store.TaskAnalysisPending, store.TaskAwaitingGo:
					if err := s.SetTaskState(ctx, jobID, child, store.TaskCancelled); err != nil {
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

func (s *Store) CreateClaim(ctx context.Context, c store.Claim) error {
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
		decision = store.ClaimPending
	}
	now := time.Now().UTC().Unix()
	_, err = s.Pool.Exec(ctx, `
INSERT INTO claims(job_id, task_id, attempt, reads_json, writes_json, commands_json, decision, blocking_reason, created_at)
VALUES($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		c.JobID, c.TaskID, c.Attempt, string(readsJSON), string(writesJSON), string(commandsJSON), string(decision), c.BlockingReason, now)
	return err
}

func (s *Store) GetLatestClaim(ctx context.Context, jobID, taskID string) (*store.Claim, error) {
	row := s.Pool.QueryRow(ctx, `
SELECT job_id, task_id, attempt, reads_json, writes_json, commands_json, decision, blocking_reason, created_at
FROM claims WHERE job_id = $1 AND task_id = $2 ORDER BY attempt DESC LIMIT 1`, jobID, taskID)

	var (
		c                              store.Claim
		readsJSON, writesJSON, cmdJSON string
		decision                       string
		createdAt                      int64
	)
	if err := row.Scan(&c.JobID, &c.TaskID, &c.Attempt, &readsJSON, &writesJSON, &cmdJSON, &decision, &c.BlockingReason, &createdAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
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
	c.Decision = store.ClaimDecisionKind(decision)
	c.CreatedAt = time.Unix(createdAt, 0).UTC()
	return &c, nil
}

func (s *Store) SetClaimDecision(ctx context.Context, jobID, taskID string, attempt int, decision store.ClaimDecisionKind, reason string) error {
	_, err := s.Pool.Exec(ctx, `UPDATE claims SET decision = $1, blocking_reason = $2 WHERE job_id = $3 AND task_id = $4 AND attempt = $5`,
		string(decision), reason, jobID, taskID, attempt)
	return err
}

func (s *Store) ReplaceLocks(ctx context.Context, locks []store.Lock) error {
	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM locks`); err != nil {
		return err
	}
	now := time.Now().UTC().Unix()
	for _, l := range locks {
		acquired := l.AcquiredAt.UTC().Unix()
		if acquired == 0 {
			acquired = now
		}
		if _, err := tx.Exec(ctx, `INSERT INTO locks(path, mode, holder_job_id, holder_task_id, acquired_at) VALUES($1, $2, $3, $4, $5)`,
			l.Path, string(l.Mode), l.HolderJobID, l.HolderTask, acquired); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (s *Store) ListLocks(ctx context.Context) ([]store.Lock, error) {
	rows, err := s.Pool.Query(ctx, `SELECT path, mode, holder_job_id, holder_task_id, acquired_at FROM locks ORDER BY path ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []store.Lock
	for rows.Next() {
		var l store.Lock
		var mode string
		var acquired int64
		if err := rows.Scan(&l.Path, &mode, &l.HolderJobID, &l.HolderTask, &acquired); err != nil {
			return nil, err
		}
		l.Mode = store.LockMode(mode)
		l.AcquiredAt = time.Unix(acquired, 0).UTC()
		out = append(out, l)
	}
	return out, rows.Err()
}

func (s *Store) ClearLocksForTask(ctx context.Context, jobID, taskID string) error {
	_, err := s.Pool.Exec(ctx, `DELETE FROM locks WHERE holder_job_id = $1 AND holder_task_id = $2`, jobID, taskID)
	return err
}

func (s *Store) ClearStaleLocks(ctx context.Context) ([]store.Lock, error) {
	locks, err := s.ListLocks(ctx)
	if err != nil {
		return nil, err
	}
	var stale []store.Lock
	for _, l := range locks {
		t, err := s.GetTask(ctx, l.HolderJobID, l.HolderTask)
		if err != nil {
			return nil, err
		}
		if t == nil || t.State != store.TaskExecuting {
			stale = append(stale, l)
		}
	}
	for _, l := range stale {
		if _, err := s.Pool.Exec(ctx, `DELETE FROM locks WHERE path = $1 AND holder_job_id = $2 AND holder_task_id = $3`,
			l.Path, l.HolderJobID, l.HolderTask); err != nil {
			return nil, err
		}
	}
	return stale, nil
}

func (s *Store) AppendEvent(ctx context.Context, e store.Event) (int64, error) {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return 0, err
	}
	ts := e.TS
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	var id int64
	err = s.Pool.QueryRow(ctx, `
INSERT INTO events(ts, event, job_id, task_id, payload_json) VALUES($1, $2, $3, $4, $5) RETURNING id`,
		ts.Unix(), e.Event, e.JobID, e.TaskID, string(payload)).Scan(&id)
	return id, err
}

func (s *Store) ListEventsForJob(ctx context.Context, jobID string, since int64) ([]store.Event, error) {
	rows, err := s.Pool.Query(ctx, `
SELECT id, ts, event, job_id, task_id, payload_json FROM events
WHERE job_id = $1 AND id > $2 ORDER BY id ASC`, jobID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []store.Event
	for rows.Next() {
		var (
			e       store.Event
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
