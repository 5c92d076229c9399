// Package runner implements the C7 Job Runner (spec §4.1): the task state
// machine that drives one objective from plan through per-task
// claim/arbitration/execute to a terminal job status. Per spec §9's
// "Concurrency reshape" note, each job is an explicit state machine driven
// by a worker pool plus a bounded mailbox of wakeup events, rather than
// cooperative single-threaded switching. The scheduling shape
// (ticker-free, semaphore-bounded goroutine-per-task fan-out, WaitGroup
// drain on shutdown) follows a process-wide scheduler loop pattern,
// narrowed here to one loop per job.
package runner

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/numerus-run/numerus/internal/agentproto"
	"github.com/numerus-run/numerus/internal/arbiter"
	"github.com/numerus-run/numerus/internal/eventbus"
	"github.com/numerus-run/numerus/internal/git"
	"github.com/numerus-run/numerus/internal/plan"
	"github.com/numerus-run/numerus/internal/store"
	"github.com/numerus-run/numerus/internal/terminal"
)

// Config resolves every runner-level tunable (spec §3 configuration,
// §5 timeouts/retry policy).
type Config struct {
	AgentBin         string
	RunsDir          string
	MaxParallelTasks int
	TaskTimeout      time.Duration // applied independently to plan, claim, and execute invocations
	RetryLimit       int           // default 2, per spec §4.1
	CancelGrace      time.Duration // default 10s, per spec §5
	BreakerThreshold int
	BreakerCooldown  time.Duration

	// RoleTaxonomy maps a role name to the keywords that select it in
	// fallbackRoles, overriding the built-in table. Nil uses the
	// built-in table.
	RoleTaxonomy map[string][]string
}

func (c Config) withDefaults() Config {
	if c.MaxParallelTasks <= 0 {
		c.MaxParallelTasks = 4
	}
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = 600 * time.Second
	}
	if c.RetryLimit <= 0 {
		c.RetryLimit = 2
	}
	if c.CancelGrace <= 0 {
		c.CancelGrace = 10 * time.Second
	}
	if c.RunsDir == "" {
		c.RunsDir = "./runs"
	}
	return c
}

// Runner owns every job currently planning or running. One Runner is
// constructed per daemon process; the Arbiter and Terminal Manager it
// holds are shared across all jobs, since filesystem contention is a
// process-wide concern, not a per-job one.
type Runner struct {
	st   store.Store
	bus  *eventbus.Bus
	arb  *arbiter.Arbiter
	term *terminal.Manager
	cfg  Config

	mu   sync.Mutex
	jobs map[string]*jobLoop
}

// New constructs a Runner. It uses arb as given and installs no hooks of
// its own; an Arbiter built by NewArbiter below is the one whose
// park/unpark hooks publish claim_blocked/claim_unblocked bus events.
func New(st store.Store, bus *eventbus.Bus, arb *arbiter.Arbiter, term *terminal.Manager, cfg Config) *Runner {
	return &Runner{
		st:   st,
		bus:  bus,
		arb:  arb,
		term: term,
		cfg:  cfg.withDefaults(),
		jobs: make(map[string]*jobLoop),
	}
}

// NewArbiter builds an Arbiter whose park/unpark hooks publish
// claim_blocked/claim_unblocked onto bus (spec §7 LockConflict: "not an
// error: task parked, journal claim_blocked").
func NewArbiter(bus *eventbus.Bus) *arbiter.Arbiter {
	onPark := func(c arbiter.Claim, reason string, conflicting []string) {
		bus.Publish(eventbus.Event{
			Topic: "job.claim_blocked", JobID: c.JobID, TaskID: c.TaskID,
			Payload: map[string]any{"reason": reason, "conflicting_holders": conflicting},
		})
	}
	onUnpark := func(c arbiter.Claim) {
		bus.Publish(eventbus.Event{
			Topic: "job.claim_unblocked", JobID: c.JobID, TaskID: c.TaskID,
		})
	}
	return arbiter.New(onPark, onUnpark)
}

// Submit persists a new Job and starts its planning/execution loop in the
// background, returning immediately with the job id (spec §4.1 submit()).
func (r *Runner) Submit(ctx context.Context, objective, workingDir string) (string, error) {
	if objective == "" {
		return "", errors.New("runner: objective must not be empty")
	}
	jobID := "job-" + randomHex(8)
	job := store.Job{JobID: jobID, Objective: objective, WorkingDir: workingDir, Status: store.JobPlanning}
	if err := r.st.CreateJob(ctx, job); err != nil {
		return "", fmt.Errorf("runner: create job: %w", err)
	}

	jl := &jobLoop{
		r:        r,
		jobID:    jobID,
		cancelCh: make(chan struct{}),
		mailbox:  make(chan struct{}, 64),
		sessions: make(map[string]*terminal.Session),
		inFlight: make(map[string]bool),
		sem:      make(chan struct{}, r.cfg.MaxParallelTasks),
	}
	r.mu.Lock()
	r.jobs[jobID] = jl
	r.mu.Unlock()

	go func() {
		jl.run(context.Background())
		r.mu.Lock()
		delete(r.jobs, jobID)
		r.mu.Unlock()
	}()

	return jobID, nil
}

// Status returns the job and every task's current record (spec §4.1
// status()).
func (r *Runner) Status(ctx context.Context, jobID string) (*store.Job, []store.Task, error) {
	job, err := r.st.GetJob(ctx, jobID)
	if err != nil {
		return nil, nil, err
	}
	if job == nil {
		return nil, nil, nil
	}
	tasks, err := r.st.ListTasksForJob(ctx, jobID)
	if err != nil {
		return nil, nil, err
	}
	return job, tasks, nil
}

// Cancel transitions job to cancelling and signals every in-flight task
// pipeline to terminate (spec §5 cancellation semantics).
func (r *Runner) Cancel(ctx context.Context, jobID string) error {
	r.mu.Lock()
	jl, ok := r.jobs[jobID]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("runner: job %s not running", jobID)
	}
	if err := r.st.UpdateJobStatus(ctx, jobID, store.JobCancelling); err != nil {
		return err
	}
	jl.requestCancel()
	return nil
}

// Resume re-attaches a jobLoop to every job the store reports as
// non-terminal (spec §8 S6 crash recovery) after a daemon restart. A job
// still in "planning" never got a plan committed, so it is marked failed
// rather than silently re-planned under the same job id; a job already
// "running" or "cancelling" resumes straight into scheduling, after any
// task the crash caught mid-flight (executing or awaiting_go, with no
// in-memory arbiter state to resume it) is stepped back to
// analysis_pending and its locks released.
func (r *Runner) Resume(ctx context.Context) error {
	jobs, err := r.st.ListNonTerminalJobs(ctx)
	if err != nil {
		return fmt.Errorf("runner: list non-terminal jobs: %w", err)
	}
	for _, job := range jobs {
		switch job.Status {
		case store.JobPlanning:
			slog.Warn("runner: job was still planning at restart, marking failed", "job_id", job.JobID)
			_ = r.st.UpdateJobStatus(ctx, job.JobID, store.JobFailed)
			r.bus.Publish(eventbus.Event{Topic: "job.failed", JobID: job.JobID, Payload: map[string]any{"reason": "interrupted_during_planning"}})
		case store.JobRunning, store.JobCancelling:
			if err := r.resumeJob(ctx, job); err != nil {
				slog.Error("runner: resume job failed", "job_id", job.JobID, "err", err)
			}
		}
	}
	return nil
}

func (r *Runner) resumeJob(ctx context.Context, job store.Job) error {
	tasks, err := r.st.ListTasksForJob(ctx, job.JobID)
	if err != nil {
		return fmt.Errorf("resume %s: list tasks: %w", job.JobID, err)
	}
	for _, t := range tasks {
		if t.State != store.TaskExecuting && t.State != store.TaskAwaitingGo {
			continue
		}
		if err := r.st.ClearLocksForTask(ctx, job.JobID, t.TaskID); err != nil {
			slog.Error("runner: clear orphaned locks failed", "job_id", job.JobID, "task_id", t.TaskID, "err", err)
		}
		if err := r.st.SetTaskState(ctx, job.JobID, t.TaskID, store.TaskAnalysisPending); err != nil {
			slog.Error("runner: reset orphaned task failed", "job_id", job.JobID, "task_id", t.TaskID, "err", err)
			continue
		}
		r.bus.Publish(eventbus.Event{Topic: "job.task_orphaned", JobID: job.JobID, TaskID: t.TaskID, Payload: map[string]any{"prior_state": string(t.State)}})
	}

	jl := &jobLoop{
		r:        r,
		jobID:    job.JobID,
		cancelCh: make(chan struct{}),
		mailbox:  make(chan struct{}, 64),
		sessions: make(map[string]*terminal.Session),
		inFlight: make(map[string]bool),
		sem:      make(chan struct{}, r.cfg.MaxParallelTasks),
	}
	r.mu.Lock()
	r.jobs[job.JobID] = jl
	r.mu.Unlock()

	r.bus.Publish(eventbus.Event{Topic: "job.resumed", JobID: job.JobID})
	if job.Status == store.JobCancelling {
		jl.requestCancel()
	}

	go func() {
		jl.schedule(ctx)
		r.mu.Lock()
		delete(r.jobs, job.JobID)
		r.mu.Unlock()
	}()
	return nil
}

func randomHex(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return hex.EncodeToString([]byte(time.Now().Format(time.RFC3339Nano)))[:n*2]
	}
	return hex.EncodeToString(b)
}

// jobLoop drives one Job's task DAG from planning through a terminal
// status. All state-mutating calls for this job are serialized through
// this goroutine and the task-pipeline goroutines it fans out, with the
// mailbox channel waking the scheduling pass whenever a task pipeline
// completes a phase.
type jobLoop struct {
	r     *Runner
	jobID string

	cancelOnce sync.Once
	cancelCh   chan struct{}
	mailbox    chan struct{}

	mu       sync.Mutex
	sessions map[string]*terminal.Session
	inFlight map[string]bool

	sem chan struct{}

	wg sync.WaitGroup
}

// markInFlight claims taskID for dispatch, returning false if another
// goroutine already has it (guards against double-dispatch of a task that
// is both freshly retried and still visible to a concurrent scheduling
// pass).
func (jl *jobLoop) markInFlight(taskID string) bool {
	jl.mu.Lock()
	defer jl.mu.Unlock()
	if jl.inFlight[taskID] {
		return false
	}
	jl.inFlight[taskID] = true
	return true
}

func (jl *jobLoop) clearInFlight(taskID string) {
	jl.mu.Lock()
	delete(jl.inFlight, taskID)
	jl.mu.Unlock()
}

func (jl *jobLoop) isInFlight(taskID string) bool {
	jl.mu.Lock()
	defer jl.mu.Unlock()
	return jl.inFlight[taskID]
}

func (jl *jobLoop) requestCancel() {
	jl.cancelOnce.Do(func() {
		close(jl.cancelCh)
		jl.signalSessions(syscall.SIGTERM)
		go func() {
			time.Sleep(jl.r.cfg.CancelGrace)
			jl.signalSessions(syscall.SIGKILL)
		}()
	})
}

func (jl *jobLoop) signalSessions(sig syscall.Signal) {
	jl.mu.Lock()
	sessions := make([]*terminal.Session, 0, len(jl.sessions))
	for _, s := range jl.sessions {
		sessions = append(sessions, s)
	}
	jl.mu.Unlock()
	for _, s := range sessions {
		_ = s.Kill(sig)
	}
}

func (jl *jobLoop) wake() {
	select {
	case jl.mailbox <- struct{}{}:
	default:
	}
}

func (jl *jobLoop) trackSession(taskID string, s *terminal.Session) {
	jl.mu.Lock()
	jl.sessions[taskID] = s
	jl.mu.Unlock()
}

func (jl *jobLoop) untrackSession(taskID string) {
	jl.mu.Lock()
	delete(jl.sessions, taskID)
	jl.mu.Unlock()
}

func (jl *jobLoop) isCancelling() bool {
	select {
	case <-jl.cancelCh:
		return true
	default:
		return false
	}
}

func (jl *jobLoop) run(ctx context.Context) {
	r := jl.r
	bus := r.bus

	bus.Publish(eventbus.Event{Topic: "job.started", JobID: jl.jobID})

	p, err := jl.plan(ctx)
	if err != nil {
		var cycleErr *plan.CycleError
		reason := "plan_invalid"
		if errors.As(err, &cycleErr) {
			reason = "cycle_detected"
		}
		slog.Error("runner plan failed", "job_id", jl.jobID, "err", err)
		bus.Publish(eventbus.Event{Topic: "job." + reason, JobID: jl.jobID, Payload: map[string]any{"err": err.Error()}})
		_ = r.st.UpdateJobStatus(ctx, jl.jobID, store.JobFailed)
		bus.Publish(eventbus.Event{Topic: "job.failed", JobID: jl.jobID})
		return
	}

	if err := jl.persistPlan(ctx, p); err != nil {
		slog.Error("runner persist plan failed", "job_id", jl.jobID, "err", err)
		_ = r.st.UpdateJobStatus(ctx, jl.jobID, store.JobFailed)
		bus.Publish(eventbus.Event{Topic: "job.failed", JobID: jl.jobID})
		return
	}
	bus.Publish(eventbus.Event{Topic: "job.plan_created", JobID: jl.jobID, Payload: map[string]any{"task_count": len(p.Tasks)}})

	jl.assignRoles(ctx, p)

	if err := r.st.UpdateJobStatus(ctx, jl.jobID, store.JobRunning); err != nil {
		slog.Error("runner set job running failed", "job_id", jl.jobID, "err", err)
		return
	}

	jl.schedule(ctx)
}

// plan invokes the agent binary in plan mode and parses its output.
func (jl *jobLoop) plan(ctx context.Context) (*plan.Plan, error) {
	r := jl.r
	job, err := r.st.GetJob(ctx, jl.jobID)
	if err != nil || job == nil {
		return nil, fmt.Errorf("runner: load job: %w", err)
	}
	pctx, cancel := context.WithTimeout(ctx, r.cfg.TaskTimeout)
	defer cancel()
	out, _, err := jl.spawnAndCollect(pctx, "plan-"+jl.jobID, "", agentproto.PlanPrompt(job.Objective), job.WorkingDir)
	if err != nil {
		return nil, fmt.Errorf("runner: plan spawn: %w", err)
	}
	raw, err := agentproto.ExtractJSON(out)
	if err != nil {
		return nil, fmt.Errorf("runner: plan output: %w", err)
	}
	return plan.ParsePlan(raw)
}

func (jl *jobLoop) persistPlan(ctx context.Context, p *plan.Plan) error {
	r := jl.r
	tasks := make([]store.Task, 0, len(p.Tasks))
	for _, t := range p.Tasks {
		tasks = append(tasks, store.Task{
			JobID: jl.jobID, TaskID: t.ID, Summary: t.Summary, Description: t.Description,
			Dependencies: t.Dependencies, Reads: t.Reads, Writes: t.Writes, State: store.TaskPending,
		})
	}
	if err := r.st.CreateTasks(ctx, tasks); err != nil {
		return err
	}

	dir := filepath.Join(r.cfg.RunsDir, jl.jobID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	planPath := filepath.Join(dir, "plan.json")
	b, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(planPath, b, 0o644); err != nil {
		return err
	}
	return r.st.SetJobPlanRef(ctx, jl.jobID, planPath)
}

// assignRoles runs the supplemented role-assignment pass (spec §7). It is
// best-effort: failure to spawn or parse falls back to the keyword
// heuristic and never fails the job.
func (jl *jobLoop) assignRoles(ctx context.Context, p *plan.Plan) {
	r := jl.r
	assignments := jl.requestRoles(ctx, p)
	if len(assignments) == 0 {
		assignments = fallbackRoles(p, r.cfg.RoleTaxonomy)
	}
	for taskID, role := range assignments {
		if err := r.st.SetTaskRole(ctx, jl.jobID, taskID, role); err != nil {
			slog.Warn("runner set task role failed", "job_id", jl.jobID, "task_id", taskID, "err", err)
		}
	}
	r.bus.Publish(eventbus.Event{Topic: "job.roles_assigned", JobID: jl.jobID, Payload: map[string]any{"roles": assignments}})
}

func (jl *jobLoop) requestRoles(ctx context.Context, p *plan.Plan) map[string]string {
	r := jl.r
	job, err := r.st.GetJob(ctx, jl.jobID)
	if err != nil || job == nil {
		return nil
	}
	rctx, cancel := context.WithTimeout(ctx, r.cfg.TaskTimeout)
	defer cancel()
	summaries := make([]agentproto.PlanTaskSummary, 0, len(p.Tasks))
	for _, t := range p.Tasks {
		summaries = append(summaries, agentproto.PlanTaskSummary{ID: t.ID, Summary: t.Summary})
	}
	out, _, err := jl.spawnAndCollect(rctx, "roles-"+jl.jobID, "", agentproto.RolesPrompt(p.Objective, summaries), job.WorkingDir)
	if err != nil {
		return nil
	}
	raw, err := agentproto.ExtractJSON(out)
	if err != nil {
		return nil
	}
	assignments, _, err := plan.ParseRoles(raw)
	if err != nil || len(assignments) == 0 {
		return nil
	}
	out2 := make(map[string]string, len(assignments))
	for _, a := range assignments {
		out2[a.TaskID] = a.Role
	}
	return out2
}

// defaultRoleTaxonomy is the built-in keyword heuristic used when
// Config.RoleTaxonomy is unset: plan/spec/analysis → planner, review/test
// → reviewer, else executor.
var defaultRoleTaxonomy = map[string][]string{
	"planner":  {"plan", "spec", "analysis"},
	"reviewer": {"review", "test"},
}

// fallbackRoles assigns each task the first role in taxonomy (falling
// back to defaultRoleTaxonomy when nil) whose keyword appears in the
// task's summary, trying roles in a fixed (sorted) order so the outcome
// doesn't depend on map iteration order; a task matching nothing gets
// "executor".
func fallbackRoles(p *plan.Plan, taxonomy map[string][]string) map[string]string {
	if len(taxonomy) == 0 {
		taxonomy = defaultRoleTaxonomy
	}
	roles := make([]string, 0, len(taxonomy))
	for role := range taxonomy {
		roles = append(roles, role)
	}
	sort.Strings(roles)

	out := make(map[string]string, len(p.Tasks))
	for _, t := range p.Tasks {
		lower := strings.ToLower(t.Summary)
		role := "executor"
	matchRole:
		for _, candidate := range roles {
			for _, kw := range taxonomy[candidate] {
				if strings.Contains(lower, kw) {
					role = candidate
					break matchRole
				}
			}
		}
		out[t.ID] = role
	}
	return out
}

// schedule is the main scheduling loop: repeatedly find ready tasks, fan
// them out to the bounded worker pool, and wait for mailbox wakeups until
// the job reaches a terminal condition.
func (jl *jobLoop) schedule(ctx context.Context) {
	r := jl.r
	for {
		if jl.isCancelling() {
			jl.wg.Wait()
			_ = r.st.UpdateJobStatus(ctx, jl.jobID, store.JobCancelled)
			r.bus.Publish(eventbus.Event{Topic: "job.cancelled", JobID: jl.jobID})
			return
		}

		tasks, err := r.st.ListTasksForJob(ctx, jl.jobID)
		if err != nil {
			slog.Error("runner list tasks failed", "job_id", jl.jobID, "err", err)
			return
		}
		if allTerminal(tasks) {
			jl.wg.Wait()
			status := store.JobDone
			for _, t := range tasks {
				if t.State == store.TaskFailed {
					status = store.JobFailed
					break
				}
			}
			_ = r.st.UpdateJobStatus(ctx, jl.jobID, status)
			r.bus.Publish(eventbus.Event{Topic: "job." + string(status), JobID: jl.jobID})
			return
		}

		ready, err := r.st.ListReadyTasks(ctx, jl.jobID)
		if err != nil {
			slog.Error("runner list ready tasks failed", "job_id", jl.jobID, "err", err)
			return
		}

		// IncrementTaskAttempt (called from failOrRetry on a retriable
		// failure) moves a task straight to analysis_pending rather than
		// back to pending, since its dependencies are already satisfied —
		// ListReadyTasks only ever surfaces pending tasks, so a retried
		// task would otherwise sit idle forever. Pick up any such task
		// here as long as no goroutine already has it in flight.
		candidates := append([]store.Task(nil), ready...)
		for _, t := range tasks {
			if t.State == store.TaskAnalysisPending && !jl.isInFlight(t.TaskID) {
				candidates = append(candidates, t)
			}
		}

		for _, t := range candidates {
			if !jl.markInFlight(t.TaskID) {
				continue
			}
			select {
			case jl.sem <- struct{}{}:
			default:
				jl.clearInFlight(t.TaskID)
				goto waitForWakeup
			}
			if t.State == store.TaskPending {
				if err := r.st.SetTaskState(ctx, jl.jobID, t.TaskID, store.TaskAnalysisPending); err != nil {
					<-jl.sem
					jl.clearInFlight(t.TaskID)
					continue
				}
			}
			task := t
			jl.wg.Add(1)
			go func() {
				defer jl.wg.Done()
				defer func() { <-jl.sem }()
				defer jl.clearInFlight(task.TaskID)
				jl.runTask(ctx, task)
				jl.wake()
			}()
		}

	waitForWakeup:
		select {
		case <-jl.mailbox:
		case <-time.After(500 * time.Millisecond):
		case <-ctx.Done():
			return
		}
	}
}

func allTerminal(tasks []store.Task) bool {
	for _, t := range tasks {
		switch t.State {
		case store.TaskCompleted, store.TaskFailed, store.TaskCancelled:
		default:
			return false
		}
	}
	return true
}

// runTask drives one task through claim → arbitrate → execute, including
// retry on execute failure (spec §4.1 retry policy).
func (jl *jobLoop) runTask(ctx context.Context, task store.Task) {
	r := jl.r
	bus := r.bus

	if jl.isCancelling() {
		_ = r.st.SetTaskState(ctx, jl.jobID, task.TaskID, store.TaskCancelled)
		bus.Publish(eventbus.Event{Topic: "job.task_cancelled", JobID: jl.jobID, TaskID: task.TaskID})
		return
	}

	job, err := r.st.GetJob(ctx, jl.jobID)
	if err != nil || job == nil {
		return
	}

	claim, err := jl.claimPhase(ctx, job, task)
	if err != nil {
		jl.failOrRetry(ctx, task, "claim_invalid", err)
		return
	}
	bus.Publish(eventbus.Event{Topic: "job.claim_recorded", JobID: jl.jobID, TaskID: task.TaskID, Payload: map[string]any{"attempt": task.Attempt}})

	locks, diffErr := jl.arbitratePhase(ctx, job, task, claim)
	if diffErr != nil {
		if errors.Is(diffErr, errCancelledWhileParked) {
			_ = r.st.SetTaskState(ctx, jl.jobID, task.TaskID, store.TaskCancelled)
			bus.Publish(eventbus.Event{Topic: "job.task_cancelled", JobID: jl.jobID, TaskID: task.TaskID})
			return
		}
		jl.failOrRetry(ctx, task, "arbiter_error", diffErr)
		return
	}
	_ = locks
	bus.Publish(eventbus.Event{Topic: "job.claim_approved", JobID: jl.jobID, TaskID: task.TaskID})

	exitCode, diffSummary, execErr := jl.executePhase(ctx, job, task, claim)
	released := r.arb.Release(job.JobID, task.TaskID)
	jl.replicateLocks(ctx)
	if len(released) > 0 {
		bus.Publish(eventbus.Event{Topic: "job.locks_released", JobID: jl.jobID, TaskID: task.TaskID, Payload: map[string]any{"paths": released}})
	}

	// A cancelled job kills the execute-phase session, which surfaces here
	// as a nonzero exit or spawn error indistinguishable from a genuine
	// task failure; check cancellation first so it is recorded as
	// cancelled rather than retried.
	if jl.isCancelling() {
		_ = r.st.SetTaskState(ctx, jl.jobID, task.TaskID, store.TaskCancelled)
		bus.Publish(eventbus.Event{Topic: "job.task_cancelled", JobID: jl.jobID, TaskID: task.TaskID})
		return
	}

	if execErr != nil || exitCode != 0 {
		reason := "agent_nonzero_exit"
		if execErr != nil {
			reason = "spawn_error"
		}
		jl.failOrRetry(ctx, task, reason, fmt.Errorf("exit=%d err=%v", exitCode, execErr))
		return
	}

	code := exitCode
	_ = r.st.SetTaskExitResult(ctx, jl.jobID, task.TaskID, &code, diffSummary)
	_ = r.st.SetTaskState(ctx, jl.jobID, task.TaskID, store.TaskCompleted)
	bus.Publish(eventbus.Event{Topic: "job.task_completed", JobID: jl.jobID, TaskID: task.TaskID, Payload: map[string]any{"attempt": task.Attempt}})
}

var errCancelledWhileParked = errors.New("runner: cancelled while parked")

func (jl *jobLoop) claimPhase(ctx context.Context, job *store.Job, task store.Task) (*plan.Claim, error) {
	r := jl.r
	cctx, cancel := context.WithTimeout(ctx, r.cfg.TaskTimeout)
	defer cancel()
	out, _, err := jl.spawnAndCollect(cctx, "claim-"+jl.jobID+"-"+task.TaskID, task.TaskID, agentproto.ClaimPrompt(job.Objective, task.TaskID, task.Summary, task.Description), job.WorkingDir)
	if err != nil {
		return nil, err
	}
	raw, err := agentproto.ExtractJSON(out)
	if err != nil {
		return nil, err
	}
	claim, err := plan.ParseClaim(raw, task.TaskID)
	if err != nil {
		return nil, err
	}
	if err := r.st.CreateClaim(ctx, store.Claim{
		JobID: jl.jobID, TaskID: task.TaskID, Attempt: task.Attempt,
		Reads: claim.Reads, Writes: claim.Writes, Commands: claim.Commands,
		Decision: store.ClaimPending,
	}); err != nil {
		return nil, err
	}
	if err := r.st.SetTaskState(ctx, jl.jobID, task.TaskID, store.TaskAwaitingGo); err != nil {
		return nil, err
	}
	return claim, nil
}

func (jl *jobLoop) arbitratePhase(ctx context.Context, job *store.Job, task store.Task, claim *plan.Claim) ([]arbiter.Resource, error) {
	r := jl.r
	ac := arbiter.NewClaim(job.JobID, task.TaskID, claim.Reads, claim.Writes)
	decision := r.arb.EvaluateAndAcquire(ac, jl.cancelCh)
	if decision.Kind != arbiter.DecisionGO {
		return nil, errCancelledWhileParked
	}
	jl.replicateLocks(ctx)

	claimPath := filepath.Join(r.cfg.RunsDir, jl.jobID, task.TaskID+"_claim.json")
	b, _ := json.MarshalIndent(map[string]any{
		"task_id": task.TaskID, "reads": claim.Reads, "writes": claim.Writes, "commands": claim.Commands,
	}, "", "  ")
	if err := os.WriteFile(claimPath, b, 0o644); err != nil {
		slog.Warn("runner write claim.json failed", "job_id", jl.jobID, "task_id", task.TaskID, "err", err)
	} else if err := r.st.SetTaskClaimRef(ctx, jl.jobID, task.TaskID, claimPath); err != nil {
		slog.Warn("runner set claim ref failed", "job_id", jl.jobID, "task_id", task.TaskID, "err", err)
	}

	if err := r.st.SetClaimDecision(ctx, jl.jobID, task.TaskID, task.Attempt, store.ClaimApproved, ""); err != nil {
		slog.Warn("runner set claim decision failed", "job_id", jl.jobID, "task_id", task.TaskID, "err", err)
	}
	if err := r.st.SetTaskState(ctx, jl.jobID, task.TaskID, store.TaskExecuting); err != nil {
		return nil, err
	}
	return ac.Resources, nil
}

func (jl *jobLoop) replicateLocks(ctx context.Context) {
	active := jl.r.arb.ActiveLocks()
	locks := make([]store.Lock, 0, len(active))
	for _, l := range active {
		locks = append(locks, store.Lock{
			Path: l.Path, Mode: store.LockMode(l.Mode), HolderJobID: l.HolderJobID,
			HolderTask: l.HolderTask, AcquiredAt: l.AcquiredAt,
		})
	}
	if err := jl.r.st.ReplaceLocks(ctx, locks); err != nil {
		slog.Warn("runner replicate locks failed", "err", err)
	}
}

func (jl *jobLoop) executePhase(ctx context.Context, job *store.Job, task store.Task, claim *plan.Claim) (int, string, error) {
	r := jl.r
	ectx, cancel := context.WithTimeout(ctx, r.cfg.TaskTimeout)
	defer cancel()
	_, exitCode, err := jl.spawnAndCollect(ectx, "exec-"+jl.jobID+"-"+task.TaskID, task.TaskID,
		agentproto.ExecutePrompt(job.Objective, task.TaskID, task.Summary, task.Description, claim.Reads, claim.Writes, claim.Commands),
		job.WorkingDir)
	if err != nil {
		return -1, "", err
	}
	diffSummary, dErr := git.DiffSummary(ctx, job.WorkingDir)
	if dErr != nil {
		diffSummary = ""
	}
	return exitCode, diffSummary, nil
}

// failOrRetry applies the retry policy of spec §4.1: a failed task may be
// retried up to RetryLimit times, restarting at analysis_pending with
// attempt+=1; after the limit the task fails and every transitive
// dependent not yet executing is cancelled.
func (jl *jobLoop) failOrRetry(ctx context.Context, task store.Task, reason string, cause error) {
	r := jl.r
	slog.Warn("runner task attempt failed", "job_id", jl.jobID, "task_id", task.TaskID, "reason", reason, "err", cause)
	r.bus.Publish(eventbus.Event{Topic: "job.task_failed", JobID: jl.jobID, TaskID: task.TaskID, Payload: map[string]any{"attempt": task.Attempt, "reason": reason}})

	if task.Attempt < r.cfg.RetryLimit {
		if _, err := r.st.IncrementTaskAttempt(ctx, jl.jobID, task.TaskID); err != nil {
			slog.Error("runner increment attempt failed", "job_id", jl.jobID, "task_id", task.TaskID, "err", err)
		}
		return
	}

	_ = r.st.SetTaskState(ctx, jl.jobID, task.TaskID, store.TaskFailed)
	cancelled, err := r.st.CancelDependents(ctx, jl.jobID, task.TaskID)
	if err != nil {
		slog.Error("runner cancel dependents failed", "job_id", jl.jobID, "task_id", task.TaskID, "err", err)
	}
	for _, id := range cancelled {
		r.bus.Publish(eventbus.Event{Topic: "job.task_cancelled", JobID: jl.jobID, TaskID: id, Payload: map[string]any{"reason": "dependency_failed"}})
	}
}

// spawnAndCollect spawns argv under the terminal manager, collects every
// stdout chunk until the session exits, and returns the combined output
// text and exit code. Every session event is also republished onto the bus
// as terminal.<kind> (spec §4.3/§4.6) so the journal and numerus logs
// --follow see them without reaching into the terminal manager directly.
// taskID may be empty for job-scoped sessions (plan, role assignment).
func (jl *jobLoop) spawnAndCollect(ctx context.Context, sessionID, taskID, stdinText, cwd string) (string, int, error) {
	r := jl.r
	argv := []string{r.cfg.AgentBin}
	sess, err := r.term.Spawn(ctx, sessionID, argv, cwd, os.Environ(), stdinText)
	if err != nil {
		r.bus.Publish(eventbus.Event{Topic: "terminal.error", JobID: jl.jobID, TaskID: taskID, Payload: map[string]any{"session_id": sessionID, "err": err.Error()}})
		return "", -1, err
	}
	jl.trackSession(sessionID, sess)
	defer jl.untrackSession(sessionID)

	r.bus.Publish(eventbus.Event{Topic: "terminal.started", JobID: jl.jobID, TaskID: taskID, Payload: map[string]any{"session_id": sessionID, "pid": sess.PID}})

	sub := sess.Subscribe(0)
	defer sub.Unsubscribe()

	var out strings.Builder
	for {
		ev, err := sub.Next(ctx)
		if err != nil {
			code, waitErr := sess.Wait(context.Background())
			return out.String(), code, waitErr
		}
		switch ev.Kind {
		case terminal.EventStdout:
			out.Write(ev.Chunk)
			r.bus.Publish(eventbus.Event{Topic: "terminal.stdout", JobID: jl.jobID, TaskID: taskID, Payload: map[string]any{"session_id": sessionID, "chunk": string(ev.Chunk)}})
		case terminal.EventExit:
			r.bus.Publish(eventbus.Event{Topic: "terminal.exit", JobID: jl.jobID, TaskID: taskID, Payload: map[string]any{"session_id": sessionID, "code": ev.Code}})
			return out.String(), ev.Code, nil
		case terminal.EventError:
			r.bus.Publish(eventbus.Event{Topic: "terminal.error", JobID: jl.jobID, TaskID: taskID, Payload: map[string]any{"session_id": sessionID, "err": ev.Err}})
			return out.String(), -1, fmt.Errorf("terminal error: %s", ev.Err)
		}
	}
}
