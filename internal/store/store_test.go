package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) Store {
	t.Helper()
	home := filepath.Join(t.TempDir(), "home")
	if err := os.MkdirAll(home, 0o755); err != nil {
		t.Fatal(err)
	}
	st, err := Open(home)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestMigrationsAndJobLifecycle(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	job := Job{JobID: "job-1", Objective: "ship feature", WorkingDir: "/tmp/job-1"}
	if err := st.CreateJob(ctx, job); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	got, err := st.GetJob(ctx, "job-1")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got == nil || got.Status != JobPlanning {
		t.Fatalf("got = %+v, want status=planning", got)
	}

	if err := st.UpdateJobStatus(ctx, "job-1", JobRunning); err != nil {
		t.Fatalf("UpdateJobStatus: %v", err)
	}
	got, _ = st.GetJob(ctx, "job-1")
	if got.Status != JobRunning {
		t.Fatalf("status = %s, want running", got.Status)
	}

	nonTerminal, err := st.ListNonTerminalJobs(ctx)
	if err != nil {
		t.Fatalf("ListNonTerminalJobs: %v", err)
	}
	if len(nonTerminal) != 1 {
		t.Fatalf("len(nonTerminal) = %d, want 1", len(nonTerminal))
	}

	if err := st.UpdateJobStatus(ctx, "job-1", JobDone); err != nil {
		t.Fatalf("UpdateJobStatus: %v", err)
	}
	nonTerminal, _ = st.ListNonTerminalJobs(ctx)
	if len(nonTerminal) != 0 {
		t.Fatalf("len(nonTerminal) after done = %d, want 0", len(nonTerminal))
	}
}

func TestCreateTasksAndReadiness(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	if err := st.CreateJob(ctx, Job{JobID: "job-1", Objective: "o", WorkingDir: "/tmp"}); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	tasks := []Task{
		{JobID: "job-1", TaskID: "t1", Summary: "write code", Writes: []string{"a.txt"}},
		{JobID: "job-1", TaskID: "t2", Summary: "write tests", Dependencies: []string{"t1"}, Reads: []string{"a.txt"}, Writes: []string{"a_test.txt"}},
	}
	if err := st.CreateTasks(ctx, tasks); err != nil {
		t.Fatalf("CreateTasks: %v", err)
	}

	ready, err := st.ListReadyTasks(ctx, "job-1")
	if err != nil {
		t.Fatalf("ListReadyTasks: %v", err)
	}
	if len(ready) != 1 || ready[0].TaskID != "t1" {
		t.Fatalf("ready = %+v, want only t1", ready)
	}

	if err := st.SetTaskState(ctx, "job-1", "t1", TaskCompleted); err != nil {
		t.Fatalf("SetTaskState: %v", err)
	}
	ready, err = st.ListReadyTasks(ctx, "job-1")
	if err != nil {
		t.Fatalf("ListReadyTasks: %v", err)
	}
	if len(ready) != 1 || ready[0].TaskID != "t2" {
		t.Fatalf("ready after t1 completed = %+v, want only t2", ready)
	}

	t2, err := st.GetTask(ctx, "job-1", "t2")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if len(t2.Dependencies) != 1 || t2.Dependencies[0] != "t1" {
		t.Fatalf("t2 dependencies = %v", t2.Dependencies)
	}
	if len(t2.Reads) != 1 || t2.Reads[0] != "a.txt" {
		t.Fatalf("t2 reads = %v", t2.Reads)
	}
}

func TestReadyTaskTieBreak(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()
	if err := st.CreateJob(ctx, Job{JobID: "job-1", Objective: "o", WorkingDir: "/tmp"}); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	tasks := []Task{
		{JobID: "job-1", TaskID: "zzz", Summary: "few writes", Writes: []string{"a"}},
		{JobID: "job-1", TaskID: "aaa", Summary: "many writes", Writes: []string{"a", "b", "c"}},
		{JobID: "job-1", TaskID: "bbb", Summary: "same few writes", Writes: []string{"d"}},
	}
	if err := st.CreateTasks(ctx, tasks); err != nil {
		t.Fatalf("CreateTasks: %v", err)
	}
	ready, err := st.ListReadyTasks(ctx, "job-1")
	if err != nil {
		t.Fatalf("ListReadyTasks: %v", err)
	}
	want := []string{"bbb", "zzz", "aaa"}
	if len(ready) != len(want) {
		t.Fatalf("len(ready) = %d, want %d", len(ready), len(want))
	}
	for i, id := range want {
		if ready[i].TaskID != id {
			t.Fatalf("ready[%d] = %s, want %s (order %v)", i, ready[i].TaskID, id, readyIDs(ready))
		}
	}
}

func readyIDs(tasks []Task) []string {
	out := make([]string, len(tasks))
	for i, t := range tasks {
		out[i] = t.TaskID
	}
	return out
}

func TestRetryAndCancelDependents(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()
	if err := st.CreateJob(ctx, Job{JobID: "job-1", Objective: "o", WorkingDir: "/tmp"}); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	tasks := []Task{
		{JobID: "job-1", TaskID: "t1", Summary: "base"},
		{JobID: "job-1", TaskID: "t2", Summary: "dependent", Dependencies: []string{"t1"}},
	}
	if err := st.CreateTasks(ctx, tasks); err != nil {
		t.Fatalf("CreateTasks: %v", err)
	}

	attempt, err := st.IncrementTaskAttempt(ctx, "job-1", "t1")
	if err != nil {
		t.Fatalf("IncrementTaskAttempt: %v", err)
	}
	if attempt != 1 {
		t.Fatalf("attempt = %d, want 1", attempt)
	}
	t1, _ := st.GetTask(ctx, "job-1", "t1")
	if t1.State != TaskAnalysisPending {
		t.Fatalf("state after retry = %s, want analysis_pending", t1.State)
	}

	if err := st.SetTaskState(ctx, "job-1", "t1", TaskFailed); err != nil {
		t.Fatalf("SetTaskState: %v", err)
	}
	cancelled, err := st.CancelDependents(ctx, "job-1", "t1")
	if err != nil {
		t.Fatalf("CancelDependents: %v", err)
	}
	if len(cancelled) != 1 || cancelled[0] != "t2" {
		t.Fatalf("cancelled = %v, want [t2]", cancelled)
	}
	t2, _ := st.GetTask(ctx, "job-1", "t2")
	if t2.State != TaskCancelled {
		t.Fatalf("t2 state = %s, want cancelled", t2.State)
	}
}

func TestClaimsAndLocksCrashRecovery(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()
	if err := st.CreateJob(ctx, Job{JobID: "job-1", Objective: "o", WorkingDir: "/tmp"}); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if err := st.CreateTasks(ctx, []Task{{JobID: "job-1", TaskID: "t1", Summary: "s"}}); err != nil {
		t.Fatalf("CreateTasks: %v", err)
	}

	claim := Claim{JobID: "job-1", TaskID: "t1", Attempt: 1, Writes: []string{"/tmp/a.txt"}, Decision: ClaimApproved}
	if err := st.CreateClaim(ctx, claim); err != nil {
		t.Fatalf("CreateClaim: %v", err)
	}
	got, err := st.GetLatestClaim(ctx, "job-1", "t1")
	if err != nil {
		t.Fatalf("GetLatestClaim: %v", err)
	}
	if got == nil || got.Decision != ClaimApproved || len(got.Writes) != 1 {
		t.Fatalf("got = %+v", got)
	}

	if err := st.ReplaceLocks(ctx, []Lock{{Path: "/tmp/a.txt", Mode: LockWrite, HolderJobID: "job-1", HolderTask: "t1"}}); err != nil {
		t.Fatalf("ReplaceLocks: %v", err)
	}

	// Task is still "pending" (never transitioned to executing), so the
	// crash-recovery sweep must treat this lock as stale and clear it.
	stale, err := st.ClearStaleLocks(ctx)
	if err != nil {
		t.Fatalf("ClearStaleLocks: %v", err)
	}
	if len(stale) != 1 {
		t.Fatalf("stale = %v, want 1 lock cleared", stale)
	}
	remaining, err := st.ListLocks(ctx)
	if err != nil {
		t.Fatalf("ListLocks: %v", err)
	}
	if len(remaining) != 0 {
		t.Fatalf("remaining locks = %v, want none", remaining)
	}
}

func TestAppendAndListEvents(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()
	if err := st.CreateJob(ctx, Job{JobID: "job-1", Objective: "o", WorkingDir: "/tmp"}); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	id1, err := st.AppendEvent(ctx, Event{Event: "job.started", JobID: "job-1", Payload: map[string]any{"x": 1.0}})
	if err != nil {
		t.Fatalf("AppendEvent: %v", err)
	}
	if _, err := st.AppendEvent(ctx, Event{Event: "job.task_completed", JobID: "job-1", TaskID: "t1"}); err != nil {
		t.Fatalf("AppendEvent: %v", err)
	}

	events, err := st.ListEventsForJob(ctx, "job-1", 0)
	if err != nil {
		t.Fatalf("ListEventsForJob: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("len(events) = %d, want 2", len(events))
	}

	tail, err := st.ListEventsForJob(ctx, "job-1", id1)
	if err != nil {
		t.Fatalf("ListEventsForJob since: %v", err)
	}
	if len(tail) != 1 || tail[0].Event != "job.task_completed" {
		t.Fatalf("tail = %+v, want only job.task_completed", tail)
	}
}
