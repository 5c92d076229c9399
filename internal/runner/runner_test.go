// These tests drive the fake agent in testagent_test.go through its
// environment-variable fixtures (PLAN_JSON, CLAIM_JSON_<id>, ...), which
// spawnAndCollect forwards via os.Environ(); since that is process-global
// state, none of the tests below run with t.Parallel().
package runner

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/numerus-run/numerus/internal/eventbus"
	"github.com/numerus-run/numerus/internal/store"
	"github.com/numerus-run/numerus/internal/terminal"
)

func newTestRunner(t *testing.T, agentBin string) (*Runner, *eventbus.Bus) {
	t.Helper()
	home := t.TempDir()
	st, err := store.Open(home)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	bus := eventbus.New()
	arb := NewArbiter(bus)
	term := terminal.New(0, 0)

	r := New(st, bus, arb, term, Config{
		AgentBin:         agentBin,
		RunsDir:          filepath.Join(home, "runs"),
		MaxParallelTasks: 4,
		TaskTimeout:      10 * time.Second,
		RetryLimit:       2,
		CancelGrace:      500 * time.Millisecond,
	})
	return r, bus
}

// waitForJobTerminal polls Status until the job reaches a terminal status
// or the deadline elapses.
func waitForJobTerminal(t *testing.T, r *Runner, jobID string, timeout time.Duration) (*store.Job, []store.Task) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		job, tasks, err := r.Status(context.Background(), jobID)
		if err != nil {
			t.Fatalf("Status: %v", err)
		}
		if job == nil {
			t.Fatalf("job %s not found", jobID)
		}
		switch job.Status {
		case store.JobDone, store.JobFailed, store.JobCancelled:
			return job, tasks
		}
		if time.Now().After(deadline) {
			t.Fatalf("job %s did not reach a terminal status within %s (last status %s)", jobID, timeout, job.Status)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func planJSON(t *testing.T, objective string, tasks ...map[string]any) string {
	t.Helper()
	b, err := json.Marshal(map[string]any{"objective": objective, "tasks": tasks})
	if err != nil {
		t.Fatalf("marshal plan fixture: %v", err)
	}
	return string(b)
}

func TestRunner_SingleTaskSucceeds(t *testing.T) {
	agentBin, _ := writeFakeAgent(t)
	r, _ := newTestRunner(t, agentBin)
	workDir := t.TempDir()
	target := filepath.Join(workDir, "out.txt")

	plan := planJSON(t, "write a file", map[string]any{
		"id": "t1", "summary": "write the file", "description": "",
		"dependencies": []string{},
		"resources":    map[string]any{"reads": []string{}, "writes": []string{target}},
	})
	claim := `{"task_id":"t1","resources":{"reads":[],"writes":["` + target + `"]},"execution":{"commands":["true"]}}`

	withEnv(t, map[string]string{
		"PLAN_JSON":     plan,
		"CLAIM_JSON_T1": claim,
		"EXEC_EXITS_T1": "0",
	})

	jobID, err := r.Submit(context.Background(), "write a file", workDir)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	job, tasks := waitForJobTerminal(t, r, jobID, 10*time.Second)
	if job.Status != store.JobDone {
		t.Fatalf("job status = %s, want done", job.Status)
	}
	if len(tasks) != 1 || tasks[0].State != store.TaskCompleted {
		t.Fatalf("tasks = %+v, want one completed task", tasks)
	}
}

func TestRunner_DependencyCycleFailsJobBeforeAnyTaskRuns(t *testing.T) {
	agentBin, _ := writeFakeAgent(t)
	r, _ := newTestRunner(t, agentBin)
	workDir := t.TempDir()

	plan := planJSON(t, "cyclic objective",
		map[string]any{"id": "t1", "summary": "a", "description": "", "dependencies": []string{"t2"}, "resources": map[string]any{"reads": []string{}, "writes": []string{}}},
		map[string]any{"id": "t2", "summary": "b", "description": "", "dependencies": []string{"t1"}, "resources": map[string]any{"reads": []string{}, "writes": []string{}}},
	)
	withEnv(t, map[string]string{"PLAN_JSON": plan})

	jobID, err := r.Submit(context.Background(), "cyclic objective", workDir)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	job, tasks := waitForJobTerminal(t, r, jobID, 10*time.Second)
	if job.Status != store.JobFailed {
		t.Fatalf("job status = %s, want failed", job.Status)
	}
	if len(tasks) != 0 {
		t.Fatalf("tasks = %+v, want none persisted (plan never parsed)", tasks)
	}
}

func TestRunner_RetryThenSucceed(t *testing.T) {
	agentBin, _ := writeFakeAgent(t)
	r, _ := newTestRunner(t, agentBin)
	workDir := t.TempDir()

	plan := planJSON(t, "flaky task", map[string]any{
		"id": "t1", "summary": "flaky", "description": "",
		"dependencies": []string{},
		"resources":    map[string]any{"reads": []string{}, "writes": []string{}},
	})
	withEnv(t, map[string]string{
		"PLAN_JSON":     plan,
		"CLAIM_JSON_T1": `{"task_id":"t1","resources":{"reads":[],"writes":[]},"execution":{"commands":["true"]}}`,
		"EXEC_EXITS_T1": "1,0",
	})

	jobID, err := r.Submit(context.Background(), "flaky task", workDir)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	job, tasks := waitForJobTerminal(t, r, jobID, 10*time.Second)
	if job.Status != store.JobDone {
		t.Fatalf("job status = %s, want done", job.Status)
	}
	if len(tasks) != 1 || tasks[0].State != store.TaskCompleted || tasks[0].Attempt != 1 {
		t.Fatalf("tasks = %+v, want one completed task at attempt 1", tasks)
	}
}

func TestRunner_RetryLimitExceededFailsJobAndCancelsDependents(t *testing.T) {
	agentBin, _ := writeFakeAgent(t)
	r, _ := newTestRunner(t, agentBin)
	workDir := t.TempDir()

	plan := planJSON(t, "always fails",
		map[string]any{"id": "t1", "summary": "always fails", "description": "", "dependencies": []string{}, "resources": map[string]any{"reads": []string{}, "writes": []string{}}},
		map[string]any{"id": "t2", "summary": "depends on t1", "description": "", "dependencies": []string{"t1"}, "resources": map[string]any{"reads": []string{}, "writes": []string{}}},
	)
	withEnv(t, map[string]string{
		"PLAN_JSON":     plan,
		"CLAIM_JSON_T1": `{"task_id":"t1","resources":{"reads":[],"writes":[]},"execution":{"commands":["true"]}}`,
		"CLAIM_JSON_T2": `{"task_id":"t2","resources":{"reads":[],"writes":[]},"execution":{"commands":["true"]}}`,
		"EXEC_EXITS_T1": "1,1,1",
	})

	jobID, err := r.Submit(context.Background(), "always fails", workDir)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	job, tasks := waitForJobTerminal(t, r, jobID, 10*time.Second)
	if job.Status != store.JobFailed {
		t.Fatalf("job status = %s, want failed", job.Status)
	}
	byID := map[string]store.Task{}
	for _, tk := range tasks {
		byID[tk.TaskID] = tk
	}
	if byID["t1"].State != store.TaskFailed {
		t.Fatalf("t1 state = %s, want failed", byID["t1"].State)
	}
	if byID["t2"].State != store.TaskCancelled {
		t.Fatalf("t2 state = %s, want cancelled (dependency failed)", byID["t2"].State)
	}
}

func TestRunner_WriteConflictParksThenUnblocks(t *testing.T) {
	agentBin, _ := writeFakeAgent(t)
	r, bus := newTestRunner(t, agentBin)
	workDir := t.TempDir()
	shared := filepath.Join(workDir, "shared.txt")
	if err := os.WriteFile(shared, []byte("x"), 0o644); err != nil {
		t.Fatalf("seed shared file: %v", err)
	}

	blocked := bus.Subscribe("job.claim_blocked", 8)
	defer blocked.Unsubscribe()

	plan := planJSON(t, "two writers",
		map[string]any{"id": "t1", "summary": "writer one", "description": "", "dependencies": []string{}, "resources": map[string]any{"reads": []string{}, "writes": []string{shared}}},
		map[string]any{"id": "t2", "summary": "writer two", "description": "", "dependencies": []string{}, "resources": map[string]any{"reads": []string{}, "writes": []string{shared}}},
	)
	withEnv(t, map[string]string{
		"PLAN_JSON":     plan,
		"CLAIM_JSON_T1": `{"task_id":"t1","resources":{"reads":[],"writes":["` + shared + `"]},"execution":{"commands":["true"]}}`,
		"CLAIM_JSON_T2": `{"task_id":"t2","resources":{"reads":[],"writes":["` + shared + `"]},"execution":{"commands":["true"]}}`,
		"EXEC_SLEEP_T1": "1",
		"EXEC_EXITS_T1": "0",
		"EXEC_EXITS_T2": "0",
	})

	jobID, err := r.Submit(context.Background(), "two writers", workDir)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	job, tasks := waitForJobTerminal(t, r, jobID, 10*time.Second)
	if job.Status != store.JobDone {
		t.Fatalf("job status = %s, want done", job.Status)
	}
	for _, tk := range tasks {
		if tk.State != store.TaskCompleted {
			t.Fatalf("task %s state = %s, want completed", tk.TaskID, tk.State)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	if _, err := blocked.Next(ctx); err != nil {
		t.Fatalf("expected a job.claim_blocked event while the second writer waited for the shared lock: %v", err)
	}
}

func TestRunner_CancelMidExecuteStopsTheTask(t *testing.T) {
	agentBin, _ := writeFakeAgent(t)
	r, _ := newTestRunner(t, agentBin)
	workDir := t.TempDir()

	plan := planJSON(t, "long running", map[string]any{
		"id": "t1", "summary": "long running", "description": "",
		"dependencies": []string{},
		"resources":    map[string]any{"reads": []string{}, "writes": []string{}},
	})
	withEnv(t, map[string]string{
		"PLAN_JSON":     plan,
		"CLAIM_JSON_T1": `{"task_id":"t1","resources":{"reads":[],"writes":[]},"execution":{"commands":["true"]}}`,
		"EXEC_SLEEP_T1": "30",
		"EXEC_EXITS_T1": "0",
	})

	jobID, err := r.Submit(context.Background(), "long running", workDir)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	// give the task time to reach executing before cancelling.
	deadline := time.Now().Add(5 * time.Second)
	for {
		_, tasks, err := r.Status(context.Background(), jobID)
		if err != nil {
			t.Fatalf("Status: %v", err)
		}
		if len(tasks) == 1 && tasks[0].State == store.TaskExecuting {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("task never reached executing")
		}
		time.Sleep(20 * time.Millisecond)
	}
	// give the execute-phase spawn time to register its session before
	// signalling cancellation, so SIGTERM has a live process to reach.
	time.Sleep(200 * time.Millisecond)

	if err := r.Cancel(context.Background(), jobID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	job, tasks := waitForJobTerminal(t, r, jobID, 5*time.Second)
	if job.Status != store.JobCancelled {
		t.Fatalf("job status = %s, want cancelled", job.Status)
	}
	if len(tasks) != 1 || tasks[0].State != store.TaskCancelled {
		t.Fatalf("tasks = %+v, want one cancelled task", tasks)
	}
}

// withEnv sets environment variables for the duration of the test, clearing
// them on cleanup; the fake agent reads its fixtures this way since Spawn
// always forwards os.Environ() to the child.
func withEnv(t *testing.T, kv map[string]string) {
	t.Helper()
	for k, v := range kv {
		old, had := os.LookupEnv(k)
		if err := os.Setenv(k, v); err != nil {
			t.Fatalf("setenv %s: %v", k, err)
		}
		t.Cleanup(func() {
			if had {
				_ = os.Setenv(k, old)
			} else {
				_ = os.Unsetenv(k)
			}
		})
	}
}

