package journal

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/numerus-run/numerus/internal/eventbus"
	"github.com/numerus-run/numerus/internal/store"
)

func TestAppend_WritesJobAndTaskFiles(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	j := New(dir, nil)
	defer j.Close()

	if err := j.Append(eventbus.Event{Topic: "job.task_completed", JobID: "job1", TaskID: "t1"}); err != nil {
		t.Fatalf("Append job event: %v", err)
	}
	if err := j.Append(eventbus.Event{Topic: "terminal.stdout", JobID: "job1", TaskID: "t1", Payload: map[string]any{"chunk": "hi"}}); err != nil {
		t.Fatalf("Append terminal event: %v", err)
	}

	jobLines := readLines(t, filepath.Join(dir, "job1", "events.ndjson"))
	if len(jobLines) != 2 {
		t.Fatalf("job events.ndjson has %d lines, want 2", len(jobLines))
	}

	taskLines := readLines(t, filepath.Join(dir, "job1", "t1", "events.ndjson"))
	if len(taskLines) != 1 {
		t.Fatalf("task events.ndjson has %d lines, want 1", len(taskLines))
	}
	var rec Record
	if err := json.Unmarshal([]byte(taskLines[0]), &rec); err != nil {
		t.Fatalf("unmarshal record: %v", err)
	}
	if rec.Event != "terminal.stdout" || rec.TaskID != "t1" {
		t.Errorf("record = %+v", rec)
	}
}

func TestAppend_MissingJobIDErrors(t *testing.T) {
	t.Parallel()
	j := New(t.TempDir(), nil)
	defer j.Close()
	if err := j.Append(eventbus.Event{Topic: "job.task_completed"}); err == nil {
		t.Fatal("expected error for missing job id")
	}
}

func TestSubscribe_MirrorsMatchingTopicsOnly(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	j := New(dir, nil)
	defer j.Close()
	bus := eventbus.New()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	j.Subscribe(ctx, bus)

	bus.Publish(eventbus.Event{Topic: "job.task_completed", JobID: "job2", TaskID: "t1"})
	bus.Publish(eventbus.Event{Topic: "unrelated.topic", JobID: "job2"})

	deadline := time.Now().Add(2 * time.Second)
	path := filepath.Join(dir, "job2", "events.ndjson")
	for {
		if lines := tryReadLines(path); len(lines) == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for journal mirror at %s", path)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestAppend_WritesStdoutLog(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	j := New(dir, nil)
	defer j.Close()

	if err := j.Append(eventbus.Event{Topic: "terminal.stdout", JobID: "job4", TaskID: "t1", Payload: map[string]any{"chunk": "hello "}}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := j.Append(eventbus.Event{Topic: "terminal.stdout", JobID: "job4", TaskID: "t1", Payload: map[string]any{"chunk": "world\n"}}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	b, err := os.ReadFile(filepath.Join(dir, "job4", "t1", "stdout.log"))
	if err != nil {
		t.Fatalf("read stdout.log: %v", err)
	}
	if string(b) != "hello world\n" {
		t.Errorf("stdout.log = %q, want %q", string(b), "hello world\n")
	}
}

func TestAppend_MirrorsToStore(t *testing.T) {
	t.Parallel()
	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	ctx := context.Background()
	if err := st.CreateJob(ctx, store.Job{JobID: "job3", Objective: "x", WorkingDir: "."}); err != nil {
		t.Fatalf("create job: %v", err)
	}

	j := New(t.TempDir(), st)
	defer j.Close()

	if err := j.Append(eventbus.Event{Topic: "job.task_completed", JobID: "job3", TaskID: "t1", Payload: map[string]any{"n": float64(1)}}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	events, err := st.ListEventsForJob(ctx, "job3", 0)
	if err != nil {
		t.Fatalf("ListEventsForJob: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("ListEventsForJob returned %d events, want 1", len(events))
	}
	if events[0].Event != "job.task_completed" || events[0].TaskID != "t1" {
		t.Errorf("event = %+v", events[0])
	}
}

func readLines(t *testing.T, path string) []string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer f.Close()
	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	return lines
}

func tryReadLines(path string) []string {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()
	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	return lines
}
