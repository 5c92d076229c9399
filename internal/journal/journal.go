// Package journal implements the C3 Event Journal of spec §4.6: a
// durable, append-only NDJSON mirror of bus events under runs/<job_id>/,
// fsynced on every append, following an append-with-fsync pattern
// (os.OpenFile with O_APPEND, os.MkdirAll the parent first) generalized
// from a single markdown file per agent to one NDJSON file per job plus
// one per task. Every terminal.stdout chunk is also appended, as raw
// text, to that task's stdout.log (spec.md §6) — the plain transcript a
// human reading logs wants, independent of the structured event stream.
// Every appended event is also durably recorded through internal/store's
// events table (spec §4.5), so a job's event history survives
// independently of the local runs/ tree — the backing a shared Postgres
// deployment needs once the NDJSON files live on whichever daemon
// process happened to run the job.
package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/numerus-run/numerus/internal/eventbus"
	"github.com/numerus-run/numerus/internal/store"
)

// Record is one line written to an NDJSON journal file.
type Record struct {
	TS      time.Time      `json:"ts"`
	Event   string         `json:"event"`
	JobID   string         `json:"job_id"`
	TaskID  string         `json:"task_id,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Journal mirrors bus events to disk and, when st is set, to the durable
// store. One Journal instance serves every job under a single runs
// directory.
type Journal struct {
	runsDir string
	st      store.Store

	mu     sync.Mutex
	files  map[string]*os.File // runs/<job_id>/events.ndjson
	tfiles map[string]*os.File // runs/<job_id>/<task_id>/events.ndjson
	sfiles map[string]*os.File // runs/<job_id>/<task_id>/stdout.log
}

// New constructs a Journal rooted at runsDir (spec §6 on-disk layout). st
// may be nil, in which case events are mirrored to disk only.
func New(runsDir string, st store.Store) *Journal {
	return &Journal{
		runsDir: runsDir,
		st:      st,
		files:   make(map[string]*os.File),
		tfiles:  make(map[string]*os.File),
		sfiles:  make(map[string]*os.File),
	}
}

// Subscribe attaches the journal to bus as a background mirror of every
// job.* and terminal.* event, until ctx is done. Write failures are logged
// via slog and published on bus as a journal.write_error
// event; they never abort the subscription (spec §7 JournalWriteError is
// non-fatal, best-effort).
func (j *Journal) Subscribe(ctx context.Context, bus *eventbus.Bus) {
	sub := bus.Subscribe("*", 0)
	go func() {
		defer sub.Unsubscribe()
		for {
			ev, err := sub.Next(ctx)
			if err != nil {
				return
			}
			if ev.Topic == "error" {
				continue
			}
			if !strings.HasPrefix(ev.Topic, "job.") && !strings.HasPrefix(ev.Topic, "terminal.") {
				continue
			}
			if err := j.Append(ev); err != nil {
				slog.Warn("journal append failed", "topic", ev.Topic, "job_id", ev.JobID, "err", err)
				bus.Publish(eventbus.Event{
					Topic: "journal.write_error",
					TS:    time.Now().UTC(),
					JobID: ev.JobID,
					Payload: map[string]any{
						"topic": ev.Topic,
						"err":   err.Error(),
					},
				})
			}
		}
	}()
}

// Append writes e to runs/<job_id>/events.ndjson and, if e.TaskID is set
// and the topic is terminal.*, also to runs/<job_id>/<task_id>/events.ndjson,
// then durably records it through the store (if one is set). The store
// write is best-effort: it never overrides the NDJSON result, so an
// /events store write failure doesn't make an otherwise-successful append
// look like one.
func (j *Journal) Append(e eventbus.Event) error {
	rec := Record{TS: e.TS, Event: e.Topic, JobID: e.JobID, TaskID: e.TaskID, Payload: e.Payload}
	if rec.TS.IsZero() {
		rec.TS = time.Now().UTC()
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("journal: marshal record: %w", err)
	}
	line = append(line, '\n')

	if e.JobID == "" {
		return fmt.Errorf("journal: event %q missing job_id", e.Topic)
	}
	if err := j.appendTo(j.jobPath(e.JobID), j.files, e.JobID, line); err != nil {
		return err
	}
	if strings.HasPrefix(e.Topic, "terminal.") && e.TaskID != "" {
		key := e.JobID + "/" + e.TaskID
		if err := j.appendTo(j.taskPath(e.JobID, e.TaskID), j.tfiles, key, line); err != nil {
			return err
		}
		if e.Topic == "terminal.stdout" {
			if err := j.appendStdout(e.JobID, e.TaskID, e.Payload); err != nil {
				return err
			}
		}
	}
	j.appendToStore(rec)
	return nil
}

// appendStdout writes a terminal.stdout event's raw chunk text to
// runs/<job_id>/<task_id>/stdout.log, the plain-text transcript kept
// alongside the structured NDJSON mirror (spec.md §6).
func (j *Journal) appendStdout(jobID, taskID string, payload map[string]any) error {
	chunk, _ := payload["chunk"].(string)
	if chunk == "" {
		return nil
	}
	key := jobID + "/" + taskID
	return j.appendTo(j.stdoutPath(jobID, taskID), j.sfiles, key, []byte(chunk))
}

func (j *Journal) appendToStore(rec Record) {
	if j.st == nil {
		return
	}
	_, err := j.st.AppendEvent(context.Background(), store.Event{
		TS:      rec.TS,
		Event:   rec.Event,
		JobID:   rec.JobID,
		TaskID:  rec.TaskID,
		Payload: rec.Payload,
	})
	if err != nil {
		slog.Warn("journal store append failed", "event", rec.Event, "job_id", rec.JobID, "err", err)
	}
}

func (j *Journal) jobPath(jobID string) string {
	return JobEventsPath(j.runsDir, jobID)
}

func (j *Journal) taskPath(jobID, taskID string) string {
	return TaskEventsPath(j.runsDir, jobID, taskID)
}

func (j *Journal) stdoutPath(jobID, taskID string) string {
	return StdoutLogPath(j.runsDir, jobID, taskID)
}

// JobEventsPath returns the on-disk path of a job's NDJSON event mirror,
// for readers (internal/httpapi's job inspection) that don't want to carry
// around a *Journal just to compute a path.
func JobEventsPath(runsDir, jobID string) string {
	return filepath.Join(runsDir, jobID, "events.ndjson")
}

// TaskEventsPath returns the on-disk path of a task's NDJSON event mirror
// (terminal.* events only, see Append), for internal/httpapi's
// GET /jobs/{job_id}/tasks/{task_id}/logs.
func TaskEventsPath(runsDir, jobID, taskID string) string {
	return filepath.Join(runsDir, jobID, taskID, "events.ndjson")
}

// StdoutLogPath returns the on-disk path of a task's plain-text stdout
// transcript (spec.md §6: "runs/<job_id>/<task_id>/stdout.log"), kept as a
// raw-text sibling of TaskEventsPath's structured terminal.* NDJSON.
func StdoutLogPath(runsDir, jobID, taskID string) string {
	return filepath.Join(runsDir, jobID, taskID, "stdout.log")
}

func (j *Journal) appendTo(path string, cache map[string]*os.File, key string, line []byte) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	f, ok := cache[key]
	if !ok {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("journal: mkdir %s: %w", filepath.Dir(path), err)
		}
		opened, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("journal: open %s: %w", path, err)
		}
		cache[key] = opened
		f = opened
	}

	if _, err := f.Write(line); err != nil {
		return fmt.Errorf("journal: write %s: %w", path, err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("journal: fsync %s: %w", path, err)
	}
	return nil
}

// Close closes every open journal file handle.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	var firstErr error
	for _, f := range j.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, f := range j.tfiles {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, f := range j.sfiles {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	j.files = make(map[string]*os.File)
	j.tfiles = make(map[string]*os.File)
	j.sfiles = make(map[string]*os.File)
	return firstErr
}
