package numerus

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestClient_SubmitAndStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/jobs":
			w.WriteHeader(http.StatusCreated)
			_ = json.NewEncoder(w).Encode(map[string]string{"job_id": "job-abc"})
		case r.Method == http.MethodGet && r.URL.Path == "/jobs/job-abc":
			_ = json.NewEncoder(w).Encode(JobStatusResult{
				Job:   Job{JobID: "job-abc", Status: JobDone},
				Tasks: []Task{{JobID: "job-abc", TaskID: "t1", State: TaskCompleted}},
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := New(srv.URL)
	jobID, err := c.Submit(context.Background(), "demo objective", "/tmp/work")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if jobID != "job-abc" {
		t.Fatalf("jobID = %q", jobID)
	}

	st, err := c.Status(context.Background(), jobID)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.Job.Status != JobDone {
		t.Errorf("Status.Job.Status = %q, want done", st.Job.Status)
	}
	if len(st.Tasks) != 1 || st.Tasks[0].TaskID != "t1" {
		t.Errorf("Status.Tasks = %+v", st.Tasks)
	}
}

func TestClient_CancelAndError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "job not found"})
	}))
	defer srv.Close()

	c := New(srv.URL)
	if err := c.Cancel(context.Background(), "missing"); err == nil {
		t.Fatal("expected error for missing job")
	}
}

func TestClient_StreamEvents(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		fmt.Fprint(w, "data: {\"type\":\"connected\"}\n\n")
		flusher.Flush()
		b, _ := json.Marshal(Event{Topic: "job.started", JobID: "job-abc"})
		fmt.Fprintf(w, "data: %s\n\n", b)
		flusher.Flush()
	}))
	defer srv.Close()

	c := New(srv.URL)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var got []Event
	_ = c.StreamEvents(ctx, "job.*", func(ev Event) { got = append(got, ev) })
	if len(got) != 1 || got[0].Topic != "job.started" {
		t.Fatalf("got %+v", got)
	}
}
