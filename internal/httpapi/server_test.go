// These tests exercise the daemon's HTTP surface end to end against a real
// runner and a stand-in agent binary (a short bash script answering fixed
// fixtures written into the script itself), a variant of the fake-agent
// pattern internal/runner's own tests use; this file does not run its
// subtests with t.Parallel().
package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/numerus-run/numerus/internal/config"
	"github.com/numerus-run/numerus/internal/eventbus"
	"github.com/numerus-run/numerus/internal/runner"
	"github.com/numerus-run/numerus/internal/store"
	"github.com/numerus-run/numerus/internal/terminal"
)

func writeFakeAgent(t *testing.T, planJSON string) string {
	t.Helper()
	dir := t.TempDir()
	bin := filepath.Join(dir, "fakeagent.sh")
	script := `#!/usr/bin/env bash
set -u
IFS= read -r header
while IFS= read -t 0.2 -r line; do :; done
case "$header" in
  "NUMERUS_PLAN V1")
    printf '%s\n' '` + planJSON + `'
    ;;
  "NUMERUS_CLAIM V1")
    printf '%s\n' '{"reads":[],"writes":[],"commands":[]}'
    ;;
  "NUMERUS_EXECUTE V1")
    printf '%s\n' '{"status":"ok"}'
    ;;
  *)
    echo '{}'
    ;;
esac
exit 0
`
	if err := os.WriteFile(bin, []byte(script), 0o755); err != nil {
		t.Fatalf("write fake agent: %v", err)
	}
	return bin
}

func newTestApp(t *testing.T, planJSON string) (*App, *eventbus.Bus) {
	t.Helper()
	home := t.TempDir()
	st, err := store.Open(home)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	bus := eventbus.New()
	arb := runner.NewArbiter(bus)
	term := terminal.New(0, 0)
	runsDir := filepath.Join(home, "runs")

	r := runner.New(st, bus, arb, term, runner.Config{
		AgentBin:         writeFakeAgent(t, planJSON),
		RunsDir:          runsDir,
		MaxParallelTasks: 4,
		TaskTimeout:      10 * time.Second,
		RetryLimit:       1,
		CancelGrace:      500 * time.Millisecond,
	})

	app := New(Options{
		Cfg:    config.Config{RunsDir: runsDir},
		Store:  st,
		Runner: r,
		Bus:    bus,
	})
	return app, bus
}

func TestHandleJobs_SubmitAndStatus(t *testing.T) {
	plan := `{"objective":"demo","tasks":[{"task_id":"t1","summary":"do it","description":"do it","depends_on":[]}]}`
	app, _ := newTestApp(t, plan)
	srv := httptest.NewServer(app.Server.Handler)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/jobs", "application/json", strings.NewReader(`{"objective":"demo","working_dir":"`+t.TempDir()+`"}`))
	if err != nil {
		t.Fatalf("POST /jobs: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("POST /jobs: status=%d", resp.StatusCode)
	}
	var submitted struct {
		JobID string `json:"job_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&submitted); err != nil {
		t.Fatalf("decode submit response: %v", err)
	}
	if submitted.JobID == "" {
		t.Fatal("expected non-empty job_id")
	}

	deadline := time.Now().Add(10 * time.Second)
	for {
		statusResp, err := http.Get(srv.URL + "/jobs/" + submitted.JobID)
		if err != nil {
			t.Fatalf("GET /jobs/{id}: %v", err)
		}
		var body map[string]any
		_ = json.NewDecoder(statusResp.Body).Decode(&body)
		statusResp.Body.Close()
		job, _ := body["job"].(map[string]any)
		status, _ := job["Status"].(string)
		if status == "done" || status == "failed" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("job did not finish in time, last body=%v", body)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestHandleJobs_MissingObjective(t *testing.T) {
	app, _ := newTestApp(t, `{"objective":"x","tasks":[]}`)
	srv := httptest.NewServer(app.Server.Handler)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/jobs", "application/json", strings.NewReader(`{}`))
	if err != nil {
		t.Fatalf("POST /jobs: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status=%d, want 400", resp.StatusCode)
	}
}

func TestHandleJobScoped_NotFound(t *testing.T) {
	app, _ := newTestApp(t, `{"objective":"x","tasks":[]}`)
	srv := httptest.NewServer(app.Server.Handler)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/jobs/does-not-exist")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status=%d, want 404", resp.StatusCode)
	}
}

func TestHandleEvents_StreamsPublishedEvent(t *testing.T) {
	app, bus := newTestApp(t, `{"objective":"x","tasks":[]}`)
	srv := httptest.NewServer(app.Server.Handler)
	defer srv.Close()

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/events?topic=job.%2A", nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /events: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d", resp.StatusCode)
	}

	buf := make([]byte, 4096)
	n, _ := resp.Body.Read(buf) // "connected" preamble
	if n == 0 {
		t.Fatal("expected connected preamble")
	}

	bus.Publish(eventbus.Event{Topic: "job.started", JobID: "job-xyz"})

	n, err = resp.Body.Read(buf)
	if err != nil && n == 0 {
		t.Fatalf("read event: %v", err)
	}
	if !strings.Contains(string(buf[:n]), "job.started") {
		t.Fatalf("expected job.started in stream, got %q", buf[:n])
	}
}

func TestHandleHealth(t *testing.T) {
	app, _ := newTestApp(t, `{"objective":"x","tasks":[]}`)
	srv := httptest.NewServer(app.Server.Handler)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d", resp.StatusCode)
	}
}
