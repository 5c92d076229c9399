// These tests exercise numerusd's lifecycle against a real store/runner
// stack and a stand-in agent binary (the same fake-agent pattern used by
// internal/runner and internal/httpapi), so they do not run their
// subtests with t.Parallel().
package daemon

import (
	"context"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/numerus-run/numerus/internal/config"
)

func TestStartForeground_emptyHome(t *testing.T) {
	ctx := context.Background()
	err := StartForeground(ctx, StartOptions{Home: ""})
	if err == nil {
		t.Fatal("StartForeground empty home: expected error")
	}
}

func writeFakeAgent(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	bin := filepath.Join(dir, "fakeagent.sh")
	script := `#!/usr/bin/env bash
set -u
IFS= read -r header
while IFS= read -t 0.2 -r line; do :; done
case "$header" in
  "NUMERUS_PLAN V1")
    printf '%s\n' '{"objective":"demo","tasks":[{"task_id":"t1","summary":"do it","description":"do it","depends_on":[]}]}'
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

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func TestStartForeground_servesHealthAndStatusReflectsIt(t *testing.T) {
	home := t.TempDir()
	port := freePort(t)
	opts := StartOptions{
		Home: home,
		Port: port,
		Cfg: config.Config{
			RunsDir:          filepath.Join(home, "runs"),
			StorePath:        filepath.Join(home, "store", "tasks.db"),
			AgentBin:         writeFakeAgent(t),
			MaxParallelTasks: 2,
			TaskTimeout:      10 * time.Second,
			RetryLimit:       1,
			CancelGrace:      500 * time.Millisecond,
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- StartForeground(ctx, opts) }()

	deadline := time.Now().Add(5 * time.Second)
	var st StatusInfo
	for time.Now().Before(deadline) {
		var err error
		st, err = Status(context.Background(), home)
		if err == nil && st.Running {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if !st.Running {
		cancel()
		t.Fatal("daemon did not report running in time")
	}
	if st.PID != os.Getpid() {
		t.Errorf("PID = %d, want %d", st.PID, os.Getpid())
	}

	resp, err := http.Get("http://127.0.0.1:" + strconv.Itoa(port) + "/health")
	if err != nil {
		cancel()
		t.Fatalf("GET /health: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status=%d", resp.StatusCode)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("StartForeground did not shut down after cancel")
	}

	st, _ = Status(context.Background(), home)
	if st.Running {
		t.Error("Status should report not running after shutdown")
	}
}
