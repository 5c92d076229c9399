package cli

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/numerus-run/numerus/internal/daemon"
	"github.com/numerus-run/numerus/pkg/numerus"
)

// ensureDaemon starts numerusd in the background if it is not already
// running against home, then returns a client for addr. Mirrors the
// teacher's `start` command's background-then-poll shape, but split out
// so both `numerus start` and `numerus run` can ensure a daemon exists
// before submitting an objective.
func ensureDaemon(ctx context.Context, home, addr, agentBin string) (*numerus.Client, error) {
	st, err := daemon.Status(ctx, home)
	if err != nil {
		return nil, fmt.Errorf("daemon status: %w", err)
	}
	c := numerus.New(addr)
	if st.Running {
		return c, nil
	}

	port := 3548
	if u, err := url.Parse(addr); err == nil && u.Port() != "" {
		if p, err := strconv.Atoi(u.Port()); err == nil {
			port = p
		}
	}

	if agentBin != "" {
		// StartBackground re-execs numerusd as a child process, which
		// inherits the CLI's environment; this is how --agent-bin reaches it.
		if err := os.Setenv("AGENT_BIN", agentBin); err != nil {
			return nil, err
		}
	}

	if _, err := daemon.StartBackground(ctx, daemon.StartOptions{
		Home: home,
		Port: port,
	}); err != nil {
		return nil, fmt.Errorf("start numerusd: %w", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if ok, _ := c.Health(ctx); ok {
			return c, nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return c, fmt.Errorf("numerusd did not become healthy within 5s")
}
