package main

import (
	"context"
	"testing"
)

func TestRun_help(t *testing.T) {
	if code := run(context.Background(), []string{"--help"}); code != 0 {
		t.Errorf("run --help: got exit code %d", code)
	}
}

func TestRun_missingAgentBin(t *testing.T) {
	t.Setenv("AGENT_BIN", "")
	home := t.TempDir()
	code := run(context.Background(), []string{"--home", home, "--agent-bin=", "--port", "0"})
	if code != 1 {
		t.Errorf("run with no agent bin: got exit code %d, want 1", code)
	}
}
