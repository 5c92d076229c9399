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

func TestRun_unknownCommand(t *testing.T) {
	if code := run(context.Background(), []string{"bogus"}); code != 1 {
		t.Errorf("run bogus: got exit code %d, want 1", code)
	}
}

func TestRun_statusWithoutDaemon(t *testing.T) {
	home := t.TempDir()
	if code := run(context.Background(), []string{"--home", home, "status"}); code != 0 {
		t.Errorf("run status: got exit code %d, want 0", code)
	}
}
