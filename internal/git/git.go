// Package git shells out to the git binary for the one thing a task's
// working directory needs afterward: a change summary, grounded on the
// teacher's internal/git worktree helpers (diff/rebase/merge plumbing for
// per-task branches), trimmed to the single operation Numerus's task
// model still has a use for.
package git

import (
	"context"
	"os/exec"
	"strings"
)

// DiffSummary returns `git diff --stat` against HEAD in workingDir, trimmed
// of trailing whitespace, for a task's LastDiffSummary (spec §5 data
// model). An empty string (not an error) means the working dir is not a
// git repo or has no uncommitted changes — a task executing outside a
// repo is not a failure.
func DiffSummary(ctx context.Context, workingDir string) (string, error) {
	if workingDir == "" {
		return "", nil
	}
	cmd := exec.CommandContext(ctx, "git", "diff", "--stat", "HEAD")
	cmd.Dir = workingDir
	out, err := cmd.Output()
	if err != nil {
		return "", nil
	}
	return strings.TrimSpace(string(out)), nil
}
