package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/numerus-run/numerus/pkg/numerus"
)

func newRunCmd(home, addr, agentBin *string) *cobra.Command {
	var workingDir string

	cmd := &cobra.Command{
		Use:   "run <objective>",
		Short: "Submit an objective and wait for it to finish",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runObjective(cmd, *home, *addr, *agentBin, args[0], workingDir)
		},
	}
	cmd.Flags().StringVar(&workingDir, "dir", ".", "Working directory the tasks operate in")
	return cmd
}

// runObjective submits objective, follows it to a terminal state, and maps
// the outcome onto spec.md §6's exit codes: 0 done, 2 failed, 3 cancelled,
// 4 any error submitting or streaming.
func runObjective(cmd *cobra.Command, home, addr, agentBin, objective, workingDir string) error {
	ctx := cmd.Context()
	if workingDir == "" || workingDir == "." {
		if wd, err := os.Getwd(); err == nil {
			workingDir = wd
		}
	}

	c, err := ensureDaemon(ctx, home, addr, agentBin)
	if err != nil {
		return exitErr(4, err)
	}

	jobID, err := c.Submit(ctx, objective, workingDir)
	if err != nil {
		return exitErr(4, fmt.Errorf("submit: %w", err))
	}
	fmt.Fprintf(cmd.OutOrStdout(), "job %s\n", jobID)

	status, err := awaitTerminal(ctx, c, jobID, cmd)
	if err != nil {
		return exitErr(4, err)
	}

	switch status {
	case numerus.JobDone:
		fmt.Fprintln(cmd.OutOrStdout(), "done")
		return nil
	case numerus.JobFailed:
		fmt.Fprintln(cmd.OutOrStdout(), "failed")
		return exitErr(2, errors.New("job failed"))
	case numerus.JobCancelled:
		fmt.Fprintln(cmd.OutOrStdout(), "cancelled")
		return exitErr(3, errors.New("job cancelled"))
	default:
		return exitErr(4, fmt.Errorf("job ended in unexpected state %q", status))
	}
}

// awaitTerminal subscribes to job.* events for jobID and returns once the
// job reaches a terminal JobStatus, printing each task transition as it
// happens. Falls back to polling Status if the event stream ends early.
func awaitTerminal(ctx context.Context, c *numerus.Client, jobID string, cmd *cobra.Command) (numerus.JobStatus, error) {
	result := make(chan numerus.JobStatus, 1)
	streamErr := make(chan error, 1)

	sctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		err := c.StreamEvents(sctx, "*", func(ev numerus.Event) {
			if ev.JobID != jobID {
				return
			}
			switch ev.Topic {
			case "job.done":
				result <- numerus.JobDone
			case "job.failed":
				result <- numerus.JobFailed
			case "job.cancelled":
				result <- numerus.JobCancelled
			case "job.task_completed", "job.task_failed", "job.task_cancelled":
				fmt.Fprintf(cmd.OutOrStdout(), "  %s %s\n", ev.TaskID, strings.TrimPrefix(ev.Topic, "job.task_"))
			}
		})
		streamErr <- err
	}()

	for {
		select {
		case st := <-result:
			return st, nil
		case <-streamErr:
			// stream ended (daemon restart, network blip); fall back to polling.
			st, err := c.Status(ctx, jobID)
			if err != nil {
				return "", err
			}
			if st.Job.Status.IsTerminal() {
				return st.Job.Status, nil
			}
			return "", fmt.Errorf("event stream for job %s ended before it reached a terminal state", jobID)
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}
