package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/numerus-run/numerus/pkg/numerus"
)

func newLogsCmd(addr *string) *cobra.Command {
	var follow bool

	cmd := &cobra.Command{
		Use:   "logs <task_id>",
		Short: "Print (or follow) a task's event log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			c := numerus.New(*addr)
			taskID := args[0]

			jobID, err := findJobForTask(ctx, c, taskID)
			if err != nil {
				return exitErr(4, err)
			}
			if jobID == "" {
				return exitErr(1, fmt.Errorf("no job found containing task %q", taskID))
			}

			if follow {
				err := c.StreamTaskLogs(ctx, jobID, taskID, func(ev numerus.Event) {
					fmt.Fprintf(cmd.OutOrStdout(), "%s %s %v\n", ev.TS.Format("15:04:05"), ev.Topic, ev.Payload)
				})
				if err != nil {
					return exitErr(4, err)
				}
				return nil
			}

			rc, err := c.TaskLogs(ctx, jobID, taskID)
			if err != nil {
				return exitErr(4, err)
			}
			defer func() { _ = rc.Close() }()
			if _, err := io.Copy(cmd.OutOrStdout(), rc); err != nil {
				return exitErr(4, err)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&follow, "follow", false, "Stream new log lines as they are written")
	return cmd
}

// findJobForTask searches recent jobs for the one containing taskID, since
// spec.md's `logs`/`kill` take only a task id. Linear over recent jobs;
// fine for a CLI tool, not for a hot path.
func findJobForTask(ctx context.Context, c *numerus.Client, taskID string) (string, error) {
	jobs, err := c.ListJobs(ctx, 200)
	if err != nil {
		return "", err
	}
	for _, j := range jobs {
		result, err := c.Status(ctx, j.JobID)
		if err != nil {
			continue
		}
		for _, t := range result.Tasks {
			if t.TaskID == taskID {
				return j.JobID, nil
			}
		}
	}
	return "", nil
}
