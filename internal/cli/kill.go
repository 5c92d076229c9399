package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/numerus-run/numerus/pkg/numerus"
)

func newKillCmd(addr *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "kill <task_id>",
		Short: "Cancel the job that owns a task",
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
			if err := c.Cancel(ctx, jobID); err != nil {
				return exitErr(4, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "job %s cancelling\n", jobID)
			return nil
		},
	}
	return cmd
}
