package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/numerus-run/numerus/internal/daemon"
	"github.com/numerus-run/numerus/pkg/numerus"
)

func newStatusCmd(home, addr *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status [job_id]",
		Short: "Show daemon status, or one job's status with its tasks",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := daemon.Status(cmd.Context(), *home)
			if err != nil {
				return exitErr(4, err)
			}
			if !st.Running {
				fmt.Fprintln(cmd.OutOrStdout(), "numerusd not running")
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "numerusd running (pid %d, addr %s)\n", st.PID, st.Addr)

			c := numerus.New(*addr)
			if len(args) == 1 {
				return printJobStatus(cmd, c, args[0])
			}
			return printRecentJobs(cmd, c)
		},
	}
	return cmd
}

func printJobStatus(cmd *cobra.Command, c *numerus.Client, jobID string) error {
	result, err := c.Status(cmd.Context(), jobID)
	if err != nil {
		return exitErr(4, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "job %s: %s (%q)\n", result.Job.JobID, result.Job.Status, result.Job.Objective)
	for _, t := range result.Tasks {
		fmt.Fprintf(cmd.OutOrStdout(), "  %s [%s] %s\n", t.TaskID, t.State, t.Summary)
	}
	return nil
}

func printRecentJobs(cmd *cobra.Command, c *numerus.Client) error {
	jobs, err := c.ListJobs(cmd.Context(), 20)
	if err != nil {
		return exitErr(4, err)
	}
	if len(jobs) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "no jobs")
		return nil
	}
	for _, j := range jobs {
		fmt.Fprintf(cmd.OutOrStdout(), "%s  %-10s  %s\n", j.JobID, j.Status, j.Objective)
	}
	return nil
}
