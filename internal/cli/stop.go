package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/numerus-run/numerus/internal/daemon"
)

func newStopCmd(home *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the running numerusd daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			stopped, err := daemon.Stop(cmd.Context(), *home)
			if err != nil {
				return exitErr(4, err)
			}
			if !stopped {
				fmt.Fprintln(cmd.OutOrStdout(), "numerusd is not running")
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), "stopped")
			return nil
		},
	}
	return cmd
}
