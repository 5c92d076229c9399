package cli

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func newStartCmd(home, addr, agentBin *string) *cobra.Command {
	var workingDir string

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start numerusd if needed, then prompt for an objective to run",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprint(cmd.OutOrStdout(), "Objective: ")
			sc := bufio.NewScanner(cmd.InOrStdin())
			if !sc.Scan() {
				return exitErr(1, fmt.Errorf("no objective entered"))
			}
			objective := strings.TrimSpace(sc.Text())
			if objective == "" {
				return exitErr(1, fmt.Errorf("objective must not be empty"))
			}
			return runObjective(cmd, *home, *addr, *agentBin, objective, workingDir)
		},
	}
	cmd.Flags().StringVar(&workingDir, "dir", ".", "Working directory the tasks operate in")
	return cmd
}
