package cli

import (
	"errors"
	"fmt"
	"os"
	"os/exec"

	"github.com/spf13/cobra"
)

func newDoctorCmd(home *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Verify runtime dependencies",
		RunE: func(cmd *cobra.Command, args []string) error {
			var problems []string

			if bin := os.Getenv("AGENT_BIN"); bin != "" {
				if _, err := exec.LookPath(bin); err != nil {
					if _, err := os.Stat(bin); err != nil {
						problems = append(problems, fmt.Sprintf("AGENT_BIN %q is not executable: %v", bin, err))
					}
				}
			} else {
				problems = append(problems, "AGENT_BIN is not set (no agent binary to dispatch tasks to)")
			}

			if *home == "" {
				problems = append(problems, "numerus home directory could not be resolved")
			}

			if len(problems) > 0 {
				for _, p := range problems {
					fmt.Fprintln(cmd.ErrOrStderr(), p)
				}
				return exitErr(1, errors.New("doctor checks failed"))
			}

			fmt.Fprintln(cmd.OutOrStdout(), "ok")
			return nil
		},
	}
	return cmd
}
