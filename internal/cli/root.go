// Package cli implements the numerus command: the front-end surface of
// spec.md §6 (start, run, status, logs, kill) on top of the numerusd HTTP
// API, built on a cobra root command with subcommands per operation.
package cli

import (
	"errors"
	"os"

	"github.com/spf13/cobra"
)

// exitCodeErr carries a specific process exit code through cobra's
// RunE->Execute error path, so a job failure (2), a cancellation (3), or
// an internal error (4) can be distinguished from an ordinary usage
// error (1) once Execute returns.
type exitCodeErr struct {
	code int
	err  error
}

func (e *exitCodeErr) Error() string { return e.err.Error() }
func (e *exitCodeErr) Unwrap() error { return e.err }

func exitErr(code int, err error) error {
	if err == nil {
		return nil
	}
	return &exitCodeErr{code: code, err: err}
}

// ExitCode extracts the process exit code intended for err: 1 for a plain
// cobra usage/RunE error, or whatever exitErr recorded otherwise.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var ec *exitCodeErr
	if errors.As(err, &ec) {
		return ec.code
	}
	return 1
}

func NewRootCmd(version string) *cobra.Command {
	var (
		home     string
		addr     string
		agentBin string
	)

	cmd := &cobra.Command{
		Use:          "numerus",
		Short:        "numerus — decompose an objective into a task DAG and run it",
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&home, "home", defaultHome(), "Numerus home directory (default: ~/.numerus, env: NUMERUS_HOME)")
	cmd.PersistentFlags().StringVar(&addr, "addr", defaultAddr(), "numerusd HTTP address (env: NUMERUS_ADDR)")
	cmd.PersistentFlags().StringVar(&agentBin, "agent-bin", os.Getenv("AGENT_BIN"), "Path to the agent binary, used only when numerus start/run has to launch numerusd itself")

	cmd.AddCommand(newDoctorCmd(&home))
	cmd.AddCommand(newStartCmd(&home, &addr, &agentBin))
	cmd.AddCommand(newRunCmd(&home, &addr, &agentBin))
	cmd.AddCommand(newStopCmd(&home))
	cmd.AddCommand(newStatusCmd(&home, &addr))
	cmd.AddCommand(newLogsCmd(&addr))
	cmd.AddCommand(newKillCmd(&addr))

	cmd.SetOut(os.Stdout)
	cmd.SetErr(os.Stderr)

	cmd.SetVersionTemplate("{{.Version}}\n")
	if version != "" {
		cmd.Version = version
	} else {
		cmd.Version = "dev"
	}

	return cmd
}

func defaultHome() string {
	if h := os.Getenv("NUMERUS_HOME"); h != "" {
		return h
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".numerus"
	}
	return home + "/.numerus"
}

func defaultAddr() string {
	if a := os.Getenv("NUMERUS_ADDR"); a != "" {
		return a
	}
	return "http://127.0.0.1:3548"
}
