// numerus is the CLI surface consumed by the external front-end: start,
// run, status, logs, and kill, talking to numerusd over HTTP. It
// auto-starts numerusd in the background the first time it is needed,
// re-executing the separate numerusd binary rather than itself.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/numerus-run/numerus/internal/cli"
)

var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	os.Exit(run(ctx, os.Args[1:]))
}

func run(ctx context.Context, args []string) int {
	cmd := cli.NewRootCmd(version)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(ctx)
	return cli.ExitCode(err)
}
