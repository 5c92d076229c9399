// numerusd is the daemon binary: it resolves configuration and runs in
// the foreground, which is what `numerus start`/`numerus run`'s
// background re-exec invokes under the hood.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/numerus-run/numerus/internal/config"
	"github.com/numerus-run/numerus/internal/daemon"
)

var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	os.Exit(run(ctx, os.Args[1:]))
}

func run(ctx context.Context, args []string) int {
	cmd := newRootCmd()
	cmd.SetArgs(args)
	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		return 1
	}
	return 0
}

func newRootCmd() *cobra.Command {
	var (
		home             string
		port             int
		pprofAddr        string
		dev              bool
		dbDriver         string
		dbURL            string
		enableOtel       bool
		agentBin         string
		runsDir          string
		storePath        string
		maxParallelTasks int
		taskTimeoutSecs  int
		retryLimit       int
		cancelGraceSecs  int
		breakerThreshold int
		breakerCooldown  int
		configFile       string
	)

	cmd := &cobra.Command{
		Use:          "numerusd",
		Short:        "numerusd — the Numerus supervisor daemon",
		SilenceUsage: true,
		Version:      version,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(config.Overrides{
				RunsDir:          runsDir,
				StorePath:        storePath,
				AgentBin:         agentBin,
				MaxParallelTasks: maxParallelTasks,
				TaskTimeoutSecs:  taskTimeoutSecs,
				RetryLimit:       retryLimit,
				CancelGraceSecs:  cancelGraceSecs,
				BreakerThreshold: breakerThreshold,
				BreakerCooldown:  breakerCooldown,
				ConfigFile:       configFile,
			})
			if err != nil {
				return err
			}
			return daemon.StartForeground(cmd.Context(), daemon.StartOptions{
				Home:       home,
				Port:       port,
				Dev:        dev,
				PprofAddr:  pprofAddr,
				DBDriver:   dbDriver,
				DBURL:      dbURL,
				EnableOtel: enableOtel,
				Cfg:        cfg,
			})
		},
	}

	cmd.Flags().StringVar(&home, "home", defaultHome(), "Numerus home directory (PID/lock/addr files)")
	cmd.Flags().IntVar(&port, "port", 3548, "HTTP/SSE listen port")
	cmd.Flags().StringVar(&pprofAddr, "pprof", "", "Enable pprof on address (e.g. 127.0.0.1:6060)")
	cmd.Flags().BoolVar(&dev, "dev", false, "Enable dev mode")
	cmd.Flags().StringVar(&dbDriver, "db-driver", "sqlite", "Store driver: sqlite or postgres")
	cmd.Flags().StringVar(&dbURL, "db-url", os.Getenv("DATABASE_URL"), "Postgres connection string (db-driver=postgres)")
	cmd.Flags().BoolVar(&enableOtel, "otel", true, "Enable OpenTelemetry metrics (Prometheus exporter on /metrics)")
	cmd.Flags().StringVar(&agentBin, "agent-bin", "", "Path to the agent binary (required; or env AGENT_BIN)")
	cmd.Flags().StringVar(&runsDir, "runs-dir", "", "Directory for per-job run logs (default: ./runs, or env RUNS_DIR)")
	cmd.Flags().StringVar(&storePath, "store-path", "", "SQLite database path (default: ./store/tasks.db, or env STORE_PATH)")
	cmd.Flags().IntVar(&maxParallelTasks, "max-parallel-tasks", 0, "Max tasks executing concurrently per job")
	cmd.Flags().IntVar(&taskTimeoutSecs, "task-timeout", 0, "Per-invocation timeout in seconds")
	cmd.Flags().IntVar(&retryLimit, "retry-limit", 0, "Retries per task before it is marked failed")
	cmd.Flags().IntVar(&cancelGraceSecs, "cancel-grace", 0, "Seconds between SIGTERM and SIGKILL on cancel")
	cmd.Flags().IntVar(&breakerThreshold, "breaker-threshold", 0, "Consecutive spawn failures before the terminal circuit breaker opens")
	cmd.Flags().IntVar(&breakerCooldown, "breaker-cooldown", 0, "Seconds the circuit breaker stays open")
	cmd.Flags().StringVar(&configFile, "config", "", "Path to numerus.yaml (default: ./numerus.yaml or $NUMERUS_CONFIG)")

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
