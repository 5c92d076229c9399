// Package daemon implements numerusd's process lifecycle: a singleton
// flock-guarded foreground run, a background re-exec that polls for the
// PID file to come up, SIGTERM-then-poll-then-SIGKILL stop, and a
// liveness probe via the PID file. What those functions wire together is
// store, event bus, journal, arbiter, terminal manager, job runner, and
// the HTTP/SSE surface.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/numerus-run/numerus/internal/arbiter"
	"github.com/numerus-run/numerus/internal/eventbus"
	"github.com/numerus-run/numerus/internal/httpapi"
	"github.com/numerus-run/numerus/internal/journal"
	"github.com/numerus-run/numerus/internal/otel"
	"github.com/numerus-run/numerus/internal/runner"
	"github.com/numerus-run/numerus/internal/store"
	"github.com/numerus-run/numerus/internal/store/postgres"
	"github.com/numerus-run/numerus/internal/terminal"
)

var errNotRunning = errors.New("numerusd is not running")

// StartForeground boots every C1-C7 component, resumes non-terminal jobs
// (spec §8 S6 crash recovery), and serves HTTP until ctx is cancelled or
// the listener fails.
func StartForeground(ctx context.Context, opts StartOptions) error {
	if opts.Home == "" {
		return errors.New("home is required")
	}
	if opts.Port == 0 {
		opts.Port = 3548
	}

	if err := os.MkdirAll(protectedDir(opts.Home), 0o755); err != nil {
		return err
	}

	lock, err := acquireLock(lockPath(opts.Home))
	if err != nil {
		return err
	}
	defer lock.release()

	startPprof(opts.PprofAddr)

	cfg := opts.Cfg
	if cfg.RunsDir == "" {
		cfg.RunsDir = filepath.Join(opts.Home, "runs")
	}
	if cfg.StorePath == "" {
		cfg.StorePath = filepath.Join(opts.Home, "store", "tasks.db")
	}
	if err := cfg.EnsureDirs(); err != nil {
		return err
	}

	pid := os.Getpid()
	if err := os.WriteFile(pidPath(opts.Home), []byte(strconv.Itoa(pid)+"\n"), 0o644); err != nil {
		return err
	}
	addr := fmt.Sprintf("0.0.0.0:%d", opts.Port)
	_ = os.WriteFile(addrPath(opts.Home), []byte(addr+"\n"), 0o644)
	defer func() {
		_ = os.Remove(pidPath(opts.Home))
		_ = os.Remove(addrPath(opts.Home))
	}()

	if err := checkPortAvailable(opts.Port); err != nil {
		return err
	}

	st, err := openStore(opts.DBDriver, opts.DBURL, cfg.StorePath)
	if err != nil {
		return fmt.Errorf("daemon: open store: %w", err)
	}
	defer func() { _ = st.Close() }()

	if stale, err := st.ClearStaleLocks(ctx); err != nil {
		slog.Warn("daemon: clear stale locks failed", "err", err)
	} else if len(stale) > 0 {
		slog.Info("daemon: cleared stale locks from a prior run", "count", len(stale))
	}

	bus := eventbus.New()
	arb := runner.NewArbiter(bus)
	term := terminal.New(cfg.BreakerThreshold, cfg.BreakerCooldown)

	jr := journal.New(cfg.RunsDir, st)
	jr.Subscribe(ctx, bus)
	defer func() { _ = jr.Close() }()

	run := runner.New(st, bus, arb, term, runner.Config{
		AgentBin:         cfg.AgentBin,
		RunsDir:          cfg.RunsDir,
		MaxParallelTasks: cfg.MaxParallelTasks,
		TaskTimeout:      cfg.TaskTimeout,
		RetryLimit:       cfg.RetryLimit,
		CancelGrace:      cfg.CancelGrace,
		BreakerThreshold: cfg.BreakerThreshold,
		BreakerCooldown:  cfg.BreakerCooldown,
		RoleTaxonomy:     cfg.RoleTaxonomy,
	})

	if err := run.Resume(ctx); err != nil {
		slog.Error("daemon: resume non-terminal jobs failed", "err", err)
	}

	httpOpts := httpapi.Options{
		Addr:   addr,
		Cfg:    cfg,
		Store:  st,
		Runner: run,
		Bus:    bus,
	}
	if opts.EnableOtel {
		metricsHandler, err := otel.InitMeterProvider(ctx, "numerusd")
		if err != nil {
			slog.Warn("otel init failed, metrics disabled", "err", err)
		} else {
			httpOpts.MetricsHandler = metricsHandler
			httpOpts.UseOtelHTTP = true
			if err := otel.InitMetrics(ctx); err != nil {
				slog.Warn("otel metrics init failed", "err", err)
			}
			_ = otel.InitMetricsWithLockCount(ctx, func() (reads, writes int64) {
				for _, l := range arb.ActiveLocks() {
					if l.Mode == arbiter.ModeWrite {
						writes++
					} else {
						reads++
					}
				}
				return reads, writes
			})
			_ = otel.InitMetricsWithTerminalActive(ctx, func() int64 {
				return int64(term.Stats().Active)
			})
			otel.Subscribe(ctx, bus)
		}
	}

	app := httpapi.New(httpOpts)

	slog.Info("daemon starting", "addr", addr, "home", opts.Home)
	errCh := make(chan error, 1)
	go func() {
		errCh <- app.Server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = app.Server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if err == nil || errors.Is(err, context.Canceled) {
			return nil
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func openStore(driver, dbURL, storePath string) (store.Store, error) {
	if driver == "postgres" {
		if dbURL == "" {
			return nil, fmt.Errorf("daemon: --db-driver postgres requires --db-url or DATABASE_URL")
		}
		return postgres.Open(dbURL)
	}
	return store.OpenWithOptions(store.OpenOptions{Driver: "sqlite", DSN: storePath})
}

// resolveDaemonBin finds the numerusd binary to re-exec for background
// mode: an explicit override, then a sibling of the calling binary, then
// PATH.
func resolveDaemonBin(override string) (string, error) {
	if override != "" {
		return override, nil
	}
	if self, err := os.Executable(); err == nil {
		sibling := filepath.Join(filepath.Dir(self), "numerusd")
		if runtime.GOOS == "windows" {
			sibling += ".exe"
		}
		if _, err := os.Stat(sibling); err == nil {
			return sibling, nil
		}
	}
	return exec.LookPath("numerusd")
}

func StartBackground(ctx context.Context, opts StartOptions) (int, error) {
	exe, err := resolveDaemonBin(opts.DaemonBin)
	if err != nil {
		return 0, fmt.Errorf("daemon: locate numerusd binary: %w", err)
	}

	if err := os.MkdirAll(protectedDir(opts.Home), 0o755); err != nil {
		return 0, err
	}

	if st, _ := Status(ctx, opts.Home); st.Running {
		return 0, fmt.Errorf("numerusd already running (pid %d)", st.PID)
	}

	logFile := filepath.Join(protectedDir(opts.Home), "daemon.log")
	stderr, err := os.OpenFile(logFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, err
	}

	args := []string{
		"--home", opts.Home,
		"--port", strconv.Itoa(opts.Port),
	}
	if opts.Dev {
		args = append(args, "--dev")
	}
	if opts.PprofAddr != "" {
		args = append(args, "--pprof", opts.PprofAddr)
	}

	cmd := exec.Command(exe, args...)
	cmd.Stdout = io.Discard
	cmd.Stderr = stderr
	setDaemonSysProcAttr(cmd)

	if err := cmd.Start(); err != nil {
		return 0, err
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if st, _ := Status(ctx, opts.Home); st.Running {
			return st.PID, nil
		}
		time.Sleep(50 * time.Millisecond)
	}

	return cmd.Process.Pid, nil
}

func Stop(ctx context.Context, home string) (bool, error) {
	st, err := Status(ctx, home)
	if err != nil {
		return false, err
	}
	if !st.Running {
		return false, nil
	}

	proc, err := os.FindProcess(st.PID)
	if err != nil {
		return false, errNotRunning
	}
	if err := signalTerm(proc); err != nil {
		return false, err
	}

	deadline := time.Now().Add(15 * time.Second)
	for time.Now().Before(deadline) {
		if st2, _ := Status(ctx, home); !st2.Running {
			return true, nil
		}
		time.Sleep(100 * time.Millisecond)
	}

	_ = proc.Kill()
	return true, nil
}

func Status(ctx context.Context, home string) (StatusInfo, error) {
	pb, err := os.ReadFile(pidPath(home))
	if err != nil {
		return StatusInfo{Running: false}, nil
	}
	pidStr := strings.TrimSpace(string(pb))
	pid, err := strconv.Atoi(pidStr)
	if err != nil || pid <= 0 {
		return StatusInfo{Running: false}, nil
	}

	if !processExists(pid) {
		_ = os.Remove(pidPath(home))
		return StatusInfo{Running: false}, nil
	}

	addr := ""
	if ab, err := os.ReadFile(addrPath(home)); err == nil {
		addr = strings.TrimSpace(string(ab))
	}
	if addr == "" {
		addr = "unknown"
	}
	return StatusInfo{Running: true, PID: pid, Addr: addr}, nil
}

func checkPortAvailable(port int) error {
	ln, err := net.Listen("tcp", fmt.Sprintf("0.0.0.0:%d", port))
	if err != nil {
		return fmt.Errorf("port %d is already in use", port)
	}
	_ = ln.Close()
	return nil
}
