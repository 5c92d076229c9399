// Package config resolves the daemon's process-start configuration: an
// env-var-with-default resolution style applied to every tunable of
// spec §3/§5 (runs directory, store path, agent binary, concurrency and
// timeout limits, retry policy), plus an optional numerus.yaml overlay for
// role taxonomy and retry policy (spec §4 domain stack). Every value is
// resolved once at process start into a plain Config struct and threaded
// explicitly from there — spec §9's "Global event bus" redesign note
// applies equally to configuration: no ambient globals.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is every tunable internal/runner.Config and the daemon's HTTP
// surface need, resolved once at startup.
type Config struct {
	RunsDir          string
	StorePath        string
	AgentBin         string
	MaxParallelTasks int
	TaskTimeout      time.Duration
	RetryLimit       int
	CancelGrace      time.Duration
	BreakerThreshold int
	BreakerCooldown  time.Duration

	// RoleTaxonomy maps a role name to the keywords that should fall back
	// to it when an agent's NUMERUS_ROLES response omits a task (see
	// internal/plan.ParseRoles / internal/runner.fallbackRoles). Loaded
	// from numerus.yaml; nil means "use the runner's built-in heuristic".
	RoleTaxonomy map[string][]string
}

// Overrides holds explicit flag values; a zero value for a field means
// "not set, fall through to env var / file / default".
type Overrides struct {
	RunsDir          string
	StorePath        string
	AgentBin         string
	MaxParallelTasks int
	TaskTimeoutSecs  int
	RetryLimit       int
	CancelGraceSecs  int
	BreakerThreshold int
	BreakerCooldown  int
	ConfigFile       string
}

// fileConfig is the shape of an on-disk numerus.yaml (spec §4 domain
// stack: "optional on-disk role-taxonomy and retry-policy config file").
type fileConfig struct {
	RetryLimit         int                 `yaml:"retry_limit"`
	CancelGraceSeconds int                 `yaml:"cancel_grace_seconds"`
	Roles              map[string][]string `yaml:"roles"`
}

// Load resolves Config from, in increasing priority: built-in defaults,
// numerus.yaml (if present), environment variables, then ov (explicit
// flags). AGENT_BIN has no default; Load returns an error if it ends up
// unset, since the runner cannot spawn anything without it.
func Load(ov Overrides) (Config, error) {
	fc, err := loadFile(resolveConfigPath(ov.ConfigFile))
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		RunsDir:          "./runs",
		StorePath:        "./store/tasks.db",
		MaxParallelTasks: 4,
		TaskTimeout:      600 * time.Second,
		RetryLimit:       2,
		CancelGrace:      10 * time.Second,
		BreakerThreshold: 3,
		BreakerCooldown:  30 * time.Second,
	}

	if fc != nil {
		if fc.RetryLimit > 0 {
			cfg.RetryLimit = fc.RetryLimit
		}
		if fc.CancelGraceSeconds > 0 {
			cfg.CancelGrace = time.Duration(fc.CancelGraceSeconds) * time.Second
		}
		if len(fc.Roles) > 0 {
			cfg.RoleTaxonomy = fc.Roles
		}
	}

	cfg.RunsDir = resolveString(ov.RunsDir, "RUNS_DIR", cfg.RunsDir)
	cfg.StorePath = resolveString(ov.StorePath, "STORE_PATH", cfg.StorePath)
	cfg.AgentBin = resolveString(ov.AgentBin, "AGENT_BIN", cfg.AgentBin)
	cfg.MaxParallelTasks = resolveInt(ov.MaxParallelTasks, "MAX_PARALLEL_TASKS", cfg.MaxParallelTasks)
	cfg.TaskTimeout = resolveSeconds(ov.TaskTimeoutSecs, "TASK_TIMEOUT_SECONDS", cfg.TaskTimeout)
	cfg.RetryLimit = resolveInt(ov.RetryLimit, "RETRY_LIMIT", cfg.RetryLimit)
	cfg.CancelGrace = resolveSeconds(ov.CancelGraceSecs, "CANCEL_GRACE_SECONDS", cfg.CancelGrace)
	cfg.BreakerThreshold = resolveInt(ov.BreakerThreshold, "BREAKER_THRESHOLD", cfg.BreakerThreshold)
	cfg.BreakerCooldown = resolveSeconds(ov.BreakerCooldown, "BREAKER_COOLDOWN_SECONDS", cfg.BreakerCooldown)

	if cfg.AgentBin == "" {
		return Config{}, fmt.Errorf("config: AGENT_BIN is not set (flag, env var, or %s)", "AGENT_BIN")
	}
	return cfg, nil
}

func resolveConfigPath(override string) string {
	if override != "" {
		return override
	}
	if env := os.Getenv("NUMERUS_CONFIG"); env != "" {
		return env
	}
	return "./numerus.yaml"
}

// loadFile reads path as a numerus.yaml overlay. A missing file is not an
// error: the overlay is optional, per spec §4's domain stack entry for
// gopkg.in/yaml.v3.
func loadFile(path string) (*fileConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(b, &fc); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return &fc, nil
}

func resolveString(override, envVar, def string) string {
	if override != "" {
		return override
	}
	if v := os.Getenv(envVar); v != "" {
		return v
	}
	return def
}

func resolveInt(override int, envVar string, def int) int {
	if override != 0 {
		return override
	}
	if v := os.Getenv(envVar); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func resolveSeconds(overrideSecs int, envVar string, def time.Duration) time.Duration {
	if overrideSecs != 0 {
		return time.Duration(overrideSecs) * time.Second
	}
	if v := os.Getenv(envVar); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return time.Duration(n) * time.Second
		}
	}
	return def
}

// EnsureDirs creates RunsDir and StorePath's parent directory so callers
// get a usable path back without a separate mkdir step.
func (c Config) EnsureDirs() error {
	if err := os.MkdirAll(c.RunsDir, 0o755); err != nil {
		return fmt.Errorf("config: mkdir runs dir: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(c.StorePath), 0o755); err != nil {
		return fmt.Errorf("config: mkdir store dir: %w", err)
	}
	return nil
}
