package daemon

import "github.com/numerus-run/numerus/internal/config"

// StartOptions configures numerusd (home directory, listen port, store
// driver, and the resolved runner/HTTP config).
type StartOptions struct {
	Home         string
	Port         int
	Dev          bool
	PprofAddr    string
	DBDriver     string // "sqlite" (default) or "postgres"
	DBURL        string // for postgres: connection string (or DATABASE_URL env)
	EnableOtel   bool   // enable OpenTelemetry metrics (Prometheus exporter + otelhttp)
	DaemonBin    string // explicit path to numerusd for StartBackground; resolved from PATH/sibling if empty
	Cfg          config.Config
}

// StatusInfo is the result of Status (running or not, PID, listen addr).
type StatusInfo struct {
	Running bool
	PID     int
	Addr    string
}
