package config

const (
	defaultConfigPath        = "~/.config/daemonkit/config.toml"
	projectConfigName        = "daemonkit.toml"
	defaultDaemonName        = "daemonkit"
	defaultStateDir          = "~/.local/state/daemonkit"
	defaultPIDFile           = defaultStateDir + "/daemonkit.pid"
	defaultSocketPath        = defaultStateDir + "/daemonkit.sock"
	defaultShutdownTimeoutMS = 10_000
	defaultHealthIntervalMS  = 30_000
	defaultHealthTimeoutMS   = 5_000
	defaultJournalPath       = "~/.local/share/daemonkit/health.db"
	defaultJournalRetain     = 1000
	defaultLogDir            = "~/.local/share/daemonkit/logs"
	defaultLogFormat         = "console"
	defaultLogLevel          = "info"

	// maxSocketPathLen leaves room under the smallest sun_path limit (104 on BSDs).
	maxSocketPathLen = 103
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Daemon: Daemon{
			Name:              defaultDaemonName,
			PIDFile:           defaultPIDFile,
			SocketPath:        defaultSocketPath,
			ShutdownTimeoutMS: defaultShutdownTimeoutMS,
		},
		Health: Health{
			IntervalMS: defaultHealthIntervalMS,
			TimeoutMS:  defaultHealthTimeoutMS,
		},
		Journal: Journal{
			Enabled: true,
			Path:    defaultJournalPath,
			Retain:  defaultJournalRetain,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
			Dir:    defaultLogDir,
		},
	}
}
