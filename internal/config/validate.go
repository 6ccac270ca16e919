package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateDaemon(); err != nil {
		return err
	}
	if err := c.validateHealth(); err != nil {
		return err
	}
	if err := c.validateJournal(); err != nil {
		return err
	}
	return c.validateLogging()
}

func (c *Config) validateDaemon() error {
	if strings.ContainsAny(c.Daemon.Name, `/\`) {
		return fmt.Errorf("daemon.name %q must not contain path separators", c.Daemon.Name)
	}
	if c.Daemon.SocketPath == "" {
		return errors.New("daemon.socket_path must be set")
	}
	if len(c.Daemon.SocketPath) > maxSocketPathLen {
		return fmt.Errorf("daemon.socket_path is %d bytes; unix sockets allow at most %d", len(c.Daemon.SocketPath), maxSocketPathLen)
	}
	if c.Daemon.ShutdownTimeoutMS <= 0 {
		return errors.New("daemon.shutdown_timeout_ms must be positive")
	}
	return nil
}

func (c *Config) validateHealth() error {
	if c.Health.IntervalMS <= 0 {
		return errors.New("health.interval_ms must be positive")
	}
	if c.Health.TimeoutMS <= 0 {
		return errors.New("health.timeout_ms must be positive")
	}
	seen := make(map[string]struct{}, len(c.Health.Checks))
	for i, check := range c.Health.Checks {
		if check.Name == "" {
			return fmt.Errorf("health.checks[%d].name must be set", i)
		}
		if _, dup := seen[check.Name]; dup {
			return fmt.Errorf("health.checks[%d].name %q is already used", i, check.Name)
		}
		seen[check.Name] = struct{}{}
		if check.IntervalMS < 0 || check.TimeoutMS < 0 {
			return fmt.Errorf("health.checks[%d] (%s): interval_ms and timeout_ms must not be negative", i, check.Name)
		}
		switch check.Kind {
		case CheckKindPath:
			if check.Path == "" {
				return fmt.Errorf("health.checks[%d] (%s): path is required for kind %q", i, check.Name, check.Kind)
			}
		case CheckKindDisk:
			if check.Path == "" {
				return fmt.Errorf("health.checks[%d] (%s): path is required for kind %q", i, check.Name, check.Kind)
			}
			if check.MinFreeMB < 0 || check.WarnFreeMB < 0 {
				return fmt.Errorf("health.checks[%d] (%s): free space thresholds must not be negative", i, check.Name)
			}
			if check.WarnFreeMB != 0 && check.WarnFreeMB < check.MinFreeMB {
				return fmt.Errorf("health.checks[%d] (%s): warn_free_mb must be at least min_free_mb", i, check.Name)
			}
		case CheckKindSocket:
		case CheckKindBinary:
			if check.Command == "" {
				return fmt.Errorf("health.checks[%d] (%s): command is required for kind %q", i, check.Name, check.Kind)
			}
		default:
			return fmt.Errorf("health.checks[%d] (%s): unsupported kind %q (want path, disk, socket, or binary)", i, check.Name, check.Kind)
		}
	}
	return nil
}

func (c *Config) validateJournal() error {
	if c.Journal.Enabled && c.Journal.Retain < 0 {
		return errors.New("journal.retain must not be negative")
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format: unsupported value %q (want console or json)", c.Logging.Format)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging.level: unsupported value %q", c.Logging.Level)
	}
	return nil
}
