package config

import (
	"fmt"
	"os"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizeDaemon(); err != nil {
		return err
	}
	if err := c.normalizeHealth(); err != nil {
		return err
	}
	if err := c.normalizeJournal(); err != nil {
		return err
	}
	return c.normalizeLogging()
}

func (c *Config) normalizeDaemon() error {
	c.Daemon.Name = strings.TrimSpace(c.Daemon.Name)
	if c.Daemon.Name == "" {
		c.Daemon.Name = defaultDaemonName
	}
	var err error
	// An explicitly empty pid_file disables pid-file handling.
	if c.Daemon.PIDFile, err = expandPath(strings.TrimSpace(c.Daemon.PIDFile)); err != nil {
		return fmt.Errorf("daemon.pid_file: %w", err)
	}
	if strings.TrimSpace(c.Daemon.SocketPath) == "" {
		c.Daemon.SocketPath = defaultSocketPath
	}
	if c.Daemon.SocketPath, err = expandPath(strings.TrimSpace(c.Daemon.SocketPath)); err != nil {
		return fmt.Errorf("daemon.socket_path: %w", err)
	}
	return nil
}

func (c *Config) normalizeHealth() error {
	for i := range c.Health.Checks {
		check := &c.Health.Checks[i]
		check.Name = strings.TrimSpace(check.Name)
		check.Kind = strings.ToLower(strings.TrimSpace(check.Kind))
		path, err := expandPath(strings.TrimSpace(check.Path))
		if err != nil {
			return fmt.Errorf("health.checks[%d].path: %w", i, err)
		}
		check.Path = path
		check.Command = strings.TrimSpace(check.Command)
	}
	return nil
}

func (c *Config) normalizeJournal() error {
	if strings.TrimSpace(c.Journal.Path) == "" {
		c.Journal.Path = defaultJournalPath
	}
	var err error
	if c.Journal.Path, err = expandPath(strings.TrimSpace(c.Journal.Path)); err != nil {
		return fmt.Errorf("journal.path: %w", err)
	}
	return nil
}

func (c *Config) normalizeLogging() error {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = defaultLogFormat
	}
	if value, ok := os.LookupEnv("DAEMONKIT_LOG_LEVEL"); ok && strings.TrimSpace(value) != "" {
		c.Logging.Level = value
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
	var err error
	if c.Logging.Dir, err = expandPath(strings.TrimSpace(c.Logging.Dir)); err != nil {
		return fmt.Errorf("logging.dir: %w", err)
	}
	return nil
}
