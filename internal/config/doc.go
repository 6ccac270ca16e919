// Package config loads, normalizes, and validates daemonkit configuration.
//
// It supplies defaults, expands user paths (including tilde shortcuts), reads
// TOML files, and honours the DAEMONKIT_LOG_LEVEL environment override. The
// Config type carries every knob the daemon host and CLI need: process files,
// shutdown deadline, health checks, the health journal, and log output.
//
// Always obtain settings through this package so downstream code receives
// absolute paths, canonical log formats, and clear validation errors.
package config
