// Package logging assembles the structured slog loggers used by the daemon
// runtime and its CLI.
//
// It owns the console and JSON handlers, level and output plumbing, the tee
// handler that mirrors console output into a log file, and a handful of attr
// helpers and standard field keys. Components receive an injected
// *slog.Logger and tag it with NewComponentLogger; tests use NewNop.
package logging
