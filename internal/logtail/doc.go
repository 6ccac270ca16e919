// Package logtail reads the daemon's JSON log file from the CLI: the last N
// lines, everything after a byte offset, or a polling follow that survives
// truncation.
package logtail
