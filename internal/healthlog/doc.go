// Package healthlog persists aggregate health transitions to SQLite so the
// history survives daemon restarts.
//
// The journal is append-only apart from retention pruning. It is written from
// the health checker's change callback and read by the health.history IPC
// verb.
package healthlog
