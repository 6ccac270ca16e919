// Package daemon owns the lifecycle of one long-running daemon process.
//
// A Daemon ties together the pid file, the IPC control server and the health
// checker behind a single state machine:
//
//	created -> starting -> running -> stopping -> stopped
//	               \          \
//	                `----------`--> crashed
//
// A stopped daemon may be started again. Stop runs the registered shutdown
// handlers newest first under one overall deadline, then closes the control
// socket, stops the health checks and removes the pid file. OS signals, the
// stop control verb and direct Stop calls all funnel into that same path.
//
// Subscribers see state.changed for stopping and then their connection
// closes with the control socket; stopping is the last event a stop
// delivers. Clients learn the final outcome from the stop reply or from the
// connection closing.
//
// Keep application behaviour out of this package: hosts hand in checks,
// shutdown handlers and an optional ipc.Handler for their own verbs.
package daemon
