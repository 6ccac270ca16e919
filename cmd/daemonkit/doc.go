// Command daemonkit runs a daemon in the foreground and controls a running
// one over its Unix socket.
//
//	daemonkit run             run in the foreground until stopped
//	daemonkit start           launch detached and wait for the socket
//	daemonkit stop            request a stop, SIGKILL after the grace period
//	daemonkit status          lifecycle state, pid and uptime
//	daemonkit health          per-check results and the aggregate status
//	daemonkit watch           stream state and health events
//
// The exit code of `run` reflects how the daemon ended: 0 clean, 1 crashed,
// 2 stop deadline exceeded, 3 shutdown handler failures.
package main
