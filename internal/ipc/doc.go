// Package ipc is the daemon's local control channel: newline-delimited JSON
// frames over a Unix domain socket, with request/response correlation by id
// and unsolicited events pushed from the server.
//
// The server hands every request to a Handler on its own goroutine and tracks
// it for the shutdown drain; a handler that waits on the shutdown itself must
// call Detach first. The client correlates replies by id, bounds each request
// with a timeout, and drops replies that arrive after their caller gave up.
//
// Wire DTOs for the daemon's control verbs live here so the CLI and the
// daemon agree on one shape.
package ipc
