// Package daemonerr defines the tagged error type shared by the daemon
// lifecycle, IPC, and health packages.
//
// Every expected failure in the runtime core is reported as an *Error with a
// stable Code. Codes survive the IPC boundary, so a CLI client can branch on
// ALREADY_RUNNING or IPC_TIMEOUT without string matching. Use errors.Is with
// the Err* markers to test for a code anywhere in a wrapped or joined chain.
package daemonerr
