// Package health runs independently scheduled health checks and derives an
// aggregate status from their latest cached results.
//
// Each check runs on its own ticker with a per-run timeout. A run that errors,
// panics, or times out is recorded as unhealthy; the schedule carries on
// either way. Reads never wait on an in-flight run: Report and Status compute
// the aggregate from whatever results are cached at that moment.
package health
