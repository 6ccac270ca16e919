package daemon

// Process exit codes a host should use once Done is closed.
const (
	ExitClean          = 0
	ExitCrashed        = 1
	ExitStopTimeout    = 2
	ExitHandlerFailure = 3
)
