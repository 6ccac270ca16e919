package health

import (
	"time"
)

// Status is a check or aggregate health level.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Valid reports whether s is one of the three health levels.
func (s Status) Valid() bool {
	switch s {
	case StatusHealthy, StatusDegraded, StatusUnhealthy:
		return true
	}
	return false
}

// Result is the outcome of one check run. Timestamp and Duration are filled
// in by the Checker.
type Result struct {
	Status    Status
	Message   string
	Timestamp time.Time
	Duration  time.Duration
	// Err is the HEALTH_CHECK_FAILED error when the run failed outright.
	Err error
}

// Healthy builds a healthy result.
func Healthy(message string) Result {
	return Result{Status: StatusHealthy, Message: message}
}

// Degraded builds a degraded result.
func Degraded(message string) Result {
	return Result{Status: StatusDegraded, Message: message}
}

// Unhealthy builds an unhealthy result.
func Unhealthy(message string) Result {
	return Result{Status: StatusUnhealthy, Message: message}
}

// CheckReport is one check's entry in a Report. Pending is true until the
// check's first run completes; Result is zero until then.
type CheckReport struct {
	Name     string
	Critical bool
	Pending  bool
	Result   Result
}

// Report is the aggregate status plus the per-check breakdown in
// registration order.
type Report struct {
	Status Status
	Checks []CheckReport
}

// Unhealthy returns the names of checks whose cached result is unhealthy.
func (r Report) Unhealthy() []string {
	var names []string
	for _, check := range r.Checks {
		if !check.Pending && check.Result.Status == StatusUnhealthy {
			names = append(names, check.Name)
		}
	}
	return names
}

// Aggregate derives the overall status from cached check results. Any
// critical unhealthy check makes the whole unhealthy; otherwise any degraded
// check, or any non-critical unhealthy check, makes it degraded. Pending
// checks are ignored.
func Aggregate(checks []CheckReport) Status {
	overall := StatusHealthy
	for _, check := range checks {
		if check.Pending {
			continue
		}
		switch check.Result.Status {
		case StatusUnhealthy:
			if check.Critical {
				return StatusUnhealthy
			}
			overall = StatusDegraded
		case StatusDegraded:
			overall = StatusDegraded
		}
	}
	return overall
}
