package logging

// Standard structured logging keys. Keep these stable: the JSON log file is
// consumed by tooling that filters on them.
const (
	// FieldComponent names the subsystem that emitted the record.
	FieldComponent = "component"
	// FieldEventType is a short machine-readable tag for the event.
	FieldEventType = "event_type"
	// FieldErrorHint tells an operator what to try next.
	FieldErrorHint = "error_hint"
	// FieldImpact is the user-facing consequence of a warning.
	FieldImpact = "impact"
	// FieldDaemon is the daemon instance name.
	FieldDaemon = "daemon"
	// FieldRequestID correlates a log line with an IPC request.
	FieldRequestID = "request_id"
	// FieldConnID identifies an IPC connection.
	FieldConnID = "conn_id"
)
