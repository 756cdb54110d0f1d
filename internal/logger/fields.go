package logger

// Fields is an alias for map[string]interface{} for convenience.
type Fields map[string]interface{}

// Tracing fields travel with the context through an import run or request.
const (
	FieldRequestID = "request_id"
	FieldRunID     = "run_id"
	FieldAccountID = "account_id"
	// FieldSource is the source adapter name
	FieldSource    = "source"
	FieldComponent = "component"
)

// Metric fields are attached per log line through Entry.
const (
	FieldDurationMs = "duration_ms"
	FieldCount      = "count"
	// FieldSize is a size in bytes
	FieldSize   = "size"
	FieldStatus = "status"
)
