package queue

// Stream entry fields. Requests carry a JSON-encoded orchestrator request in
// FieldPayload; replies and status snapshots reuse the same layout.
const (
	FieldPayload   = "payload"
	FieldAttempt   = "attempt"
	FieldTraceID   = "trace_id"
	FieldReplyTo   = "reply_to"
	FieldRequestID = "request_id"
	FieldError     = "error"
	FieldLastError = "last_error"
	FieldKind      = "kind"
)
