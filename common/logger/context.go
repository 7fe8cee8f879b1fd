package logger

import "context"

type contextKey string

const logFieldsKey contextKey = "log_fields"

// LogFields contains structured fields automatically added to all logs within a context.
// Agents and the router enrich the context once and every log line below picks the
// scheduling context up (work order, activity, agent identity).
type LogFields struct {
	RequestID       *int64  // Snowflake id of the routed request
	MessageID       *string // Redis stream message ID
	Level           *string // Scheduling level ("strategic", "tactical", ...)
	AgentID         *string // Operational identity
	WorkOrderNumber *uint64
	ActivityNumber  *uint64
	Component       string // Component name (OTel semantic convention style, e.g., "scheduler.tactical.agent")
}

// WithLogFields enriches context with structured log fields.
// Multiple calls merge fields, with newer non-nil/non-empty values taking precedence.
// Context timeouts and cancellation are preserved.
func WithLogFields(ctx context.Context, fields LogFields) context.Context {
	existing := GetLogFields(ctx)
	merged := mergeFields(existing, fields)
	return context.WithValue(ctx, logFieldsKey, merged)
}

// GetLogFields retrieves log fields from context.
// Returns empty LogFields if none are set.
func GetLogFields(ctx context.Context) LogFields {
	if fields, ok := ctx.Value(logFieldsKey).(LogFields); ok {
		return fields
	}
	return LogFields{}
}

func mergeFields(existing, new LogFields) LogFields {
	result := existing

	if new.RequestID != nil {
		result.RequestID = new.RequestID
	}
	if new.MessageID != nil {
		result.MessageID = new.MessageID
	}
	if new.Level != nil {
		result.Level = new.Level
	}
	if new.AgentID != nil {
		result.AgentID = new.AgentID
	}
	if new.WorkOrderNumber != nil {
		result.WorkOrderNumber = new.WorkOrderNumber
	}
	if new.ActivityNumber != nil {
		result.ActivityNumber = new.ActivityNumber
	}
	if new.Component != "" {
		result.Component = new.Component
	}

	return result
}

// Ptr is a helper to create a pointer from a value.
// Useful for setting LogFields inline: logger.WithLogFields(ctx, logger.LogFields{AgentID: logger.Ptr(id)})
func Ptr[T any](v T) *T {
	return &v
}
