package logger

import "context"

type contextKey string

const logFieldsKey contextKey = "log_fields"

// LogFields contains structured fields automatically added to all logs
// within a context. Business context (discussion_id, flow_id, stage) flows
// through context enrichment instead of being repeated at every call site.
type LogFields struct {
	DiscussionID *int64  // Discussion record ID
	FlowID       *int64  // Flow configuration ID
	SourceType   *string // Source type ("gitlab", "chat")
	Stage        *string // Current pipeline stage
	Component    string  // Component name (e.g. "processor.orchestrator")
}

// WithLogFields enriches context with structured log fields.
// Multiple calls merge fields, with newer non-nil/non-empty values taking
// precedence. Context timeouts and cancellation are preserved.
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

func mergeFields(existing, updated LogFields) LogFields {
	result := existing

	if updated.DiscussionID != nil {
		result.DiscussionID = updated.DiscussionID
	}
	if updated.FlowID != nil {
		result.FlowID = updated.FlowID
	}
	if updated.SourceType != nil {
		result.SourceType = updated.SourceType
	}
	if updated.Stage != nil {
		result.Stage = updated.Stage
	}
	if updated.Component != "" {
		result.Component = updated.Component
	}

	return result
}

// Ptr is a helper to create a pointer from a value, for setting LogFields
// inline: logger.WithLogFields(ctx, logger.LogFields{DiscussionID: logger.Ptr(id)})
func Ptr[T any](v T) *T {
	return &v
}

// Truncate truncates a string to maxLen characters, appending "..." if
// truncated. Useful for logging message bodies and error text.
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
