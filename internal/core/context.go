package core

import "context"

// contextKey is a custom type for context keys to avoid collisions.
type contextKey string

const (
	requestIDKey contextKey = "request-id"
)

// WithRequestID returns a new context with the request ID attached.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// GetRequestID retrieves the request ID from the context.
// Returns empty string if not found.
func GetRequestID(ctx context.Context) string {
	if v := ctx.Value(requestIDKey); v != nil {
		if id, ok := v.(string); ok {
			return id
		}
	}
	return ""
}

// LogAttrs returns slog key/value pairs describing ctx, for use as
// logger.With(core.LogAttrs(ctx)...).
func LogAttrs(ctx context.Context) []any {
	if id := GetRequestID(ctx); id != "" {
		return []any{"request_id", id}
	}
	return nil
}
