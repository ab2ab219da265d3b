package logger

import (
	"context"
)

type contextKey string

const buildIDKey contextKey = "build_id"

// ContextWithBuildID tags ctx with the id of the running build.
func ContextWithBuildID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, buildIDKey, id)
}

// BuildIDFromContext returns the build id stored in ctx, or "" when absent.
func BuildIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if id, ok := ctx.Value(buildIDKey).(string); ok {
		return id
	}
	return ""
}

// WithContext returns a logger that carries the tracing fields found in ctx
func WithContext(ctx context.Context, log Logger) Logger {
	if id := BuildIDFromContext(ctx); id != "" {
		return log.WithFields(WithField("build_id", id))
	}
	return log
}
