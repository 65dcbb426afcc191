package shared

import (
	"context"

	"github.com/google/uuid"
)

type traceKey struct{}
type invocationIDKey struct{}
type pluginKey struct{}

// WithTraceID attaches a trace_id to the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceKey{}, traceID)
}

// TraceID extracts trace_id from context. Returns "-" if absent.
func TraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceKey{}).(string); ok && v != "" {
		return v
	}
	return "-"
}

// NewTraceID generates a new trace_id.
func NewTraceID() string {
	return uuid.NewString()
}

// WithInvocationID attaches an invocation_id to the context.
func WithInvocationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, invocationIDKey{}, id)
}

// InvocationID extracts invocation_id from context. Returns "" if absent.
func InvocationID(ctx context.Context) string {
	if v, ok := ctx.Value(invocationIDKey{}).(string); ok {
		return v
	}
	return ""
}

// NewInvocationID generates a new invocation_id.
func NewInvocationID() string {
	return uuid.NewString()
}

// WithPlugin records the plugin file handling the current invocation.
func WithPlugin(ctx context.Context, file string) context.Context {
	return context.WithValue(ctx, pluginKey{}, file)
}

// Plugin extracts the plugin file from context. Returns "" if absent.
func Plugin(ctx context.Context) string {
	if v, ok := ctx.Value(pluginKey{}).(string); ok {
		return v
	}
	return ""
}
