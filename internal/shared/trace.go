// Package shared holds the small cross-cutting helpers every layer
// needs: context-carried correlation IDs and secret redaction.
package shared

import (
	"context"

	"github.com/google/uuid"
)

// ctxKey namespaces the correlation IDs carried on a context.
type ctxKey int

const (
	traceIDCtxKey ctxKey = iota
	taskIDCtxKey
	runIDCtxKey
)

func withString(ctx context.Context, key ctxKey, v string) context.Context {
	return context.WithValue(ctx, key, v)
}

func stringFrom(ctx context.Context, key ctxKey) string {
	v, _ := ctx.Value(key).(string)
	return v
}

// WithTraceID attaches a trace_id to the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return withString(ctx, traceIDCtxKey, traceID)
}

// TraceID returns the context's trace_id, or "-" so log lines always
// have a value in the trace_id field.
func TraceID(ctx context.Context) string {
	if v := stringFrom(ctx, traceIDCtxKey); v != "" {
		return v
	}
	return "-"
}

// NewTraceID generates a fresh trace_id.
func NewTraceID() string { return uuid.NewString() }

// WithTaskID attaches a task_id to the context.
func WithTaskID(ctx context.Context, taskID string) context.Context {
	return withString(ctx, taskIDCtxKey, taskID)
}

// TaskID returns the context's task_id, empty if absent.
func TaskID(ctx context.Context) string { return stringFrom(ctx, taskIDCtxKey) }

// WithRunID attaches an agent run_id to the context.
func WithRunID(ctx context.Context, runID string) context.Context {
	return withString(ctx, runIDCtxKey, runID)
}

// RunID returns the context's run_id, empty if absent.
func RunID(ctx context.Context) string { return stringFrom(ctx, runIDCtxKey) }

// NewRunID generates a fresh run_id.
func NewRunID() string { return uuid.NewString() }
