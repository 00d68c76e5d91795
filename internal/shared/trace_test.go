package shared

import (
	"context"
	"testing"
)

func TestTraceIDDefault(t *testing.T) {
	if got := TraceID(context.Background()); got != "-" {
		t.Fatalf("TraceID = %q, want %q", got, "-")
	}
}

func TestTraceIDRoundTrip(t *testing.T) {
	ctx := WithTraceID(context.Background(), "abc-123")
	if got := TraceID(ctx); got != "abc-123" {
		t.Fatalf("TraceID = %q, want %q", got, "abc-123")
	}
}

func TestTaskAndRunID(t *testing.T) {
	ctx := WithTaskID(context.Background(), "t1")
	ctx = WithRunID(ctx, "r1")
	if got := TaskID(ctx); got != "t1" {
		t.Fatalf("TaskID = %q", got)
	}
	if got := RunID(ctx); got != "r1" {
		t.Fatalf("RunID = %q", got)
	}
	if got := TaskID(context.Background()); got != "" {
		t.Fatalf("TaskID on empty ctx = %q", got)
	}
}

func TestNewTraceIDUnique(t *testing.T) {
	a, b := NewTraceID(), NewTraceID()
	if a == b || a == "" {
		t.Fatalf("expected distinct non-empty ids, got %q %q", a, b)
	}
}
