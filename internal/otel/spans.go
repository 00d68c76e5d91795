package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for hemiunu spans.
var (
	AttrTaskID       = attribute.Key("hemiunu.task.id")
	AttrRunID        = attribute.Key("hemiunu.run.id")
	AttrIteration    = attribute.Key("hemiunu.run.iteration")
	AttrToolName     = attribute.Key("hemiunu.tool.name")
	AttrModel        = attribute.Key("hemiunu.llm.model")
	AttrTokensInput  = attribute.Key("hemiunu.llm.tokens.input")
	AttrTokensOutput = attribute.Key("hemiunu.llm.tokens.output")
	AttrDeployID     = attribute.Key("hemiunu.deploy.id")
	AttrBranch       = attribute.Key("hemiunu.git.branch")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartClientSpan starts a span for an outbound call (LLM API, git remote).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
