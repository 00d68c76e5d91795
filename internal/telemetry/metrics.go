package telemetry

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/khufu-labs/hemiunu/internal/bus"
	"github.com/khufu-labs/hemiunu/internal/otel"
)

// MetricsBridge turns event bus traffic into OTel metrics so the
// orchestrator's components stay free of instrumentation calls.
type MetricsBridge struct {
	bus     *bus.Bus
	metrics *otel.Metrics
	logger  *slog.Logger
}

// NewMetricsBridge wires a bridge between the bus and the instruments.
func NewMetricsBridge(eventBus *bus.Bus, metrics *otel.Metrics, logger *slog.Logger) *MetricsBridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &MetricsBridge{bus: eventBus, metrics: metrics, logger: logger}
}

// Start consumes events until the context is done.
func (b *MetricsBridge) Start(ctx context.Context) {
	taskSub := b.bus.Subscribe(bus.TopicTaskStateChanged)
	agentSub := b.bus.Subscribe("agent.")
	deploySub := b.bus.Subscribe("deploy.")
	defer b.bus.Unsubscribe(taskSub)
	defer b.bus.Unsubscribe(agentSub)
	defer b.bus.Unsubscribe(deploySub)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-taskSub.Ch():
			if !ok {
				return
			}
			b.onTaskEvent(ctx, ev)
		case ev, ok := <-agentSub.Ch():
			if !ok {
				return
			}
			b.onAgentEvent(ctx, ev)
		case ev, ok := <-deploySub.Ch():
			if !ok {
				return
			}
			b.onDeployEvent(ctx, ev)
		}
	}
}

func (b *MetricsBridge) onTaskEvent(ctx context.Context, ev bus.Event) {
	change, ok := ev.Payload.(bus.TaskStateChangedEvent)
	if !ok {
		return
	}
	b.metrics.TaskTransitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", change.OldStatus),
		attribute.String("to", change.NewStatus),
	))
}

func (b *MetricsBridge) onAgentEvent(ctx context.Context, ev bus.Event) {
	if call, ok := ev.Payload.(bus.ToolCallEvent); ok {
		b.onToolCall(ctx, call)
		return
	}
	run, ok := ev.Payload.(bus.AgentRunEvent)
	if !ok {
		return
	}
	switch ev.Topic {
	case bus.TopicAgentRunStarted:
		b.metrics.ActiveRuns.Add(ctx, 1)
	case bus.TopicAgentIteration:
		b.metrics.LLMCallDuration.Record(ctx, run.LLMSeconds)
		b.metrics.TokensUsed.Add(ctx, run.InputTokens, metric.WithAttributes(
			attribute.String("direction", "input"),
		))
		b.metrics.TokensUsed.Add(ctx, run.OutputTokens, metric.WithAttributes(
			attribute.String("direction", "output"),
		))
	case bus.TopicAgentRunFinished:
		b.metrics.ActiveRuns.Add(ctx, -1)
		b.metrics.RunDuration.Record(ctx, run.DurationSeconds, metric.WithAttributes(
			attribute.String("outcome", run.Outcome),
		))
		b.metrics.RunIterations.Record(ctx, int64(run.Iteration), metric.WithAttributes(
			attribute.String("outcome", run.Outcome),
		))
	}
}

func (b *MetricsBridge) onToolCall(ctx context.Context, call bus.ToolCallEvent) {
	b.metrics.ToolCallDuration.Record(ctx, call.Seconds, metric.WithAttributes(
		otel.AttrToolName.String(call.Tool),
	))
	if call.IsError {
		b.metrics.ToolCallErrors.Add(ctx, 1, metric.WithAttributes(
			otel.AttrToolName.String(call.Tool),
		))
	}
}

func (b *MetricsBridge) onDeployEvent(ctx context.Context, ev bus.Event) {
	dep, ok := ev.Payload.(bus.DeployEvent)
	if !ok {
		return
	}
	switch ev.Topic {
	case bus.TopicDeployMerged:
		b.metrics.BranchesMerged.Add(ctx, 1, metric.WithAttributes(
			otel.AttrBranch.String(dep.Branch),
		))
	case bus.TopicDeployConflict:
		b.metrics.MergeConflicts.Add(ctx, 1, metric.WithAttributes(
			otel.AttrBranch.String(dep.Branch),
		))
	case bus.TopicDeployCompleted:
		b.metrics.DeployDuration.Record(ctx, dep.DurationSeconds, metric.WithAttributes(
			attribute.String("status", "success"),
		))
	case bus.TopicDeployFailed:
		b.metrics.DeployDuration.Record(ctx, dep.DurationSeconds, metric.WithAttributes(
			attribute.String("status", "failed"),
		))
	}
}
