package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all hemiunu metrics instruments.
type Metrics struct {
	RunDuration      metric.Float64Histogram
	RunIterations    metric.Int64Histogram
	LLMCallDuration  metric.Float64Histogram
	TokensUsed       metric.Int64Counter
	ToolCallDuration metric.Float64Histogram
	ToolCallErrors   metric.Int64Counter
	ActiveRuns       metric.Int64UpDownCounter
	TaskTransitions  metric.Int64Counter
	DeployDuration   metric.Float64Histogram
	BranchesMerged   metric.Int64Counter
	MergeConflicts   metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.RunDuration, err = meter.Float64Histogram("hemiunu.run.duration",
		metric.WithDescription("Agent run duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.RunIterations, err = meter.Int64Histogram("hemiunu.run.iterations",
		metric.WithDescription("Model turns consumed per agent run"),
	)
	if err != nil {
		return nil, err
	}

	m.LLMCallDuration, err = meter.Float64Histogram("hemiunu.llm.duration",
		metric.WithDescription("LLM API call duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TokensUsed, err = meter.Int64Counter("hemiunu.llm.tokens",
		metric.WithDescription("Total tokens consumed"),
	)
	if err != nil {
		return nil, err
	}

	m.ToolCallDuration, err = meter.Float64Histogram("hemiunu.tool.duration",
		metric.WithDescription("Tool call duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ToolCallErrors, err = meter.Int64Counter("hemiunu.tool.errors",
		metric.WithDescription("Tool call error count"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveRuns, err = meter.Int64UpDownCounter("hemiunu.run.active",
		metric.WithDescription("Number of currently active agent runs"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskTransitions, err = meter.Int64Counter("hemiunu.task.transitions",
		metric.WithDescription("Task state transitions applied"),
	)
	if err != nil {
		return nil, err
	}

	m.DeployDuration, err = meter.Float64Histogram("hemiunu.deploy.duration",
		metric.WithDescription("Deploy cycle duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.BranchesMerged, err = meter.Int64Counter("hemiunu.deploy.merged",
		metric.WithDescription("Task branches merged into main"),
	)
	if err != nil {
		return nil, err
	}

	m.MergeConflicts, err = meter.Int64Counter("hemiunu.deploy.conflicts",
		metric.WithDescription("Merge conflicts encountered during deploy cycles"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
