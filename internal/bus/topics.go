package bus

// Task event topics.
const (
	TopicTaskStateChanged = "task.state_changed"
	TopicTaskCreated      = "task.created"
	TopicTaskSplit        = "task.split"
)

// Agent run topics.
const (
	TopicAgentRunStarted  = "agent.run_started"
	TopicAgentIteration   = "agent.iteration"
	TopicAgentToolCall    = "agent.tool_call"
	TopicAgentRunFinished = "agent.run_finished"
)

// Deploy cycle topics.
const (
	TopicDeployStarted   = "deploy.started"
	TopicDeployMerged    = "deploy.merged"
	TopicDeployConflict  = "deploy.conflict"
	TopicDeployCompleted = "deploy.completed"
	TopicDeployFailed    = "deploy.failed"
)

// TaskStateChangedEvent is published when a task's state changes.
type TaskStateChangedEvent struct {
	TaskID    string // Task ID
	OldStatus string // Previous status (e.g. TODO)
	NewStatus string // New status (e.g. WORKING)
}

// TaskSplitEvent is published when a task is split into subtasks.
type TaskSplitEvent struct {
	ParentID string
	ChildIDs []string
}

// AgentRunEvent is published at run start, per iteration, and at finish.
type AgentRunEvent struct {
	RunID     string
	TaskID    string
	Iteration int    // iterations consumed so far
	Outcome   string // empty until the run finishes

	// Set per iteration.
	LLMSeconds   float64
	InputTokens  int64
	OutputTokens int64

	// Set on finish.
	DurationSeconds float64
}

// ToolCallEvent is published after each non-terminal tool execution.
type ToolCallEvent struct {
	RunID   string
	TaskID  string
	Tool    string
	Seconds float64
	IsError bool
}

// DeployEvent is published during a deploy cycle.
type DeployEvent struct {
	DeployID  string
	Branch    string // branch involved, if any
	Merged    []string
	Conflicts []string
	Error     string

	// Set on completion or failure.
	DurationSeconds float64
}
