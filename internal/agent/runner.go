// Package agent drives one task from TODO to a terminal outcome. The
// loop hands the model a capped tool catalog, executes the tool calls it
// makes, and feeds the results back until the model finishes the task or
// the iteration budget runs out.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/khufu-labs/hemiunu/internal/bus"
	"github.com/khufu-labs/hemiunu/internal/gitflow"
	"github.com/khufu-labs/hemiunu/internal/goldenthread"
	otelPkg "github.com/khufu-labs/hemiunu/internal/otel"
	"github.com/khufu-labs/hemiunu/internal/persistence"
	"github.com/khufu-labs/hemiunu/internal/provider"
	"github.com/khufu-labs/hemiunu/internal/shared"
	"github.com/khufu-labs/hemiunu/internal/tools"
)

// DefaultMaxIterations caps the model turns per run.
const DefaultMaxIterations = 20

const defaultRemote = "origin"

// correctiveMessage is fed back when the model replies without calling
// a tool. The empty turn still consumes an iteration.
const correctiveMessage = "You must respond with a tool call. Use run_command, read_file, write_file, or list_files to keep working, and finish with task_done, task_failed, or split_task."

// Outcome is how a run ended.
type Outcome string

const (
	OutcomeDone   Outcome = "DONE"
	OutcomeFailed Outcome = "FAILED"
	OutcomeSplit  Outcome = "SPLIT"
)

// Config tunes a Runner.
type Config struct {
	// MaxIterations caps model turns; <= 0 selects DefaultMaxIterations.
	MaxIterations int
	// MaxTokens per completion; <= 0 defers to the provider default.
	MaxTokens int
	// Remote to push finished branches to; empty selects "origin".
	Remote string
	// Tracer wraps each run and provider call in a span; nil selects a
	// noop tracer.
	Tracer trace.Tracer
}

// Runner executes agent runs against one project.
type Runner struct {
	store  *persistence.Store
	git    *gitflow.Manager
	llm    provider.Provider
	exec   *tools.Executor
	thread *goldenthread.Builder
	bus    *bus.Bus
	cfg    Config
	tracer trace.Tracer
	logger *slog.Logger
}

// NewRunner wires a Runner. eventBus may be nil.
func NewRunner(store *persistence.Store, git *gitflow.Manager, llm provider.Provider, exec *tools.Executor, thread *goldenthread.Builder, eventBus *bus.Bus, cfg Config, logger *slog.Logger) *Runner {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}
	if cfg.Remote == "" {
		cfg.Remote = defaultRemote
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer(otelPkg.TracerName)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		store:  store,
		git:    git,
		llm:    llm,
		exec:   exec,
		thread: thread,
		bus:    eventBus,
		cfg:    cfg,
		tracer: tracer,
		logger: logger,
	}
}

// Run drives one task to a terminal outcome. Provider failures propagate
// as errors and leave the task WORKING; everything else resolves the
// task to GREEN, RED, or SPLIT.
func (r *Runner) Run(ctx context.Context, taskID string) (Outcome, error) {
	task, err := r.store.GetTask(ctx, taskID)
	if err != nil {
		return "", err
	}

	started := time.Now()
	runID := shared.NewRunID()
	ctx = shared.WithRunID(shared.WithTaskID(ctx, taskID), runID)
	log := r.logger.With("task_id", taskID, "run_id", runID)

	ctx, span := otelPkg.StartSpan(ctx, r.tracer, "agent.run",
		otelPkg.AttrTaskID.String(taskID), otelPkg.AttrRunID.String(runID))
	defer span.End()

	if err := r.store.StartTask(ctx, taskID); err != nil {
		return "", err
	}
	r.publish(bus.TopicAgentRunStarted, bus.AgentRunEvent{RunID: runID, TaskID: taskID})
	log.Info("agent run started", "description", task.Description)

	branch, res, err := r.git.CreateTaskBranch(ctx, taskID)
	if err != nil {
		return r.finishFailed(ctx, runID, taskID, 0, started, fmt.Sprintf("create branch: %v", err), log)
	}
	if !res.Success {
		return r.finishFailed(ctx, runID, taskID, 0, started, fmt.Sprintf("create branch: %s", res.Stderr), log)
	}
	if err := r.store.SetTaskBranch(ctx, taskID, branch); err != nil {
		log.Warn("record branch", "error", err)
	}

	gc := r.thread.Build(ctx, task)
	system := r.systemPrompt(gc)
	catalog := tools.Catalog()
	messages := []provider.Message{
		provider.UserText(seedMessage(task)),
	}

	for iteration := 1; iteration <= r.cfg.MaxIterations; iteration++ {
		llmCtx, llmSpan := otelPkg.StartClientSpan(ctx, r.tracer, "llm.complete",
			otelPkg.AttrIteration.Int(iteration))
		llmStart := time.Now()
		resp, err := r.llm.Complete(llmCtx, provider.Request{
			System:    system,
			Messages:  messages,
			Tools:     catalog,
			MaxTokens: r.cfg.MaxTokens,
		})
		llmSeconds := time.Since(llmStart).Seconds()
		if err != nil {
			llmSpan.End()
			// The task stays WORKING; a later run or operator decides.
			return "", fmt.Errorf("provider %s: %w", r.llm.Name(), err)
		}
		llmSpan.SetAttributes(
			otelPkg.AttrTokensInput.Int(resp.Usage.InputTokens),
			otelPkg.AttrTokensOutput.Int(resp.Usage.OutputTokens),
		)
		llmSpan.End()
		r.publish(bus.TopicAgentIteration, bus.AgentRunEvent{
			RunID: runID, TaskID: taskID, Iteration: iteration,
			LLMSeconds:   llmSeconds,
			InputTokens:  int64(resp.Usage.InputTokens),
			OutputTokens: int64(resp.Usage.OutputTokens),
		})
		log.Debug("model turn",
			"iteration", iteration,
			"stop_reason", resp.StopReason,
			"input_tokens", resp.Usage.InputTokens,
			"output_tokens", resp.Usage.OutputTokens,
		)

		uses := resp.ToolUses()
		messages = append(messages, provider.Message{Role: provider.RoleAssistant, Blocks: resp.Blocks})

		if len(uses) == 0 {
			log.Debug("no tool call in turn", "iteration", iteration)
			messages = append(messages, provider.UserText(correctiveMessage))
			continue
		}

		var results []provider.Block
		for _, use := range uses {
			kind, kindErr := tools.KindOf(use.Name)
			if kindErr == nil && kind.Terminal() {
				outcome, termErr := r.finishTerminal(ctx, task, kind, use.Input, log)
				if termErr != nil {
					results = append(results, provider.ToolResultBlock(use.ID, termErr.Error(), true))
					continue
				}
				r.publish(bus.TopicAgentRunFinished, bus.AgentRunEvent{
					RunID: runID, TaskID: taskID, Iteration: iteration, Outcome: string(outcome),
					DurationSeconds: time.Since(started).Seconds(),
				})
				log.Info("agent run finished", "outcome", outcome, "iterations", iteration)
				return outcome, nil
			}

			toolStart := time.Now()
			result := r.exec.Execute(ctx, use.Name, use.Input)
			r.publish(bus.TopicAgentToolCall, bus.ToolCallEvent{
				RunID: runID, TaskID: taskID, Tool: use.Name,
				Seconds: time.Since(toolStart).Seconds(), IsError: result.IsError,
			})
			results = append(results, provider.ToolResultBlock(use.ID, result.Content, result.IsError))
		}
		messages = append(messages, provider.Message{Role: provider.RoleUser, Blocks: results})
	}

	return r.finishFailed(ctx, runID, taskID, r.cfg.MaxIterations, started, "Max iterations reached", log)
}

// DriveAll runs TODO tasks oldest-first until none remain. Split
// children re-enter the queue and are picked up in the same sweep.
func (r *Runner) DriveAll(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		task, err := r.store.NextTodoTask(ctx)
		if err != nil {
			return err
		}
		if task == nil {
			return nil
		}
		if _, err := r.Run(ctx, task.ID); err != nil {
			return err
		}
	}
}

// finishTerminal resolves a terminal tool call. An error means the
// payload was invalid and the run keeps going.
func (r *Runner) finishTerminal(ctx context.Context, task *persistence.Task, kind tools.Kind, input []byte, log *slog.Logger) (Outcome, error) {
	switch kind {
	case tools.KindTaskDone:
		done, err := tools.ParseDone(input)
		if err != nil {
			return "", err
		}
		r.commitAndPush(ctx, task, log)
		if err := r.store.ApproveTask(ctx, task.ID); err != nil {
			return "", err
		}
		if done.Summary != "" {
			log.Info("task done", "summary", done.Summary)
		}
		return OutcomeDone, nil

	case tools.KindTaskFailed:
		failed, err := tools.ParseFailed(input)
		if err != nil {
			return "", err
		}
		if err := r.store.RejectTask(ctx, task.ID, failed.Reason); err != nil {
			return "", err
		}
		return OutcomeFailed, nil

	case tools.KindSplitTask:
		split, err := tools.ParseSplit(input)
		if err != nil {
			return "", err
		}
		subtasks := make([]persistence.Subtask, 0, len(split.Subtasks))
		for _, st := range split.Subtasks {
			subtasks = append(subtasks, persistence.Subtask{Description: st.Description, CLITest: st.CLITest})
		}
		children, err := r.store.SplitTask(ctx, task.ID, subtasks)
		if err != nil {
			return "", err
		}
		log.Info("task split", "children", len(children))
		return OutcomeSplit, nil
	}
	return "", fmt.Errorf("%s is not a terminal tool", kind.Name())
}

// commitAndPush lands the working tree on the task branch. Failures are
// logged, not fatal: the task still goes GREEN and the deploy cycle will
// surface anything unpushed.
func (r *Runner) commitAndPush(ctx context.Context, task *persistence.Task, log *slog.Logger) {
	hash, res, err := r.git.CommitChanges(ctx, task.ID, task.Description)
	if err != nil {
		log.Warn("commit changes", "error", err)
		return
	}
	if !res.Success {
		log.Warn("commit changes failed", "stderr", res.Stderr)
		return
	}
	if hash != "" {
		log.Info("committed changes", "commit", hash)
	}

	pushRes, err := r.git.PushBranch(ctx, r.cfg.Remote, gitflow.TaskBranchName(task.ID))
	if err != nil {
		log.Warn("push branch", "error", err)
		return
	}
	if !pushRes.Success {
		log.Warn("push branch failed", "stderr", pushRes.Stderr)
	}
}

func (r *Runner) finishFailed(ctx context.Context, runID, taskID string, iteration int, started time.Time, reason string, log *slog.Logger) (Outcome, error) {
	if err := r.store.RejectTask(ctx, taskID, reason); err != nil {
		return "", err
	}
	r.publish(bus.TopicAgentRunFinished, bus.AgentRunEvent{
		RunID: runID, TaskID: taskID, Iteration: iteration, Outcome: string(OutcomeFailed),
		DurationSeconds: time.Since(started).Seconds(),
	})
	log.Info("agent run failed", "reason", reason)
	return OutcomeFailed, nil
}

// seedMessage is the opening user turn: the task itself, then the
// working instructions.
func seedMessage(task *persistence.Task) string {
	var sb strings.Builder
	sb.WriteString("Begin the task.\n\nTask: ")
	sb.WriteString(task.Description)
	sb.WriteString("\n")
	if task.CLITest != "" {
		sb.WriteString("Acceptance test: ")
		sb.WriteString(task.CLITest)
		sb.WriteString("\n")
	}
	sb.WriteString("\nInspect the project, make the change, verify it, then finish with a terminal tool.")
	return sb.String()
}

func (r *Runner) systemPrompt(gc *goldenthread.Context) string {
	var sb strings.Builder
	sb.WriteString("You are an autonomous software engineer working on one task in an existing repository.\n")
	sb.WriteString("Make small, verifiable changes. Run the acceptance test before declaring the task done.\n")
	sb.WriteString("If the task needs more than a handful of test cases to verify, split it instead of pushing through.\n\n")
	sb.WriteString(r.thread.Format(gc))
	return sb.String()
}

func (r *Runner) publish(topic string, payload any) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(topic, payload)
}
