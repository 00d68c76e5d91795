package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
)

// Result is what a tool invocation hands back to the model. Failures
// are captured as IsError results, never raised to the loop.
type Result struct {
	Content string
	IsError bool
}

func errorResult(format string, args ...any) Result {
	return Result{Content: fmt.Sprintf(format, args...), IsError: true}
}

func jsonResult(v any) Result {
	data, err := json.Marshal(v)
	if err != nil {
		return errorResult("encode tool output: %v", err)
	}
	return Result{Content: string(data)}
}

// ShellOutput is the run_command tool's output.
type ShellOutput struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
}

// RunCommandInput is the run_command tool's input.
type RunCommandInput struct {
	Command    string `json:"command"`
	TimeoutSec int    `json:"timeout_sec,omitempty"`
}

// DoneArgs is the task_done terminal payload.
type DoneArgs struct {
	Summary string `json:"summary,omitempty"`
}

// FailedArgs is the task_failed terminal payload.
type FailedArgs struct {
	Reason string `json:"reason"`
}

// SplitSubtask is one subtask in a split_task payload.
type SplitSubtask struct {
	Description string `json:"description"`
	CLITest     string `json:"cli_test,omitempty"`
}

// SplitArgs is the split_task terminal payload.
type SplitArgs struct {
	Subtasks []SplitSubtask `json:"subtasks"`
}

// Executor runs the side-effecting catalog tools against a fixed
// project root.
type Executor struct {
	root   string
	shell  Shell
	logger *slog.Logger
}

// NewExecutor builds an Executor. shell defaults to HostShell.
func NewExecutor(root string, shell Shell, logger *slog.Logger) *Executor {
	if shell == nil {
		shell = &HostShell{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{root: root, shell: shell, logger: logger}
}

// Root returns the project root the executor is confined to.
func (e *Executor) Root() string {
	return e.root
}

// Execute dispatches one tool invocation. Unknown tools, invalid
// arguments, and execution failures all come back as IsError results.
// Terminal tools are not executed here; the agent loop interprets them.
func (e *Executor) Execute(ctx context.Context, name string, input json.RawMessage) Result {
	kind, err := KindOf(name)
	if err != nil {
		return errorResult("%v", err)
	}
	if err := ValidateInput(kind, input); err != nil {
		return errorResult("%v", err)
	}
	if kind.Terminal() {
		return errorResult("%s is a terminal tool and is handled by the run loop", name)
	}
	if len(input) == 0 {
		input = json.RawMessage("{}")
	}

	e.logger.Debug("tool call", "tool", name)

	switch kind {
	case KindRunCommand:
		var args RunCommandInput
		if err := json.Unmarshal(input, &args); err != nil {
			return errorResult("decode run_command input: %v", err)
		}
		return e.runCommand(ctx, args)
	case KindReadFile:
		var args ReadFileInput
		if err := json.Unmarshal(input, &args); err != nil {
			return errorResult("decode read_file input: %v", err)
		}
		out, err := readFile(e.root, args)
		if err != nil {
			return errorResult("read_file: %v", err)
		}
		return jsonResult(out)
	case KindWriteFile:
		var args WriteFileInput
		if err := json.Unmarshal(input, &args); err != nil {
			return errorResult("decode write_file input: %v", err)
		}
		out, err := writeFile(e.root, args)
		if err != nil {
			return errorResult("write_file: %v", err)
		}
		return jsonResult(out)
	case KindListFiles:
		var args ListFilesInput
		if err := json.Unmarshal(input, &args); err != nil {
			return errorResult("decode list_files input: %v", err)
		}
		out, err := listFiles(e.root, args)
		if err != nil {
			return errorResult("list_files: %v", err)
		}
		return jsonResult(out)
	}
	return errorResult("%v: %q", ErrUnknownTool, name)
}

func (e *Executor) runCommand(ctx context.Context, args RunCommandInput) Result {
	if err := checkCommand(args.Command); err != nil {
		return errorResult("run_command: %v", err)
	}

	execCtx, cancel := context.WithTimeout(ctx, clampTimeout(args.TimeoutSec))
	defer cancel()

	stdout, stderr, exitCode, err := e.shell.Exec(execCtx, args.Command, e.root)
	if err != nil && exitCode == 0 {
		// System error, not command failure.
		if execCtx.Err() == context.DeadlineExceeded {
			return jsonResult(ShellOutput{Stderr: "command timed out", ExitCode: -1})
		}
		return errorResult("run_command: %v", err)
	}
	if execCtx.Err() == context.DeadlineExceeded {
		return jsonResult(ShellOutput{Stderr: "command timed out", ExitCode: -1})
	}

	return jsonResult(ShellOutput{
		Stdout:   sanitizeOutput(stdout),
		Stderr:   sanitizeOutput(stderr),
		ExitCode: exitCode,
	})
}

// ParseDone decodes and validates a task_done payload.
func ParseDone(input json.RawMessage) (DoneArgs, error) {
	var args DoneArgs
	if err := ValidateInput(KindTaskDone, input); err != nil {
		return args, err
	}
	if len(input) > 0 {
		if err := json.Unmarshal(input, &args); err != nil {
			return args, fmt.Errorf("decode task_done input: %w", err)
		}
	}
	return args, nil
}

// ParseFailed decodes and validates a task_failed payload.
func ParseFailed(input json.RawMessage) (FailedArgs, error) {
	var args FailedArgs
	if err := ValidateInput(KindTaskFailed, input); err != nil {
		return args, err
	}
	if err := json.Unmarshal(input, &args); err != nil {
		return args, fmt.Errorf("decode task_failed input: %w", err)
	}
	if strings.TrimSpace(args.Reason) == "" {
		return args, fmt.Errorf("task_failed requires a reason")
	}
	return args, nil
}

// ParseSplit decodes and validates a split_task payload.
func ParseSplit(input json.RawMessage) (SplitArgs, error) {
	var args SplitArgs
	if err := ValidateInput(KindSplitTask, input); err != nil {
		return args, err
	}
	if err := json.Unmarshal(input, &args); err != nil {
		return args, fmt.Errorf("decode split_task input: %w", err)
	}
	return args, nil
}
