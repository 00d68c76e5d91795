package tools

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestExecuteRunCommand(t *testing.T) {
	e := NewExecutor(t.TempDir(), nil, nil)
	res := e.Execute(context.Background(), "run_command", json.RawMessage(`{"command": "echo out && echo err 1>&2"}`))
	if res.IsError {
		t.Fatalf("unexpected error result: %s", res.Content)
	}
	var out ShellOutput
	if err := json.Unmarshal([]byte(res.Content), &out); err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if strings.TrimSpace(out.Stdout) != "out" || strings.TrimSpace(out.Stderr) != "err" {
		t.Fatalf("output = %+v", out)
	}
	if out.ExitCode != 0 {
		t.Fatalf("exit code = %d", out.ExitCode)
	}
}

func TestExecuteRunCommandNonZeroExit(t *testing.T) {
	e := NewExecutor(t.TempDir(), nil, nil)
	res := e.Execute(context.Background(), "run_command", json.RawMessage(`{"command": "false"}`))
	if res.IsError {
		t.Fatalf("command failure should be a normal result: %s", res.Content)
	}
	var out ShellOutput
	json.Unmarshal([]byte(res.Content), &out)
	if out.ExitCode != 1 {
		t.Fatalf("exit code = %d, want 1", out.ExitCode)
	}
}

func TestExecuteDeniedCommand(t *testing.T) {
	e := NewExecutor(t.TempDir(), nil, nil)
	res := e.Execute(context.Background(), "run_command", json.RawMessage(`{"command": "sudo rm -rf /"}`))
	if !res.IsError {
		t.Fatal("expected error result for denied command")
	}
	if !strings.Contains(res.Content, "deny list") {
		t.Fatalf("content = %q", res.Content)
	}
}

func TestExecuteUnknownTool(t *testing.T) {
	e := NewExecutor(t.TempDir(), nil, nil)
	res := e.Execute(context.Background(), "launch_missiles", nil)
	if !res.IsError {
		t.Fatal("expected error result")
	}
	if !strings.Contains(res.Content, "unknown tool") {
		t.Fatalf("content = %q", res.Content)
	}
}

func TestExecuteInvalidArguments(t *testing.T) {
	e := NewExecutor(t.TempDir(), nil, nil)
	res := e.Execute(context.Background(), "run_command", json.RawMessage(`{"cmd": "ls"}`))
	if !res.IsError {
		t.Fatal("expected error result for schema violation")
	}
}

func TestExecuteTerminalToolRejected(t *testing.T) {
	e := NewExecutor(t.TempDir(), nil, nil)
	res := e.Execute(context.Background(), "task_done", json.RawMessage(`{}`))
	if !res.IsError {
		t.Fatal("terminal tools must not execute here")
	}
}

func TestFileRoundTrip(t *testing.T) {
	root := t.TempDir()
	e := NewExecutor(root, nil, nil)
	ctx := context.Background()

	res := e.Execute(ctx, "write_file", json.RawMessage(`{"path": "pkg/app.go", "content": "package app\n"}`))
	if res.IsError {
		t.Fatalf("write: %s", res.Content)
	}

	res = e.Execute(ctx, "read_file", json.RawMessage(`{"path": "pkg/app.go"}`))
	if res.IsError {
		t.Fatalf("read: %s", res.Content)
	}
	var out ReadFileOutput
	json.Unmarshal([]byte(res.Content), &out)
	if out.Content != "package app\n" {
		t.Fatalf("content = %q", out.Content)
	}

	res = e.Execute(ctx, "list_files", json.RawMessage(`{"path": "pkg"}`))
	if res.IsError {
		t.Fatalf("list: %s", res.Content)
	}
	var listing ListFilesOutput
	json.Unmarshal([]byte(res.Content), &listing)
	if len(listing.Entries) != 1 || listing.Entries[0].Name != "app.go" {
		t.Fatalf("entries = %+v", listing.Entries)
	}
}

func TestListFilesDefaultsToRoot(t *testing.T) {
	root := t.TempDir()
	os.WriteFile(filepath.Join(root, "x.txt"), []byte("x"), 0o644)
	e := NewExecutor(root, nil, nil)

	res := e.Execute(context.Background(), "list_files", nil)
	if res.IsError {
		t.Fatalf("list: %s", res.Content)
	}
	var listing ListFilesOutput
	json.Unmarshal([]byte(res.Content), &listing)
	if len(listing.Entries) != 1 {
		t.Fatalf("entries = %+v", listing.Entries)
	}
}

func TestPathEscapeRejected(t *testing.T) {
	e := NewExecutor(t.TempDir(), nil, nil)
	ctx := context.Background()

	for _, input := range []string{
		`{"path": "../outside.txt"}`,
		`{"path": "/etc/passwd"}`,
		`{"path": "a/../../b"}`,
	} {
		res := e.Execute(ctx, "read_file", json.RawMessage(input))
		if !res.IsError {
			t.Errorf("read_file %s should be rejected", input)
		}
	}
}

func TestReadFileTooLarge(t *testing.T) {
	root := t.TempDir()
	big := make([]byte, maxReadBytes+1)
	os.WriteFile(filepath.Join(root, "big.bin"), big, 0o644)
	e := NewExecutor(root, nil, nil)

	res := e.Execute(context.Background(), "read_file", json.RawMessage(`{"path": "big.bin"}`))
	if !res.IsError || !strings.Contains(res.Content, "too large") {
		t.Fatalf("result = %+v", res)
	}
}

func TestParseTerminalPayloads(t *testing.T) {
	done, err := ParseDone(json.RawMessage(`{"summary": "implemented"}`))
	if err != nil || done.Summary != "implemented" {
		t.Fatalf("ParseDone: %v %+v", err, done)
	}
	if _, err := ParseDone(nil); err != nil {
		t.Fatalf("ParseDone(nil): %v", err)
	}

	failed, err := ParseFailed(json.RawMessage(`{"reason": "impossible"}`))
	if err != nil || failed.Reason != "impossible" {
		t.Fatalf("ParseFailed: %v %+v", err, failed)
	}
	if _, err := ParseFailed(json.RawMessage(`{}`)); err == nil {
		t.Fatal("ParseFailed without reason should error")
	}

	split, err := ParseSplit(json.RawMessage(`{"subtasks": [{"description": "a", "cli_test": "t"}, {"description": "b"}]}`))
	if err != nil {
		t.Fatalf("ParseSplit: %v", err)
	}
	if len(split.Subtasks) != 2 || split.Subtasks[0].CLITest != "t" {
		t.Fatalf("split = %+v", split)
	}
	if _, err := ParseSplit(json.RawMessage(`{"subtasks": [{"description": "solo"}]}`)); err == nil {
		t.Fatal("single-subtask split should error")
	}
}
