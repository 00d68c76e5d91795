package tools

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestKindOf(t *testing.T) {
	for _, name := range []string{
		"run_command", "read_file", "write_file", "list_files",
		"task_done", "task_failed", "split_task",
	} {
		kind, err := KindOf(name)
		if err != nil {
			t.Errorf("KindOf(%q): %v", name, err)
		}
		if kind.Name() != name {
			t.Errorf("Kind.Name() = %q, want %q", kind.Name(), name)
		}
	}

	_, err := KindOf("delete_everything")
	if !errors.Is(err, ErrUnknownTool) {
		t.Fatalf("err = %v, want ErrUnknownTool", err)
	}
}

func TestTerminalKinds(t *testing.T) {
	terminal := map[Kind]bool{
		KindRunCommand: false,
		KindReadFile:   false,
		KindWriteFile:  false,
		KindListFiles:  false,
		KindTaskDone:   true,
		KindTaskFailed: true,
		KindSplitTask:  true,
	}
	for kind, want := range terminal {
		if got := kind.Terminal(); got != want {
			t.Errorf("%s.Terminal() = %v, want %v", kind.Name(), got, want)
		}
	}
}

func TestCatalog(t *testing.T) {
	defs := Catalog()
	if len(defs) != 7 {
		t.Fatalf("catalog size = %d, want 7", len(defs))
	}
	for _, def := range defs {
		if def.Description == "" {
			t.Errorf("%s has no description", def.Name)
		}
		var schema map[string]any
		if err := json.Unmarshal(def.InputSchema, &schema); err != nil {
			t.Errorf("%s schema not valid JSON: %v", def.Name, err)
		}
	}
}

func TestValidateInput(t *testing.T) {
	tests := []struct {
		kind  Kind
		input string
		ok    bool
	}{
		{KindRunCommand, `{"command": "go test ./..."}`, true},
		{KindRunCommand, `{"command": "ls", "timeout_sec": 60}`, true},
		{KindRunCommand, `{}`, false},
		{KindRunCommand, `{"command": ""}`, false},
		{KindRunCommand, `{"command": "ls", "bogus": 1}`, false},
		{KindReadFile, `{"path": "main.go"}`, true},
		{KindReadFile, `{}`, false},
		{KindWriteFile, `{"path": "a.go", "content": ""}`, true},
		{KindWriteFile, `{"path": "a.go"}`, false},
		{KindListFiles, `{}`, true},
		{KindListFiles, ``, true},
		{KindTaskDone, `{"summary": "done"}`, true},
		{KindTaskDone, `{}`, true},
		{KindTaskFailed, `{"reason": "cannot parse"}`, true},
		{KindTaskFailed, `{}`, false},
		{KindSplitTask, `{"subtasks": [{"description": "a"}, {"description": "b"}]}`, true},
		{KindSplitTask, `{"subtasks": [{"description": "only one"}]}`, false},
		{KindSplitTask, `{"subtasks": []}`, false},
		{KindRunCommand, `not json`, false},
	}
	for _, tt := range tests {
		err := ValidateInput(tt.kind, json.RawMessage(tt.input))
		if tt.ok && err != nil {
			t.Errorf("ValidateInput(%s, %s): %v", tt.kind.Name(), tt.input, err)
		}
		if !tt.ok && err == nil {
			t.Errorf("ValidateInput(%s, %s) passed, want error", tt.kind.Name(), tt.input)
		}
	}
}
