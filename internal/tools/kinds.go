// Package tools implements the agent's tool surface: a closed catalog of
// seven tools, JSON-schema validation of every invocation, and an
// executor that runs the side-effecting ones confined to the project
// root. Terminal tools (task_done, task_failed, split_task) are parsed
// here but interpreted by the agent loop.
package tools

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/khufu-labs/hemiunu/internal/provider"
)

// ErrUnknownTool is returned for any tool name outside the catalog.
var ErrUnknownTool = errors.New("unknown tool")

// Kind identifies one of the seven catalog tools.
type Kind int

const (
	KindRunCommand Kind = iota
	KindReadFile
	KindWriteFile
	KindListFiles
	KindTaskDone
	KindTaskFailed
	KindSplitTask
)

var kindNames = map[Kind]string{
	KindRunCommand: "run_command",
	KindReadFile:   "read_file",
	KindWriteFile:  "write_file",
	KindListFiles:  "list_files",
	KindTaskDone:   "task_done",
	KindTaskFailed: "task_failed",
	KindSplitTask:  "split_task",
}

var kindsByName = func() map[string]Kind {
	m := make(map[string]Kind, len(kindNames))
	for k, name := range kindNames {
		m[name] = k
	}
	return m
}()

// Name returns the wire name of the tool.
func (k Kind) Name() string {
	return kindNames[k]
}

// Terminal reports whether the tool ends the agent run.
func (k Kind) Terminal() bool {
	switch k {
	case KindTaskDone, KindTaskFailed, KindSplitTask:
		return true
	}
	return false
}

// KindOf maps a tool name to its Kind. Unknown names get ErrUnknownTool;
// the dispatch set is closed.
func KindOf(name string) (Kind, error) {
	if k, ok := kindsByName[name]; ok {
		return k, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownTool, name)
}

// Input schemas for the catalog. Validated against every invocation
// before dispatch.
const (
	runCommandSchema = `{
		"type": "object",
		"properties": {
			"command": {"type": "string", "minLength": 1},
			"timeout_sec": {"type": "integer", "minimum": 1}
		},
		"required": ["command"],
		"additionalProperties": false
	}`
	readFileSchema = `{
		"type": "object",
		"properties": {
			"path": {"type": "string", "minLength": 1}
		},
		"required": ["path"],
		"additionalProperties": false
	}`
	writeFileSchema = `{
		"type": "object",
		"properties": {
			"path": {"type": "string", "minLength": 1},
			"content": {"type": "string"}
		},
		"required": ["path", "content"],
		"additionalProperties": false
	}`
	listFilesSchema = `{
		"type": "object",
		"properties": {
			"path": {"type": "string"}
		},
		"additionalProperties": false
	}`
	taskDoneSchema = `{
		"type": "object",
		"properties": {
			"summary": {"type": "string"}
		},
		"additionalProperties": false
	}`
	taskFailedSchema = `{
		"type": "object",
		"properties": {
			"reason": {"type": "string", "minLength": 1}
		},
		"required": ["reason"],
		"additionalProperties": false
	}`
	splitTaskSchema = `{
		"type": "object",
		"properties": {
			"subtasks": {
				"type": "array",
				"minItems": 2,
				"items": {
					"type": "object",
					"properties": {
						"description": {"type": "string", "minLength": 1},
						"cli_test": {"type": "string"}
					},
					"required": ["description"],
					"additionalProperties": false
				}
			}
		},
		"required": ["subtasks"],
		"additionalProperties": false
	}`
)

var kindSchemas = map[Kind]string{
	KindRunCommand: runCommandSchema,
	KindReadFile:   readFileSchema,
	KindWriteFile:  writeFileSchema,
	KindListFiles:  listFilesSchema,
	KindTaskDone:   taskDoneSchema,
	KindTaskFailed: taskFailedSchema,
	KindSplitTask:  splitTaskSchema,
}

var kindDescriptions = map[Kind]string{
	KindRunCommand: "Execute a shell command in the project root and return stdout, stderr, and the exit code. Output is truncated to 8KB.",
	KindReadFile:   "Read a file relative to the project root. Returns the file content as text. Maximum 100KB.",
	KindWriteFile:  "Write content to a file relative to the project root. Creates parent directories if needed. Uses atomic write.",
	KindListFiles:  "List the contents of a directory relative to the project root. Maximum 200 entries.",
	KindTaskDone:   "Declare the task complete. Call only after the code is written and the CLI test passes.",
	KindTaskFailed: "Declare the task failed with a reason. Call when the task cannot be completed.",
	KindSplitTask:  "Split the task into two or more smaller subtasks, each independently implementable and verifiable.",
}

// validators holds the compiled schema per tool, built once at package init.
var validators = func() map[Kind]*jsonschema.Schema {
	m := make(map[Kind]*jsonschema.Schema, len(kindSchemas))
	for kind, schemaJSON := range kindSchemas {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(schemaJSON))
		if err != nil {
			panic(fmt.Sprintf("tools: unmarshal %s schema: %v", kind.Name(), err))
		}
		c := jsonschema.NewCompiler()
		resource := kind.Name() + ".json"
		if err := c.AddResource(resource, doc); err != nil {
			panic(fmt.Sprintf("tools: add %s schema: %v", kind.Name(), err))
		}
		schema, err := c.Compile(resource)
		if err != nil {
			panic(fmt.Sprintf("tools: compile %s schema: %v", kind.Name(), err))
		}
		m[kind] = schema
	}
	return m
}()

// ValidateInput checks a tool invocation's arguments against the tool's
// input schema.
func ValidateInput(kind Kind, input json.RawMessage) error {
	if len(input) == 0 {
		input = json.RawMessage("{}")
	}
	// jsonschema requires json.Number decoding for correct number handling.
	parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(string(input)))
	if err != nil {
		return fmt.Errorf("invalid JSON arguments: %w", err)
	}
	if err := validators[kind].Validate(parsed); err != nil {
		return fmt.Errorf("arguments for %s rejected: %w", kind.Name(), err)
	}
	return nil
}

// Catalog returns the tool definitions offered to the model, in a
// stable order.
func Catalog() []provider.ToolDef {
	order := []Kind{
		KindRunCommand, KindReadFile, KindWriteFile, KindListFiles,
		KindTaskDone, KindTaskFailed, KindSplitTask,
	}
	defs := make([]provider.ToolDef, 0, len(order))
	for _, kind := range order {
		defs = append(defs, provider.ToolDef{
			Name:        kind.Name(),
			Description: kindDescriptions[kind],
			InputSchema: json.RawMessage(kindSchemas[kind]),
		})
	}
	return defs
}
