package provider

import (
	"encoding/json"
	"testing"

	"github.com/anthropics/anthropic-sdk-go"
)

func TestNewAnthropicValidation(t *testing.T) {
	if _, err := NewAnthropic(AnthropicConfig{Model: "m"}); err == nil {
		t.Fatal("expected error for missing API key")
	}
	if _, err := NewAnthropic(AnthropicConfig{APIKey: "k"}); err == nil {
		t.Fatal("expected error for missing model")
	}
	p, err := NewAnthropic(AnthropicConfig{APIKey: "k", Model: "claude-sonnet-4-5"})
	if err != nil {
		t.Fatalf("NewAnthropic: %v", err)
	}
	if p.Name() != "anthropic" {
		t.Fatalf("Name = %q", p.Name())
	}
}

func TestBuildParams(t *testing.T) {
	schema := json.RawMessage(`{
		"type": "object",
		"properties": {"command": {"type": "string"}},
		"required": ["command"]
	}`)
	req := Request{
		System: "you are a coding agent",
		Messages: []Message{
			UserText("do the task"),
			{Role: RoleAssistant, Blocks: []Block{
				TextBlock("running a command"),
				ToolUseBlock("tu_1", "run_command", json.RawMessage(`{"command":"ls"}`)),
			}},
			{Role: RoleUser, Blocks: []Block{
				ToolResultBlock("tu_1", "file.go", false),
			}},
		},
		Tools: []ToolDef{
			{Name: "run_command", Description: "run a shell command", InputSchema: schema},
		},
		MaxTokens: 1024,
	}

	params, err := buildParams("claude-sonnet-4-5", req)
	if err != nil {
		t.Fatalf("buildParams: %v", err)
	}
	if params.MaxTokens != 1024 {
		t.Errorf("MaxTokens = %d", params.MaxTokens)
	}
	if len(params.System) != 1 || params.System[0].Text != "you are a coding agent" {
		t.Errorf("System = %+v", params.System)
	}
	if len(params.Messages) != 3 {
		t.Fatalf("Messages = %d, want 3", len(params.Messages))
	}
	if len(params.Tools) != 1 {
		t.Fatalf("Tools = %d, want 1", len(params.Tools))
	}
	tool := params.Tools[0].OfTool
	if tool == nil || tool.Name != "run_command" {
		t.Fatalf("tool param = %+v", params.Tools[0])
	}
	if len(tool.InputSchema.Required) != 1 || tool.InputSchema.Required[0] != "command" {
		t.Errorf("required = %v", tool.InputSchema.Required)
	}
}

func TestBuildParamsDefaultMaxTokens(t *testing.T) {
	params, err := buildParams("m", Request{Messages: []Message{UserText("hi")}})
	if err != nil {
		t.Fatal(err)
	}
	if params.MaxTokens != defaultMaxTokens {
		t.Fatalf("MaxTokens = %d, want %d", params.MaxTokens, defaultMaxTokens)
	}
}

func TestConvertMessageRejectsUnknownBlock(t *testing.T) {
	_, err := convertMessage(Message{Role: RoleUser, Blocks: []Block{{Type: "thinking"}}})
	if err == nil {
		t.Fatal("expected error for unknown block type")
	}
}

func TestConvertResponse(t *testing.T) {
	resp := &anthropic.Message{
		Content: []anthropic.ContentBlockUnion{
			{Type: "text", Text: "I will run the test"},
			{Type: "tool_use", ID: "tu_9", Name: "task_done"},
		},
		StopReason: anthropic.StopReasonToolUse,
		Usage:      anthropic.Usage{InputTokens: 11, OutputTokens: 7},
	}

	out := convertResponse(resp)
	if out.StopReason != StopToolUse {
		t.Errorf("StopReason = %s", out.StopReason)
	}
	if out.Usage.InputTokens != 11 || out.Usage.OutputTokens != 7 {
		t.Errorf("Usage = %+v", out.Usage)
	}
	if out.Text() != "I will run the test" {
		t.Errorf("Text = %q", out.Text())
	}
	uses := out.ToolUses()
	if len(uses) != 1 || uses[0].Name != "task_done" || uses[0].ID != "tu_9" {
		t.Errorf("ToolUses = %+v", uses)
	}
}

func TestMessageHelpers(t *testing.T) {
	msg := Message{Role: RoleAssistant, Blocks: []Block{
		TextBlock("a"),
		ToolUseBlock("1", "read_file", nil),
		TextBlock("b"),
	}}
	if msg.Text() != "ab" {
		t.Errorf("Text = %q", msg.Text())
	}
	if uses := msg.ToolUses(); len(uses) != 1 || uses[0].Name != "read_file" {
		t.Errorf("ToolUses = %+v", uses)
	}
}
