package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/param"
)

const defaultMaxTokens = 8192

// AnthropicConfig configures the Anthropic provider.
type AnthropicConfig struct {
	APIKey  string
	Model   string
	BaseURL string
	Timeout time.Duration
}

// Anthropic implements Provider on the official SDK.
type Anthropic struct {
	client anthropic.Client
	model  string
}

// NewAnthropic builds an Anthropic provider.
func NewAnthropic(cfg AnthropicConfig) (*Anthropic, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("anthropic: missing API key")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("anthropic: missing model")
	}

	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.Timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(cfg.Timeout))
	} else {
		opts = append(opts, option.WithRequestTimeout(60*time.Second))
	}

	return &Anthropic{
		client: anthropic.NewClient(opts...),
		model:  cfg.Model,
	}, nil
}

func (a *Anthropic) Name() string {
	return "anthropic"
}

// Complete sends one completion request. Provider errors are returned
// as-is; the caller decides what a failed completion means for the task.
func (a *Anthropic) Complete(ctx context.Context, req Request) (*Response, error) {
	params, err := buildParams(a.model, req)
	if err != nil {
		return nil, err
	}
	resp, err := a.client.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anthropic completion: %w", err)
	}
	return convertResponse(resp), nil
}

func buildParams(model string, req Request) (anthropic.MessageNewParams, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: int64(maxTokens),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}

	msgs := make([]anthropic.MessageParam, 0, len(req.Messages))
	for _, msg := range req.Messages {
		converted, err := convertMessage(msg)
		if err != nil {
			return params, err
		}
		msgs = append(msgs, converted)
	}
	params.Messages = msgs

	if len(req.Tools) > 0 {
		tools := make([]anthropic.ToolUnionParam, 0, len(req.Tools))
		for _, tool := range req.Tools {
			inputSchema, err := convertToolSchema(tool.InputSchema)
			if err != nil {
				return params, fmt.Errorf("tool %s: %w", tool.Name, err)
			}
			toolParam := anthropic.ToolUnionParamOfTool(inputSchema, tool.Name)
			if toolParam.OfTool != nil {
				toolParam.OfTool.Description = param.NewOpt(tool.Description)
			}
			tools = append(tools, toolParam)
		}
		params.Tools = tools
	}
	return params, nil
}

func convertToolSchema(schemaJSON json.RawMessage) (anthropic.ToolInputSchemaParam, error) {
	inputSchema := anthropic.ToolInputSchemaParam{}
	if len(schemaJSON) == 0 {
		return inputSchema, nil
	}

	var schemaMap map[string]any
	if err := json.Unmarshal(schemaJSON, &schemaMap); err != nil {
		return inputSchema, fmt.Errorf("parse input schema: %w", err)
	}
	if props, ok := schemaMap["properties"]; ok {
		inputSchema.Properties = props
	}
	if req, ok := schemaMap["required"].([]any); ok {
		required := make([]string, 0, len(req))
		for _, r := range req {
			if s, ok := r.(string); ok {
				required = append(required, s)
			}
		}
		inputSchema.Required = required
	}
	return inputSchema, nil
}

func convertMessage(msg Message) (anthropic.MessageParam, error) {
	blocks := make([]anthropic.ContentBlockParamUnion, 0, len(msg.Blocks))
	for _, b := range msg.Blocks {
		switch b.Type {
		case BlockText:
			blocks = append(blocks, anthropic.NewTextBlock(b.Text))
		case BlockToolUse:
			var input any
			if err := json.Unmarshal(b.Input, &input); err != nil {
				input = string(b.Input)
			}
			blocks = append(blocks, anthropic.NewToolUseBlock(b.ID, input, b.Name))
		case BlockToolResult:
			blocks = append(blocks, anthropic.NewToolResultBlock(b.ToolUseID, b.Content, b.IsError))
		default:
			return anthropic.MessageParam{}, fmt.Errorf("unknown block type %q", b.Type)
		}
	}
	if msg.Role == RoleAssistant {
		return anthropic.NewAssistantMessage(blocks...), nil
	}
	return anthropic.NewUserMessage(blocks...), nil
}

func convertResponse(resp *anthropic.Message) *Response {
	out := &Response{
		Usage: Usage{
			InputTokens:  int(resp.Usage.InputTokens),
			OutputTokens: int(resp.Usage.OutputTokens),
		},
	}

	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			out.Blocks = append(out.Blocks, TextBlock(block.Text))
		case "tool_use":
			inputJSON, err := json.Marshal(block.Input)
			if err != nil {
				inputJSON = []byte("{}")
			}
			out.Blocks = append(out.Blocks, ToolUseBlock(block.ID, block.Name, inputJSON))
		}
	}

	switch resp.StopReason {
	case anthropic.StopReasonEndTurn:
		out.StopReason = StopEndTurn
	case anthropic.StopReasonToolUse:
		out.StopReason = StopToolUse
	case anthropic.StopReasonMaxTokens:
		out.StopReason = StopMaxTokens
	default:
		out.StopReason = StopOther
	}
	return out
}
