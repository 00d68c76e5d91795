// Package provider abstracts the LLM behind a block-level completion
// interface: assistant turns may carry tool_use blocks, and tool results
// are echoed back as tool_result blocks on the next user turn.
package provider

import (
	"context"
	"encoding/json"
)

// Role of a conversation message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// BlockType discriminates message content blocks.
type BlockType string

const (
	BlockText       BlockType = "text"
	BlockToolUse    BlockType = "tool_use"
	BlockToolResult BlockType = "tool_result"
)

// Block is one content block within a message.
type Block struct {
	Type BlockType `json:"type"`

	// Text content (BlockText).
	Text string `json:"text,omitempty"`

	// Tool invocation (BlockToolUse).
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// Tool outcome (BlockToolResult).
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
}

// TextBlock builds a text block.
func TextBlock(text string) Block {
	return Block{Type: BlockText, Text: text}
}

// ToolUseBlock builds a tool_use block.
func ToolUseBlock(id, name string, input json.RawMessage) Block {
	return Block{Type: BlockToolUse, ID: id, Name: name, Input: input}
}

// ToolResultBlock builds a tool_result block answering a tool_use.
func ToolResultBlock(toolUseID, content string, isError bool) Block {
	return Block{Type: BlockToolResult, ToolUseID: toolUseID, Content: content, IsError: isError}
}

// Message is one conversation turn.
type Message struct {
	Role   Role    `json:"role"`
	Blocks []Block `json:"blocks"`
}

// UserText builds a plain-text user turn.
func UserText(text string) Message {
	return Message{Role: RoleUser, Blocks: []Block{TextBlock(text)}}
}

// ToolUses returns the tool_use blocks of a message in order.
func (m Message) ToolUses() []Block {
	var uses []Block
	for _, b := range m.Blocks {
		if b.Type == BlockToolUse {
			uses = append(uses, b)
		}
	}
	return uses
}

// Text concatenates the message's text blocks.
func (m Message) Text() string {
	var out string
	for _, b := range m.Blocks {
		if b.Type == BlockText {
			out += b.Text
		}
	}
	return out
}

// ToolDef describes a callable tool offered to the model.
type ToolDef struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	// InputSchema is a JSON Schema object with "properties" and "required".
	InputSchema json.RawMessage `json:"input_schema"`
}

// StopReason is why the model stopped generating.
type StopReason string

const (
	StopEndTurn   StopReason = "end_turn"
	StopToolUse   StopReason = "tool_use"
	StopMaxTokens StopReason = "max_tokens"
	StopOther     StopReason = "other"
)

// Usage reports token consumption for one completion.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Request is one completion request.
type Request struct {
	System    string    `json:"system,omitempty"`
	Messages  []Message `json:"messages"`
	Tools     []ToolDef `json:"tools,omitempty"`
	MaxTokens int       `json:"max_tokens,omitempty"`
}

// Response is the model's reply.
type Response struct {
	Blocks     []Block    `json:"blocks"`
	StopReason StopReason `json:"stop_reason"`
	Usage      Usage      `json:"usage"`
}

// ToolUses returns the tool_use blocks of the response in order.
func (r *Response) ToolUses() []Block {
	return Message{Blocks: r.Blocks}.ToolUses()
}

// Text concatenates the response's text blocks.
func (r *Response) Text() string {
	return Message{Blocks: r.Blocks}.Text()
}

// Provider is the LLM completion interface. Errors from Complete are
// transport/provider failures and propagate to the caller unwrapped;
// tool failures never travel this path.
type Provider interface {
	Complete(ctx context.Context, req Request) (*Response, error)
	Name() string
}
