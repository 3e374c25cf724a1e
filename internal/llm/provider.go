// Package llm defines the provider-agnostic model API boundary: the
// conversation turns the agent loop keeps, and the interface each model
// backend implements.
package llm

import (
	"context"
	"strings"
)

// Provider is the abstraction over any model backend (Gemini, Anthropic, OpenAI).
type Provider interface {
	// SendMessage sends a conversation to the LLM and returns its response.
	SendMessage(ctx context.Context, req *Request) (*Response, error)
	// Name returns the provider identifier (e.g. "gemini").
	Name() string
}

// Request represents a full conversation sent to the model.
type Request struct {
	SystemPrompt string
	Messages     []Message
	MaxTokens    int
	Tools        []ToolDefinition // nil = no tool use
}

// ToolDefinition describes a tool the model can invoke.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

// Message is a single turn in the conversation.
// Either Content (plain text) or ContentBlocks (structured) should be set, not both.
type Message struct {
	Role          Role
	Content       string         // Plain text (backward compat). Empty when ContentBlocks is used.
	ContentBlocks []ContentBlock // Structured content. Nil when Content is used.
}

// TextContent returns the concatenated text from all text blocks,
// or the plain Content field if no blocks are present.
func (m *Message) TextContent() string {
	if len(m.ContentBlocks) == 0 {
		return m.Content
	}
	var b strings.Builder
	for _, blk := range m.ContentBlocks {
		if blk.Type == BlockText {
			b.WriteString(blk.Text)
		}
	}
	return b.String()
}

// ContentBlock is a tagged union representing a piece of message content.
// The Type field determines which other fields are meaningful.
type ContentBlock struct {
	Type string `json:"type"` // BlockText, BlockToolUse or BlockToolResult

	// text block fields
	Text string `json:"text,omitempty"`

	// tool_use block fields
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`

	// tool_result block fields
	ToolUseID string `json:"tool_use_id,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
}

// Content block types.
const (
	BlockText       = "text"
	BlockToolUse    = "tool_use"
	BlockToolResult = "tool_result"
)

// TextBlock creates a text content block.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: BlockText, Text: text}
}

// ToolUseBlock creates a tool_use content block.
func ToolUseBlock(id, name string, input map[string]any) ContentBlock {
	return ContentBlock{Type: BlockToolUse, ID: id, Name: name, Input: input}
}

// ToolResultBlock creates a tool_result content block. Name is the called
// tool; backends that key results by function name (Gemini) need it.
func ToolResultBlock(toolUseID, name, content string, isError bool) ContentBlock {
	return ContentBlock{Type: BlockToolResult, ToolUseID: toolUseID, Name: name, Text: content, IsError: isError}
}

// Role identifies who sent a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Response is what the model returns.
type Response struct {
	Content       string         // Concatenated text content.
	ContentBlocks []ContentBlock // Full structured response including tool_use blocks.
	Usage         Usage
	StopReason    string // "end_turn", "tool_use", "max_tokens"
}

// HasToolUse reports whether the response carries any tool_use block.
// The blocks decide, not StopReason: some backends report a plain stop even
// when they return function calls.
func (r *Response) HasToolUse() bool {
	for _, b := range r.ContentBlocks {
		if b.Type == BlockToolUse {
			return true
		}
	}
	return false
}

// ToolUseBlocks returns only the tool_use content blocks from the response.
func (r *Response) ToolUseBlocks() []ContentBlock {
	var blocks []ContentBlock
	for _, b := range r.ContentBlocks {
		if b.Type == BlockToolUse {
			blocks = append(blocks, b)
		}
	}
	return blocks
}

// Usage tracks token consumption, reported per round in verbose mode.
type Usage struct {
	InputTokens  int
	OutputTokens int
}
