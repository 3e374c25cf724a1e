// Package anthropic implements the model provider interface for the
// Anthropic Messages API through the official SDK.
package anthropic

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/shared/constant"

	"github.com/jkaninda/codeagent/internal/llm"
)

const (
	// DefaultModel is used when no model is configured.
	DefaultModel     = "claude-sonnet-4-20250514"
	defaultMaxTokens = 4096
)

// Client implements llm.Provider using the Anthropic Messages API.
type Client struct {
	client anthropic.Client
	model  string
	logger *slog.Logger
}

// Option configures the Anthropic client.
type Option func(*[]option.RequestOption)

// WithBaseURL overrides the API base URL (useful for testing).
func WithBaseURL(url string) Option {
	return func(o *[]option.RequestOption) { *o = append(*o, option.WithBaseURL(url)) }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(o *[]option.RequestOption) { *o = append(*o, option.WithHTTPClient(hc)) }
}

// WithMaxRetries sets the SDK retry budget for transient API failures.
func WithMaxRetries(n int) Option {
	return func(o *[]option.RequestOption) { *o = append(*o, option.WithMaxRetries(n)) }
}

// NewClient creates an Anthropic provider.
func NewClient(apiKey, model string, logger *slog.Logger, opts ...Option) *Client {
	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	for _, opt := range opts {
		opt(&reqOpts)
	}
	if model == "" {
		model = DefaultModel
	}
	return &Client{
		client: anthropic.NewClient(reqOpts...),
		model:  model,
		logger: logger,
	}
}

func (c *Client) Name() string { return "anthropic" }

// SendMessage sends the conversation to the Messages API.
func (c *Client) SendMessage(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	params, err := c.buildParams(req)
	if err != nil {
		return nil, err
	}

	msg, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anthropic messages: %w", err)
	}

	resp := toResponse(msg)

	c.logger.DebugContext(ctx, "llm request completed",
		slog.String("provider", "anthropic"),
		slog.String("model", c.model),
		slog.Int("input_tokens", resp.Usage.InputTokens),
		slog.Int("output_tokens", resp.Usage.OutputTokens),
		slog.String("stop_reason", resp.StopReason),
	)
	return resp, nil
}

func (c *Client) buildParams(req *llm.Request) (anthropic.MessageNewParams, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	messages := make([]anthropic.MessageParam, 0, len(req.Messages))
	for _, m := range req.Messages {
		role := anthropic.MessageParamRoleUser
		if m.Role == llm.RoleAssistant {
			role = anthropic.MessageParamRoleAssistant
		}
		messages = append(messages, anthropic.MessageParam{Role: role, Content: toBlocks(m)})
	}
	if len(messages) == 0 {
		return anthropic.MessageNewParams{}, fmt.Errorf("anthropic request requires at least one message")
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: int64(maxTokens),
		Messages:  messages,
	}
	if req.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.SystemPrompt}}
	}
	if len(req.Tools) > 0 {
		params.Tools = toTools(req.Tools)
	}
	return params, nil
}

func toBlocks(m llm.Message) []anthropic.ContentBlockParamUnion {
	if len(m.ContentBlocks) == 0 {
		return []anthropic.ContentBlockParamUnion{anthropic.NewTextBlock(m.Content)}
	}
	blocks := make([]anthropic.ContentBlockParamUnion, 0, len(m.ContentBlocks))
	for _, b := range m.ContentBlocks {
		switch b.Type {
		case llm.BlockText:
			if b.Text != "" {
				blocks = append(blocks, anthropic.NewTextBlock(b.Text))
			}
		case llm.BlockToolUse:
			input := b.Input
			if input == nil {
				input = map[string]any{}
			}
			blocks = append(blocks, anthropic.NewToolUseBlock(b.ID, input, b.Name))
		case llm.BlockToolResult:
			blocks = append(blocks, anthropic.NewToolResultBlock(b.ToolUseID, b.Text, b.IsError))
		}
	}
	return blocks
}

func toTools(defs []llm.ToolDefinition) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, 0, len(defs))
	for _, d := range defs {
		schema := anthropic.ToolInputSchemaParam{Type: constant.Object("object")}
		if props, ok := d.InputSchema["properties"]; ok {
			schema.Properties = props
		}
		switch req := d.InputSchema["required"].(type) {
		case []string:
			schema.Required = req
		case []any:
			for _, r := range req {
				if s, ok := r.(string); ok {
					schema.Required = append(schema.Required, s)
				}
			}
		}

		tool := &anthropic.ToolParam{
			Name:        d.Name,
			InputSchema: schema,
			Type:        anthropic.ToolTypeCustom,
		}
		if d.Description != "" {
			tool.Description = anthropic.String(d.Description)
		}
		out = append(out, anthropic.ToolUnionParam{OfTool: tool})
	}
	return out
}

func toResponse(msg *anthropic.Message) *llm.Response {
	resp := &llm.Response{
		StopReason: string(msg.StopReason),
		Usage: llm.Usage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
		},
	}

	var text strings.Builder
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
			resp.ContentBlocks = append(resp.ContentBlocks, llm.TextBlock(block.Text))
		case "tool_use":
			var input map[string]any
			if len(block.Input) > 0 {
				_ = json.Unmarshal(block.Input, &input)
			}
			resp.ContentBlocks = append(resp.ContentBlocks, llm.ToolUseBlock(block.ID, block.Name, input))
		}
	}
	resp.Content = text.String()
	return resp
}
