// Package gemini implements the model provider interface on the Google
// Gemini API through the official genai SDK.
package gemini

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"google.golang.org/genai"

	"github.com/jkaninda/codeagent/internal/llm"
)

const (
	// DefaultModel is used when no model is configured.
	DefaultModel     = "gemini-2.0-flash-001"
	defaultMaxTokens = 4096
)

// Client implements llm.Provider using the Gemini API.
type Client struct {
	client *genai.Client
	model  string
	logger *slog.Logger
}

type options struct {
	baseURL    string
	httpClient *http.Client
}

// Option configures the Gemini client.
type Option func(*options)

// WithBaseURL overrides the API base URL.
func WithBaseURL(url string) Option {
	return func(o *options) { o.baseURL = url }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(o *options) { o.httpClient = hc }
}

// NewClient creates a Gemini provider.
func NewClient(ctx context.Context, apiKey, model string, logger *slog.Logger, opts ...Option) (*Client, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if model == "" {
		model = DefaultModel
	}

	cfg := &genai.ClientConfig{
		APIKey:     apiKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: o.httpClient,
	}
	if o.baseURL != "" {
		cfg.HTTPOptions = genai.HTTPOptions{BaseURL: o.baseURL}
	}
	client, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("creating genai client: %w", err)
	}
	return &Client{client: client, model: model, logger: logger}, nil
}

func (c *Client) Name() string { return "gemini" }

// SendMessage sends the conversation to generateContent.
func (c *Client) SendMessage(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	contents := toContents(req.Messages)

	resp, err := c.client.Models.GenerateContent(ctx, c.model, contents, buildConfig(req))
	if err != nil {
		return nil, fmt.Errorf("gemini generateContent: %w", err)
	}

	out := toResponse(resp, countToolUses(req.Messages))

	c.logger.DebugContext(ctx, "llm request completed",
		slog.String("provider", "gemini"),
		slog.String("model", c.model),
		slog.Int("input_tokens", out.Usage.InputTokens),
		slog.Int("output_tokens", out.Usage.OutputTokens),
		slog.String("stop_reason", out.StopReason),
	)
	return out, nil
}

func buildConfig(req *llm.Request) *genai.GenerateContentConfig {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	cfg := &genai.GenerateContentConfig{MaxOutputTokens: int32(maxTokens)}

	if req.SystemPrompt != "" {
		cfg.SystemInstruction = genai.NewContentFromText(req.SystemPrompt, genai.RoleUser)
	}

	if len(req.Tools) > 0 {
		decls := make([]*genai.FunctionDeclaration, 0, len(req.Tools))
		for _, t := range req.Tools {
			decls = append(decls, &genai.FunctionDeclaration{
				Name:                 t.Name,
				Description:          t.Description,
				ParametersJsonSchema: t.InputSchema,
			})
		}
		cfg.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}
	return cfg
}

// toContents converts conversation turns into Gemini contents. Tool results
// become function responses keyed by function name: {"result": text} on
// success, {"error": text} on failure.
func toContents(messages []llm.Message) []*genai.Content {
	idToName := make(map[string]string)
	contents := make([]*genai.Content, 0, len(messages))

	for _, m := range messages {
		role := genai.Role(genai.RoleUser)
		if m.Role == llm.RoleAssistant {
			role = genai.RoleModel
		}

		if len(m.ContentBlocks) == 0 {
			contents = append(contents, genai.NewContentFromText(m.Content, role))
			continue
		}

		parts := make([]*genai.Part, 0, len(m.ContentBlocks))
		for _, b := range m.ContentBlocks {
			switch b.Type {
			case llm.BlockText:
				parts = append(parts, genai.NewPartFromText(b.Text))
			case llm.BlockToolUse:
				idToName[b.ID] = b.Name
				parts = append(parts, genai.NewPartFromFunctionCall(b.Name, b.Input))
			case llm.BlockToolResult:
				name := b.Name
				if name == "" {
					name = idToName[b.ToolUseID]
				}
				key := "result"
				if b.IsError {
					key = "error"
				}
				parts = append(parts, genai.NewPartFromFunctionResponse(name, map[string]any{key: b.Text}))
			}
		}
		contents = append(contents, genai.NewContentFromParts(parts, role))
	}
	return contents
}

// countToolUses returns how many tool_use blocks the history already holds,
// so synthesized call IDs stay unique across rounds.
func countToolUses(messages []llm.Message) int {
	n := 0
	for _, m := range messages {
		for _, b := range m.ContentBlocks {
			if b.Type == llm.BlockToolUse {
				n++
			}
		}
	}
	return n
}

func toResponse(resp *genai.GenerateContentResponse, callOffset int) *llm.Response {
	out := &llm.Response{Usage: extractUsage(resp)}
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return out
	}

	candidate := resp.Candidates[0]
	var text strings.Builder
	var hasToolCalls bool
	callIdx := callOffset

	for _, part := range candidate.Content.Parts {
		if part == nil {
			continue
		}
		if part.Text != "" && !part.Thought {
			text.WriteString(part.Text)
			out.ContentBlocks = append(out.ContentBlocks, llm.TextBlock(part.Text))
		}
		if part.FunctionCall != nil {
			hasToolCalls = true
			id := part.FunctionCall.ID
			if id == "" {
				id = fmt.Sprintf("gemini-call-%d", callIdx)
			}
			callIdx++
			out.ContentBlocks = append(out.ContentBlocks,
				llm.ToolUseBlock(id, part.FunctionCall.Name, part.FunctionCall.Args))
		}
	}

	out.Content = text.String()
	out.StopReason = normalizeFinishReason(candidate.FinishReason, hasToolCalls)
	return out
}

func extractUsage(resp *genai.GenerateContentResponse) llm.Usage {
	if resp == nil || resp.UsageMetadata == nil {
		return llm.Usage{}
	}
	return llm.Usage{
		InputTokens:  int(resp.UsageMetadata.PromptTokenCount),
		OutputTokens: int(resp.UsageMetadata.CandidatesTokenCount),
	}
}

func normalizeFinishReason(reason genai.FinishReason, hasToolCalls bool) string {
	if hasToolCalls {
		return "tool_use"
	}
	switch reason {
	case genai.FinishReasonStop:
		return "end_turn"
	case genai.FinishReasonMaxTokens:
		return "max_tokens"
	default:
		return string(reason)
	}
}
