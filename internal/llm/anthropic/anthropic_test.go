package anthropic

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/jkaninda/codeagent/internal/llm"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type capturedRequest struct {
	Model    string `json:"model"`
	System   []struct {
		Text string `json:"text"`
	} `json:"system"`
	Messages []struct {
		Role    string           `json:"role"`
		Content []map[string]any `json:"content"`
	} `json:"messages"`
	Tools []struct {
		Name        string         `json:"name"`
		InputSchema map[string]any `json:"input_schema"`
	} `json:"tools"`
}

func newServer(t *testing.T, captured *capturedRequest, body string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if r.Header.Get("X-Api-Key") != "test-key" {
			t.Errorf("expected X-Api-Key test-key, got %q", r.Header.Get("X-Api-Key"))
		}
		if captured != nil {
			if err := json.NewDecoder(r.Body).Decode(captured); err != nil {
				t.Errorf("decoding request: %v", err)
			}
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	}))
}

func TestSendMessage_TextResponse(t *testing.T) {
	var captured capturedRequest
	srv := newServer(t, &captured, `{
		"id": "msg_1", "type": "message", "role": "assistant", "model": "claude-test",
		"content": [{"type": "text", "text": "Hello!"}],
		"stop_reason": "end_turn",
		"usage": {"input_tokens": 10, "output_tokens": 5}
	}`)
	defer srv.Close()

	client := NewClient("test-key", "claude-test", discardLogger(), WithBaseURL(srv.URL), WithMaxRetries(0))
	resp, err := client.SendMessage(context.Background(), &llm.Request{
		SystemPrompt: "You are helpful.",
		Messages:     []llm.Message{{Role: llm.RoleUser, Content: "Hi"}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "Hello!" {
		t.Errorf("expected Hello!, got %q", resp.Content)
	}
	if resp.StopReason != "end_turn" || resp.HasToolUse() {
		t.Errorf("unexpected stop: %q", resp.StopReason)
	}
	if resp.Usage.InputTokens != 10 || resp.Usage.OutputTokens != 5 {
		t.Errorf("unexpected usage: %+v", resp.Usage)
	}
	if captured.Model != "claude-test" {
		t.Errorf("expected model claude-test, got %q", captured.Model)
	}
	if len(captured.System) != 1 || captured.System[0].Text != "You are helpful." {
		t.Errorf("unexpected system: %+v", captured.System)
	}
}

func TestSendMessage_ToolUseRoundTrip(t *testing.T) {
	var captured capturedRequest
	srv := newServer(t, &captured, `{
		"id": "msg_2", "type": "message", "role": "assistant", "model": "claude-test",
		"content": [
			{"type": "text", "text": "Checking."},
			{"type": "tool_use", "id": "toolu_2", "name": "get_file_content", "input": {"file_path": "main.py"}}
		],
		"stop_reason": "tool_use",
		"usage": {"input_tokens": 30, "output_tokens": 12}
	}`)
	defer srv.Close()

	client := NewClient("test-key", "claude-test", discardLogger(), WithBaseURL(srv.URL), WithMaxRetries(0))
	resp, err := client.SendMessage(context.Background(), &llm.Request{
		Messages: []llm.Message{
			{Role: llm.RoleUser, Content: "read main.py"},
			{Role: llm.RoleAssistant, ContentBlocks: []llm.ContentBlock{
				llm.ToolUseBlock("toolu_1", "get_files_info", map[string]any{}),
			}},
			{Role: llm.RoleUser, ContentBlocks: []llm.ContentBlock{
				llm.ToolResultBlock("toolu_1", "get_files_info", " - main.py: file_size=3 bytes, is_dir=false", false),
			}},
		},
		Tools: []llm.ToolDefinition{{
			Name:        "get_file_content",
			Description: "Reads a file",
			InputSchema: map[string]any{
				"type":       "object",
				"properties": map[string]any{"file_path": map[string]any{"type": "string"}},
				"required":   []string{"file_path"},
			},
		}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !resp.HasToolUse() {
		t.Fatal("expected tool use")
	}
	blocks := resp.ToolUseBlocks()
	if len(blocks) != 1 || blocks[0].ID != "toolu_2" || blocks[0].Input["file_path"] != "main.py" {
		t.Errorf("unexpected tool blocks: %+v", blocks)
	}
	if resp.Content != "Checking." {
		t.Errorf("unexpected content %q", resp.Content)
	}

	if len(captured.Messages) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(captured.Messages))
	}
	result := captured.Messages[2].Content[0]
	if result["type"] != "tool_result" || result["tool_use_id"] != "toolu_1" {
		t.Errorf("unexpected tool result block: %v", result)
	}
	if len(captured.Tools) != 1 || captured.Tools[0].Name != "get_file_content" {
		t.Errorf("unexpected tools: %+v", captured.Tools)
	}
}

func TestSendMessage_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"type":"error","error":{"type":"invalid_request_error","message":"bad"}}`))
	}))
	defer srv.Close()

	client := NewClient("test-key", "claude-test", discardLogger(), WithBaseURL(srv.URL), WithMaxRetries(0))
	_, err := client.SendMessage(context.Background(), &llm.Request{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "Hi"}},
	})
	if err == nil {
		t.Fatal("expected error, got nil")
	}
}

func TestBuildParams_RequiresMessages(t *testing.T) {
	client := NewClient("k", "", discardLogger())
	if _, err := client.buildParams(&llm.Request{}); err == nil {
		t.Error("expected error for empty conversation")
	}
}
