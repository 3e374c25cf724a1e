package llm

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
)

type stubProvider struct {
	name  string
	err   error
	calls int
}

func (s *stubProvider) Name() string { return s.name }
func (s *stubProvider) SendMessage(context.Context, *Request) (*Response, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return &Response{Content: s.name}, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestResponse_HasToolUse(t *testing.T) {
	tests := []struct {
		name string
		resp Response
		want bool
	}{
		{"text only", Response{ContentBlocks: []ContentBlock{TextBlock("hi")}, StopReason: "end_turn"}, false},
		{"tool block with plain stop", Response{ContentBlocks: []ContentBlock{ToolUseBlock("1", "x", nil)}, StopReason: "end_turn"}, true},
		{"stop reason without blocks", Response{StopReason: "tool_use"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.resp.HasToolUse(); got != tt.want {
				t.Errorf("HasToolUse() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMessage_TextContent(t *testing.T) {
	m := Message{Role: RoleAssistant, ContentBlocks: []ContentBlock{
		TextBlock("a"),
		ToolUseBlock("1", "x", nil),
		TextBlock("b"),
	}}
	if got := m.TextContent(); got != "ab" {
		t.Errorf("TextContent() = %q, want ab", got)
	}
	plain := Message{Role: RoleUser, Content: "plain"}
	if got := plain.TextContent(); got != "plain" {
		t.Errorf("TextContent() = %q, want plain", got)
	}
}

func TestFallbackProvider(t *testing.T) {
	first := &stubProvider{name: "first", err: errors.New("down")}
	second := &stubProvider{name: "second"}
	fb := NewFallbackProvider([]Provider{first, second}, discardLogger())

	resp, err := fb.SendMessage(context.Background(), &Request{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "second" {
		t.Errorf("expected second provider, got %q", resp.Content)
	}
	if fb.Name() != "first+fallback" {
		t.Errorf("unexpected name %q", fb.Name())
	}
}

func TestFallbackProvider_AllFail(t *testing.T) {
	sentinel := errors.New("last")
	fb := NewFallbackProvider([]Provider{
		&stubProvider{name: "a", err: errors.New("first")},
		&stubProvider{name: "b", err: sentinel},
	}, discardLogger())

	_, err := fb.SendMessage(context.Background(), &Request{})
	if !errors.Is(err, sentinel) {
		t.Errorf("expected last error to be wrapped, got %v", err)
	}
}

func TestFallbackProvider_StopsOnCancel(t *testing.T) {
	second := &stubProvider{name: "second"}
	fb := NewFallbackProvider([]Provider{
		&stubProvider{name: "first", err: context.Canceled},
		second,
	}, discardLogger())

	if _, err := fb.SendMessage(context.Background(), &Request{}); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if second.calls != 0 {
		t.Error("fallback must not run after cancellation")
	}
}
