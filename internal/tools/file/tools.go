package file

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jkaninda/codeagent/internal/tools"
)

// ---- ListTool ----

// ListTool exposes List as get_files_info.
type ListTool struct {
	logger *slog.Logger
}

// NewListTool creates the directory listing tool.
func NewListTool(logger *slog.Logger) *ListTool {
	return &ListTool{logger: logger}
}

func (t *ListTool) Name() string { return "get_files_info" }
func (t *ListTool) Description() string {
	return "Lists files in the specified directory along with their sizes, constrained to the working directory."
}
func (t *ListTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"directory": map[string]any{
				"type":        "string",
				"description": "The directory to list files from, relative to the working directory. If not provided, lists files in the working directory itself.",
			},
		},
	}
}

func (t *ListTool) Execute(ctx context.Context, params map[string]any) (*tools.Result, error) {
	root, err := tools.RootFromParams(params)
	if err != nil {
		return nil, err
	}
	dir, err := tools.OptionalString(params, "directory", ".")
	if err != nil {
		return nil, err
	}

	t.logger.DebugContext(ctx, "get_files_info executing", slog.String("directory", dir))

	entries, err := List(root, dir)
	if err != nil {
		return nil, err
	}
	return tools.Ok(FormatListing(entries)).
		WithMetadata("directory", dir).
		WithMetadata("count", len(entries)), nil
}

// ---- ReadTool ----

// ReadTool exposes Read as get_file_content.
type ReadTool struct {
	maxChars int
	logger   *slog.Logger
}

// NewReadTool creates the bounded read tool. maxChars <= 0 selects DefaultMaxChars.
func NewReadTool(maxChars int, logger *slog.Logger) *ReadTool {
	if maxChars <= 0 {
		maxChars = DefaultMaxChars
	}
	return &ReadTool{maxChars: maxChars, logger: logger}
}

func (t *ReadTool) Name() string { return "get_file_content" }
func (t *ReadTool) Description() string {
	return fmt.Sprintf("Reads and returns the first %d characters of the content from a specified file within the working directory.", t.maxChars)
}
func (t *ReadTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"file_path": map[string]any{
				"type":        "string",
				"description": "The path to the file whose content should be read, relative to the working directory.",
			},
		},
		"required": []string{"file_path"},
	}
}

func (t *ReadTool) Execute(ctx context.Context, params map[string]any) (*tools.Result, error) {
	root, err := tools.RootFromParams(params)
	if err != nil {
		return nil, err
	}
	path, err := tools.RequireString(params, "file_path")
	if err != nil {
		return nil, err
	}

	t.logger.DebugContext(ctx, "get_file_content executing", slog.String("file_path", path))

	content, err := Read(root, path, t.maxChars)
	if err != nil {
		return nil, err
	}
	return tools.Ok(content).WithMetadata("file_path", path), nil
}

// ---- WriteTool ----

// WriteTool exposes Write as write_file.
type WriteTool struct {
	logger *slog.Logger
}

// NewWriteTool creates the write tool.
func NewWriteTool(logger *slog.Logger) *WriteTool {
	return &WriteTool{logger: logger}
}

func (t *WriteTool) Name() string { return "write_file" }
func (t *WriteTool) Description() string {
	return "Writes content to a file within the working directory. Creates the file if it doesn't exist."
}
func (t *WriteTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"file_path": map[string]any{
				"type":        "string",
				"description": "Path to the file to write, relative to the working directory.",
			},
			"content": map[string]any{
				"type":        "string",
				"description": "The contents that will be written to the designated file.",
			},
		},
		"required": []string{"file_path", "content"},
	}
}

func (t *WriteTool) Execute(ctx context.Context, params map[string]any) (*tools.Result, error) {
	root, err := tools.RootFromParams(params)
	if err != nil {
		return nil, err
	}
	path, err := tools.RequireString(params, "file_path")
	if err != nil {
		return nil, err
	}
	content, err := tools.RequireString(params, "content")
	if err != nil {
		return nil, err
	}

	t.logger.DebugContext(ctx, "write_file executing",
		slog.String("file_path", path),
		slog.Int("content_size", len(content)),
	)

	n, err := Write(root, path, content)
	if err != nil {
		return nil, err
	}
	return tools.Ok(fmt.Sprintf("Successfully wrote to %q (%d characters written)", path, n)).
		WithMetadata("file_path", path).
		WithMetadata("characters", n), nil
}
