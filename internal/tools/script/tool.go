package script

import (
	"context"

	"github.com/jkaninda/codeagent/internal/tools"
)

// Tool exposes a Runner as run_python_file.
type Tool struct {
	runner *Runner
}

// NewTool wraps runner as a model-callable tool.
func NewTool(runner *Runner) *Tool {
	return &Tool{runner: runner}
}

func (t *Tool) Name() string { return "run_python_file" }
func (t *Tool) Description() string {
	return "Executes a Python file within the working directory and returns the output from the interpreter."
}
func (t *Tool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"file_path": map[string]any{
				"type":        "string",
				"description": "Path to the Python file to execute, relative to the working directory.",
			},
			"args": map[string]any{
				"type":        "array",
				"items":       map[string]any{"type": "string"},
				"description": "Additional arguments to pass in for when python file is ran. If none are provided, the value defaults to an empty array.",
			},
		},
		"required": []string{"file_path"},
	}
}

func (t *Tool) Execute(ctx context.Context, params map[string]any) (*tools.Result, error) {
	root, err := tools.RootFromParams(params)
	if err != nil {
		return nil, err
	}
	path, err := tools.RequireString(params, "file_path")
	if err != nil {
		return nil, err
	}
	args, err := tools.StringSlice(params, "args")
	if err != nil {
		return nil, err
	}

	res, err := t.runner.Run(ctx, root, path, args)
	if err != nil {
		return nil, err
	}
	return tools.Ok(FormatResult(res)).
		WithMetadata("file_path", path).
		WithMetadata("exit_code", res.ExitCode).
		WithMetadata("duration", res.Duration.String()), nil
}
