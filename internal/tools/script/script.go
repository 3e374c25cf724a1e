// Package script runs scripts found inside the sandbox root through an
// interpreter, under a hard wall-clock timeout.
//
// SECURITY: this is arbitrary code execution. The only guards are path
// containment, the extension check and the timeout; there are no resource
// limits, no syscall filtering and no network isolation. Use it in trusted
// environments only.
package script

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jkaninda/codeagent/internal/sandbox"
	"github.com/jkaninda/codeagent/internal/tools"
)

// Config configures the runner.
type Config struct {
	Interpreter string        // Binary invoked as [Interpreter, script, args...]. Default "python3".
	Extension   string        // Required script extension. Default ".py".
	Timeout     time.Duration // Wall-clock budget per run. Default sandbox.DefaultTimeout.
}

// Runner validates script paths and executes them in the sandbox.
type Runner struct {
	config  Config
	sandbox sandbox.Sandbox
	logger  *slog.Logger
}

// NewRunner creates a script runner backed by sbx.
func NewRunner(cfg Config, sbx sandbox.Sandbox, logger *slog.Logger) *Runner {
	if cfg.Interpreter == "" {
		cfg.Interpreter = "python3"
	}
	if cfg.Extension == "" {
		cfg.Extension = ".py"
	}
	if !strings.HasPrefix(cfg.Extension, ".") {
		cfg.Extension = "." + cfg.Extension
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = sandbox.DefaultTimeout
	}
	return &Runner{config: cfg, sandbox: sbx, logger: logger}
}

// Extension returns the script extension the runner accepts.
func (r *Runner) Extension() string { return r.config.Extension }

// Run executes the script at path with args. The child's working directory
// is root. A non-zero exit is reported in the result; a timeout is an error
// wrapping sandbox.ErrTimeout and carries no partial output.
func (r *Runner) Run(ctx context.Context, root, path string, args []string) (*sandbox.ExecutionResult, error) {
	resolved, err := sandbox.Resolve(root, path)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(resolved)
	if err != nil || !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%w: %q", tools.ErrNotFound, path)
	}
	if filepath.Ext(resolved) != r.config.Extension {
		return nil, fmt.Errorf("%w: %q is not a %s file", tools.ErrWrongExtension, path, r.config.Extension)
	}

	command := make([]string, 0, len(args)+2)
	command = append(command, r.config.Interpreter, resolved)
	command = append(command, args...)

	r.logger.InfoContext(ctx, "running script",
		slog.String("path", path),
		slog.Int("args", len(args)),
	)

	return r.sandbox.Execute(ctx, sandbox.ExecutionRequest{
		Command:    command,
		WorkingDir: root,
		Timeout:    r.config.Timeout,
	})
}

// FormatResult renders an execution result for the model. It never returns
// an empty string.
func FormatResult(res *sandbox.ExecutionResult) string {
	var parts []string
	if res.Stdout != "" {
		parts = append(parts, "STDOUT:\n"+res.Stdout)
	}
	if res.Stderr != "" {
		parts = append(parts, "STDERR:\n"+res.Stderr)
	}
	if res.ExitCode != 0 {
		parts = append(parts, fmt.Sprintf("Process exited with code %d", res.ExitCode))
	}
	if len(parts) == 0 {
		return "No output produced."
	}
	return strings.Join(parts, "\n")
}
