package script

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jkaninda/codeagent/internal/sandbox"
	"github.com/jkaninda/codeagent/internal/tools"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newShellRunner runs ".sh" scripts through sh so tests need no Python.
func newShellRunner(t *testing.T, timeout time.Duration) (*Runner, string) {
	t.Helper()
	root, err := sandbox.CanonicalRoot(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	logger := testLogger()
	sbx := sandbox.NewProcessSandbox(sandbox.ProcessConfig{}, logger)
	return NewRunner(Config{Interpreter: "sh", Extension: ".sh", Timeout: timeout}, sbx, logger), root
}

func writeScript(t *testing.T, root, name, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(root, name), []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestRun_Stdout(t *testing.T) {
	runner, root := newShellRunner(t, 5*time.Second)
	writeScript(t, root, "hello.sh", `echo "hello $1 $2"`)

	res, err := runner.Run(context.Background(), root, "hello.sh", []string{"a", "b"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := FormatResult(res); got != "STDOUT:\nhello a b\n" {
		t.Errorf("FormatResult = %q", got)
	}
}

func TestRun_StderrAndExitCode(t *testing.T) {
	runner, root := newShellRunner(t, 5*time.Second)
	writeScript(t, root, "fail.sh", "echo boom >&2\nexit 2\n")

	res, err := runner.Run(context.Background(), root, "fail.sh", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got := FormatResult(res)
	if !strings.Contains(got, "STDERR:\nboom") {
		t.Errorf("missing stderr in %q", got)
	}
	if !strings.Contains(got, "Process exited with code 2") {
		t.Errorf("missing exit code notice in %q", got)
	}
	if strings.Contains(got, "STDOUT:") {
		t.Errorf("unexpected stdout section in %q", got)
	}
}

func TestRun_Timeout(t *testing.T) {
	runner, root := newShellRunner(t, 200*time.Millisecond)
	writeScript(t, root, "slow.sh", "echo started\nsleep 5\n")

	res, err := runner.Run(context.Background(), root, "slow.sh", nil)
	if !errors.Is(err, sandbox.ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if res != nil {
		t.Errorf("expected no partial result, got %+v", res)
	}
}

func TestRun_BackgroundChildHoldsOutput(t *testing.T) {
	runner, root := newShellRunner(t, 10*time.Second)
	writeScript(t, root, "bg.sh", "echo hello\n(sleep 2) &\nexit 0\n")

	start := time.Now()
	res, err := runner.Run(context.Background(), root, "bg.sh", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.ExitCode != 0 {
		t.Errorf("exit code = %d, want 0", res.ExitCode)
	}
	if got := FormatResult(res); got != "STDOUT:\nhello\n" {
		t.Errorf("FormatResult = %q", got)
	}
	if elapsed := time.Since(start); elapsed < 2*time.Second {
		t.Errorf("returned after %s, before the background child closed its output", elapsed)
	}
}

func TestRun_WorkingDirectoryIsRoot(t *testing.T) {
	runner, root := newShellRunner(t, 5*time.Second)
	if err := os.Mkdir(filepath.Join(root, "nested"), 0o755); err != nil {
		t.Fatal(err)
	}
	writeScript(t, root, "nested/pwd.sh", "pwd -P\n")

	res, err := runner.Run(context.Background(), root, "nested/pwd.sh", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.TrimSpace(res.Stdout) != root {
		t.Errorf("cwd = %q, want %q", strings.TrimSpace(res.Stdout), root)
	}
}

func TestRun_Preconditions(t *testing.T) {
	runner, root := newShellRunner(t, 5*time.Second)
	writeScript(t, root, "notes.txt", "echo hi")
	if err := os.Mkdir(filepath.Join(root, "dir.sh"), 0o755); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		path string
		want error
	}{
		{"missing", "missing.sh", tools.ErrNotFound},
		{"directory", "dir.sh", tools.ErrNotFound},
		{"wrong extension", "notes.txt", tools.ErrWrongExtension},
		{"outside root", "../x.sh", sandbox.ErrContainment},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := runner.Run(context.Background(), root, tt.path, nil)
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestFormatResult(t *testing.T) {
	tests := []struct {
		name string
		res  sandbox.ExecutionResult
		want string
	}{
		{"empty", sandbox.ExecutionResult{}, "No output produced."},
		{"stdout only", sandbox.ExecutionResult{Stdout: "ok\n"}, "STDOUT:\nok\n"},
		{"exit only", sandbox.ExecutionResult{ExitCode: 1}, "Process exited with code 1"},
		{"all", sandbox.ExecutionResult{Stdout: "a", Stderr: "b", ExitCode: 3}, "STDOUT:\na\nSTDERR:\nb\nProcess exited with code 3"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FormatResult(&tt.res); got != tt.want {
				t.Errorf("FormatResult = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestTool_Execute(t *testing.T) {
	runner, root := newShellRunner(t, 5*time.Second)
	writeScript(t, root, "args.sh", `echo "$#"`)
	tool := NewTool(runner)

	res, err := tool.Execute(context.Background(), map[string]any{
		tools.WorkingDirectoryKey: root,
		"file_path":               "args.sh",
		"args":                    []any{"x", "y", "z"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Output != "STDOUT:\n3\n" {
		t.Errorf("output = %q", res.Output)
	}
	if res.Metadata["exit_code"] != 0 {
		t.Errorf("exit_code metadata = %v", res.Metadata["exit_code"])
	}

	_, err = tool.Execute(context.Background(), map[string]any{
		tools.WorkingDirectoryKey: root,
		"file_path":               "args.sh",
		"args":                    []any{1},
	})
	if !errors.Is(err, tools.ErrInvalidArguments) {
		t.Errorf("expected ErrInvalidArguments for non-string arg, got %v", err)
	}
}
