package sandbox

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
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestProcessSandbox_CapturesStreams(t *testing.T) {
	sb := NewProcessSandbox(ProcessConfig{}, testLogger())
	dir := canonicalTempDir(t)

	res, err := sb.Execute(context.Background(), ExecutionRequest{
		Command:    []string{"sh", "-c", "echo out; echo err >&2; exit 3"},
		WorkingDir: dir,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Stdout != "out\n" {
		t.Errorf("stdout = %q", res.Stdout)
	}
	if res.Stderr != "err\n" {
		t.Errorf("stderr = %q", res.Stderr)
	}
	if res.ExitCode != 3 {
		t.Errorf("exit code = %d, want 3", res.ExitCode)
	}
}

func TestProcessSandbox_WorkingDirPinned(t *testing.T) {
	sb := NewProcessSandbox(ProcessConfig{}, testLogger())
	dir := canonicalTempDir(t)

	res, err := sb.Execute(context.Background(), ExecutionRequest{
		Command:    []string{"pwd", "-P"},
		WorkingDir: dir,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := strings.TrimSpace(res.Stdout); got != dir {
		t.Errorf("pwd = %q, want %q", got, dir)
	}
}

func TestProcessSandbox_EnvOverlay(t *testing.T) {
	sb := NewProcessSandbox(ProcessConfig{}, testLogger())

	res, err := sb.Execute(context.Background(), ExecutionRequest{
		Command:    []string{"sh", "-c", "printf %s \"$CODEAGENT_TEST_VAR\""},
		WorkingDir: canonicalTempDir(t),
		Env:        map[string]string{"CODEAGENT_TEST_VAR": "hello"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Stdout != "hello" {
		t.Errorf("stdout = %q, want hello", res.Stdout)
	}
}

func TestProcessSandbox_Timeout(t *testing.T) {
	sb := NewProcessSandbox(ProcessConfig{}, testLogger())

	start := time.Now()
	_, err := sb.Execute(context.Background(), ExecutionRequest{
		Command:    []string{"sleep", "5"},
		WorkingDir: canonicalTempDir(t),
		Timeout:    200 * time.Millisecond,
	})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("timeout took %s", elapsed)
	}
}

func TestProcessSandbox_TimeoutKillsGroup(t *testing.T) {
	sb := NewProcessSandbox(ProcessConfig{}, testLogger())
	dir := canonicalTempDir(t)
	marker := filepath.Join(dir, "marker")

	// The background child would create the marker after the deadline
	// unless the whole group is killed.
	script := "(sleep 1; touch " + marker + ") & sleep 5"
	_, err := sb.Execute(context.Background(), ExecutionRequest{
		Command:    []string{"sh", "-c", script},
		WorkingDir: dir,
		Timeout:    200 * time.Millisecond,
	})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}

	time.Sleep(1500 * time.Millisecond)
	if _, err := os.Stat(marker); err == nil {
		t.Error("background child survived the deadline")
	}
}

func TestProcessSandbox_StragglerKilledAtDeadline(t *testing.T) {
	sb := NewProcessSandbox(ProcessConfig{}, testLogger())

	start := time.Now()
	res, err := sb.Execute(context.Background(), ExecutionRequest{
		Command:    []string{"sh", "-c", "echo hi; sleep 30 & exit 0"},
		WorkingDir: canonicalTempDir(t),
		Timeout:    300 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Stdout != "hi\n" || res.ExitCode != 0 {
		t.Errorf("result = %+v", res)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("straggler kept the run open for %s", elapsed)
	}
}

func TestProcessSandbox_Canceled(t *testing.T) {
	sb := NewProcessSandbox(ProcessConfig{}, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := sb.Execute(ctx, ExecutionRequest{
		Command:    []string{"sleep", "5"},
		WorkingDir: canonicalTempDir(t),
	})
	if err == nil {
		t.Fatal("expected error for canceled context")
	}
	if errors.Is(err, ErrTimeout) {
		t.Errorf("cancellation reported as timeout: %v", err)
	}
}

func TestProcessSandbox_Validation(t *testing.T) {
	sb := NewProcessSandbox(ProcessConfig{}, testLogger())

	if _, err := sb.Execute(context.Background(), ExecutionRequest{WorkingDir: "/tmp"}); err == nil {
		t.Error("expected error for empty command")
	}
	if _, err := sb.Execute(context.Background(), ExecutionRequest{Command: []string{"true"}}); err == nil {
		t.Error("expected error for missing working dir")
	}
}

func TestLimitedWriter(t *testing.T) {
	var sb strings.Builder
	lw := &limitedWriter{w: &sb, remaining: 4}

	n, err := lw.Write([]byte("abcdef"))
	if err != nil || n != 6 {
		t.Fatalf("Write = %d, %v", n, err)
	}
	n, err = lw.Write([]byte("gh"))
	if err != nil || n != 2 {
		t.Fatalf("Write = %d, %v", n, err)
	}
	if sb.String() != "abcd" {
		t.Errorf("got %q, want abcd", sb.String())
	}
}

func TestProcessSandbox_OutputCap(t *testing.T) {
	sb := NewProcessSandbox(ProcessConfig{MaxOutputBytes: 4}, testLogger())

	res, err := sb.Execute(context.Background(), ExecutionRequest{
		Command:    []string{"sh", "-c", "echo abcdefgh"},
		WorkingDir: canonicalTempDir(t),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Stdout != "abcd" {
		t.Errorf("stdout = %q, want capped to 4 bytes", res.Stdout)
	}
}
