// Package sandbox confines tool operations to a single directory root.
//
// Two pieces live here: path containment (Resolve), which every file and
// script operation runs before touching the filesystem, and the process
// runner used to execute scripts with a hard wall-clock deadline.
//
// This is an inner boundary only. There is no syscall filtering, no
// resource limiting beyond the timeout and no network isolation; the host
// filesystem permissions remain the outer boundary.
package sandbox

import (
	"context"
	"errors"
	"time"
)

// ErrTimeout is returned when a child process exceeds its deadline.
// The process group has been killed by the time the caller sees it.
var ErrTimeout = errors.New("execution timed out")

// Sandbox executes commands under a deadline.
type Sandbox interface {
	Execute(ctx context.Context, req ExecutionRequest) (*ExecutionResult, error)
}

// ExecutionRequest defines what to run.
type ExecutionRequest struct {
	// Command is the program and its arguments (e.g. ["python3", "/root/main.py"]).
	Command []string

	// WorkingDir pins the child's working directory. Required.
	WorkingDir string

	// Env adds variables on top of the inherited host environment.
	Env map[string]string

	// Timeout overrides the sandbox default. Zero = use default.
	Timeout time.Duration
}

// ExecutionResult captures the outcome of a completed command.
type ExecutionResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}
