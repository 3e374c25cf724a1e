package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"syscall"
	"time"
)

const (
	// maxOutputBytes caps each of stdout/stderr.
	maxOutputBytes = 1 << 20 // 1 MB

	// DefaultTimeout is the wall-clock budget for a single script run.
	DefaultTimeout = 30 * time.Second
)

// ProcessConfig configures the process runner.
type ProcessConfig struct {
	DefaultTimeout time.Duration
	MaxOutputBytes int // Per stream. 0 = 1 MB.
}

// ProcessSandbox runs commands as child processes of the host.
//
// Guarantees:
//   - working directory pinned to the request's WorkingDir
//   - the child runs in its own process group
//   - the whole group is killed at the deadline
//   - stdout and stderr are captured separately and capped
//
// The host environment is inherited. Nothing else is isolated.
type ProcessSandbox struct {
	defaultTimeout time.Duration
	maxOutput      int
	logger         *slog.Logger
}

// NewProcessSandbox creates a process runner.
func NewProcessSandbox(cfg ProcessConfig, logger *slog.Logger) *ProcessSandbox {
	timeout := cfg.DefaultTimeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	maxOutput := cfg.MaxOutputBytes
	if maxOutput <= 0 {
		maxOutput = maxOutputBytes
	}
	return &ProcessSandbox{
		defaultTimeout: timeout,
		maxOutput:      maxOutput,
		logger:         logger,
	}
}

// Execute runs req.Command and waits for it, or for the deadline.
// A non-zero exit code is a result, not an error.
func (s *ProcessSandbox) Execute(ctx context.Context, req ExecutionRequest) (*ExecutionResult, error) {
	if len(req.Command) == 0 {
		return nil, fmt.Errorf("empty command")
	}
	if req.WorkingDir == "" {
		return nil, fmt.Errorf("working directory is required")
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = s.defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, req.Command[0], req.Command[1:]...)
	cmd.Dir = req.WorkingDir
	cmd.Env = mergeEnv(os.Environ(), req.Env)

	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		// Negative PID targets the whole process group.
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	// Pipes held by a process that left the group are abandoned this long
	// after the child exits. Wait then reports exec.ErrWaitDelay.
	cmd.WaitDelay = timeout

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &limitedWriter{w: &stdoutBuf, remaining: s.maxOutput}
	cmd.Stderr = &limitedWriter{w: &stderrBuf, remaining: s.maxOutput}

	s.logger.DebugContext(ctx, "process executing",
		slog.Any("command", req.Command),
		slog.String("dir", cmd.Dir),
		slog.Duration("timeout", timeout),
	)

	start := time.Now()
	if err := cmd.Start(); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("execution canceled: %w", ctx.Err())
		}
		return nil, fmt.Errorf("execution failed: %w", err)
	}
	// exec stops watching ctx once the child exits, so background members of
	// the group that still hold stdout/stderr are killed here at the deadline.
	pgid := cmd.Process.Pid
	stop := context.AfterFunc(ctx, func() {
		_ = syscall.Kill(-pgid, syscall.SIGKILL)
	})
	runErr := cmd.Wait()
	stop()
	duration := time.Since(start)

	exitCode := 0
	if errors.Is(runErr, exec.ErrWaitDelay) {
		s.logger.WarnContext(ctx, "process output pipes left open after exit",
			slog.Duration("wait_delay", cmd.WaitDelay),
		)
		exitCode = cmd.ProcessState.ExitCode()
		runErr = nil
	}
	if runErr != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			s.logger.WarnContext(ctx, "process timed out",
				slog.Duration("timeout", timeout),
				slog.Duration("duration", duration),
			)
			return nil, fmt.Errorf("%w after %s", ErrTimeout, timeout)
		}
		if ctx.Err() != nil {
			return nil, fmt.Errorf("execution canceled: %w", ctx.Err())
		}

		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			return nil, fmt.Errorf("execution failed: %w", runErr)
		}
	}

	s.logger.DebugContext(ctx, "process completed",
		slog.Int("exit_code", exitCode),
		slog.Duration("duration", duration),
		slog.Int("stdout_bytes", stdoutBuf.Len()),
		slog.Int("stderr_bytes", stderrBuf.Len()),
	)

	return &ExecutionResult{
		Stdout:   stdoutBuf.String(),
		Stderr:   stderrBuf.String(),
		ExitCode: exitCode,
		Duration: duration,
	}, nil
}

func mergeEnv(base []string, extra map[string]string) []string {
	if len(extra) == 0 {
		return base
	}
	env := make([]string, 0, len(base)+len(extra))
	env = append(env, base...)
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	return env
}

// limitedWriter stops writing after a byte limit and discards the rest.
type limitedWriter struct {
	w         io.Writer
	remaining int
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	n := len(p)
	if lw.remaining <= 0 {
		return n, nil
	}
	if len(p) > lw.remaining {
		p = p[:lw.remaining]
	}
	written, err := lw.w.Write(p)
	lw.remaining -= written
	if err != nil {
		return written, err
	}
	return n, nil
}
