package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sort"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// Config holds execution limits
type Config struct {
	Timeout     time.Duration
	OutputLimit int
	// Path is the only search path for executables and the PATH seen by
	// the child
	Path string
	// Env holds extra variables passed to every command
	Env map[string]string
}

// DefaultWaitDelay bounds how long Execute waits for output pipes after
// the process group has been killed
const DefaultWaitDelay = 2 * time.Second

// LocalExecutor implements Executor with host subprocesses
type LocalExecutor struct {
	logger    *zap.Logger
	config    *Config
	waitDelay time.Duration
}

// LocalExecutorOption defines a functional option for LocalExecutor
type LocalExecutorOption func(*LocalExecutor)

// WithWaitDelay sets how long to wait for output after a kill
func WithWaitDelay(d time.Duration) LocalExecutorOption {
	return func(l *LocalExecutor) {
		l.waitDelay = d
	}
}

// NewLocalExecutor creates a new LocalExecutor
func NewLocalExecutor(logger *zap.Logger, config *Config, opts ...LocalExecutorOption) *LocalExecutor {
	if logger == nil {
		logger = zap.NewNop()
	}
	executor := &LocalExecutor{
		logger:    logger,
		config:    config,
		waitDelay: DefaultWaitDelay,
	}

	for _, opt := range opts {
		opt(executor)
	}

	return executor
}

// Execute runs req.Name from the configured search path in req.WorkDir.
// On timeout the process group is killed and the partial result is
// returned together with ErrTimedOut.
func (l *LocalExecutor) Execute(ctx context.Context, req ExecuteRequest) (ExecuteResult, error) {
	path, ok := lookPath(req.Name, l.config.Path)
	if !ok {
		return ExecuteResult{
			Stderr:   fmt.Sprintf("%s: command not found", req.Name),
			ExitCode: ExitCodeNotFound,
		}, nil
	}

	timeout := l.config.Timeout
	if req.Timeout > 0 {
		timeout = req.Timeout
	}
	ctxWithTimeout, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctxWithTimeout, path, req.Args...) //nolint:gosec // Executable is allow-listed and resolved from the sandbox PATH
	cmd.Dir = req.WorkDir
	cmd.Env = l.environment(req.WorkDir)

	// Own process group, so the kill below reaches every descendant
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
	}
	cmd.WaitDelay = l.waitDelay

	stdout := &cappedBuffer{limit: l.config.OutputLimit}
	stderr := &cappedBuffer{limit: l.config.OutputLimit}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	err := cmd.Run()
	if cmd.Process != nil {
		// Sweep stragglers left behind by a leader that already exited.
		// ESRCH means the group is empty.
		_ = unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
	}

	result := ExecuteResult{
		Stdout:          stdout.String(),
		Stderr:          stderr.String(),
		StdoutTruncated: stdout.truncated,
		StderrTruncated: stderr.truncated,
		Duration:        time.Since(start),
	}

	if errors.Is(ctxWithTimeout.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		result.ExitCode = -1
		l.logger.Warn("command timed out",
			zap.String("executable", req.Name),
			zap.String("workdir", req.WorkDir),
			zap.Duration("timeout", timeout))
		return result, fmt.Errorf("%w after %s", ErrTimedOut, timeout)
	}
	if ctx.Err() != nil {
		result.ExitCode = -1
		return result, ctx.Err()
	}

	if err != nil {
		var exitError *exec.ExitError
		switch {
		case errors.As(err, &exitError):
			result.ExitCode = exitError.ExitCode()
		case errors.Is(err, exec.ErrWaitDelay):
			// The leader exited but a descendant kept the output pipes open.
			// The sweep above already killed it.
			result.ExitCode = cmd.ProcessState.ExitCode()
			l.logger.Debug("descendant held output open after exit",
				zap.String("executable", req.Name),
				zap.Duration("wait_delay", l.waitDelay))
		default:
			return result, fmt.Errorf("failed to execute command: %w", err)
		}
	}

	l.logger.Debug("command completed",
		zap.String("executable", req.Name),
		zap.Int("exit_code", result.ExitCode),
		zap.Duration("duration", result.Duration),
		zap.Bool("truncated", result.StdoutTruncated || result.StderrTruncated))

	return result, nil
}

// environment builds the complete child environment. Nothing is inherited
// from the server process.
func (l *LocalExecutor) environment(workDir string) []string {
	env := map[string]string{
		"PATH": l.config.Path,
		"HOME": workDir,
		"PWD":  workDir,
		"LANG": "C.UTF-8",
	}
	for key, value := range l.config.Env {
		env[key] = value
	}

	keys := make([]string, 0, len(env))
	for key := range env {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(keys))
	for _, key := range keys {
		out = append(out, key+"="+env[key])
	}
	return out
}
