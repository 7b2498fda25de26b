package sandbox

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"time"
)

// ExecuteRequest represents one validated command
type ExecuteRequest struct {
	Name    string
	Args    []string
	WorkDir string
	// Timeout overrides the executor default when positive
	Timeout time.Duration
}

// ExecuteResult represents the result of command execution
type ExecuteResult struct {
	Stdout          string        `json:"stdout"`
	Stderr          string        `json:"stderr"`
	ExitCode        int           `json:"exit_code"`
	StdoutTruncated bool          `json:"stdout_truncated,omitempty"`
	StderrTruncated bool          `json:"stderr_truncated,omitempty"`
	Duration        time.Duration `json:"duration"`
}

// Executor defines the interface for command execution
type Executor interface {
	Execute(ctx context.Context, req ExecuteRequest) (ExecuteResult, error)
}

// ErrTimedOut is returned when a command is killed for exceeding its
// timeout. The accompanying ExecuteResult holds the output captured so far.
var ErrTimedOut = errors.New("command timed out")

// ExitCodeNotFound is reported when an allow-listed executable is not
// installed on the search path
const ExitCodeNotFound = 127

// TruncationMarker is appended to a stream cut at the output cap
const TruncationMarker = "\n... (output truncated)"

// lookPath finds name in the colon-separated pathList. Unlike
// exec.LookPath it never consults the server's own PATH.
func lookPath(name, pathList string) (string, bool) {
	for _, dir := range filepath.SplitList(pathList) {
		if dir == "" || !filepath.IsAbs(dir) {
			continue
		}
		candidate := filepath.Join(dir, name)
		info, err := os.Stat(candidate)
		if err != nil || !info.Mode().IsRegular() || info.Mode().Perm()&0o111 == 0 {
			continue
		}
		return candidate, true
	}
	return "", false
}

// cappedBuffer keeps the first limit bytes written and silently accepts
// the rest, remembering that it did
type cappedBuffer struct {
	buf       []byte
	limit     int
	truncated bool
}

func (c *cappedBuffer) Write(p []byte) (int, error) {
	remaining := c.limit - len(c.buf)
	if remaining <= 0 {
		if len(p) > 0 {
			c.truncated = true
		}
		return len(p), nil
	}
	if len(p) > remaining {
		c.truncated = true
		c.buf = append(c.buf, p[:remaining]...)
		return len(p), nil
	}
	c.buf = append(c.buf, p...)
	return len(p), nil
}

// String returns the captured bytes, marked if anything was dropped
func (c *cappedBuffer) String() string {
	if c.truncated {
		return string(c.buf) + TruncationMarker
	}
	return string(c.buf)
}
