// Package sandbox provides the execution engine for validated commands.
//
// The LocalExecutor runs one allow-listed executable as a direct child
// process (no shell) in the session's working directory, with an explicit
// minimal environment, a hard wall-clock timeout and per-stream output
// caps. Each command runs in its own process group; on timeout the whole
// group is killed so no descendant outlives the command.
//
// Usage:
//
//	executor, err := sandbox.NewExecutor(logger, cfg)
//	result, err := executor.Execute(ctx, sandbox.ExecuteRequest{
//	    Name:    "ls",
//	    Args:    []string{"-la"},
//	    WorkDir: "/srv/sandbox/project",
//	})
//	if errors.Is(err, sandbox.ErrTimedOut) {
//	    // result holds whatever was captured before the kill
//	}
package sandbox
