package controller

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/isdmx/shellbox/audit"
	"github.com/isdmx/shellbox/command"
	"github.com/isdmx/shellbox/logger"
	"github.com/isdmx/shellbox/ratelimit"
	"github.com/isdmx/shellbox/sandbox"
	"github.com/isdmx/shellbox/session"
)

// Result is the outcome of one submitted command
type Result struct {
	Stdout          string        `json:"stdout"`
	Stderr          string        `json:"stderr"`
	ExitCode        int           `json:"exit_code"`
	StdoutTruncated bool          `json:"stdout_truncated,omitempty"`
	StderrTruncated bool          `json:"stderr_truncated,omitempty"`
	Duration        time.Duration `json:"duration"`
	// WorkDir is the session's working directory after the command
	WorkDir string `json:"working_directory"`
}

// Controller orchestrates sandbox operations
type Controller struct {
	sessions  *session.Store
	limiter   *ratelimit.Limiter
	validator *command.Validator
	executor  sandbox.Executor
	audit     *audit.Log
	logger    *zap.Logger
}

// New creates a Controller. None of the collaborators may be nil except
// log.
func New(
	log *zap.Logger,
	sessions *session.Store,
	limiter *ratelimit.Limiter,
	validator *command.Validator,
	executor sandbox.Executor,
	auditLog *audit.Log,
) *Controller {
	if log == nil {
		log = zap.NewNop()
	}
	return &Controller{
		sessions:  sessions,
		limiter:   limiter,
		validator: validator,
		executor:  executor,
		audit:     auditLog,
		logger:    log,
	}
}

// CreateSession opens a new session for user
func (c *Controller) CreateSession(ctx context.Context, user string) (info session.Info, err error) {
	ctx, span := startSpan(ctx, "create_session", user, "")
	record := audit.Record{UserID: user, Action: audit.ActionCreateSession}
	defer func() {
		c.finish(ctx, &record, recovered(c.logger, recover(), &err))
		endSpan(span, err)
	}()

	if err := c.allow(user, ratelimit.SessionCreate); err != nil {
		return session.Info{}, err
	}

	info, err = c.sessions.Create(user)
	if err != nil {
		return session.Info{}, classify(err)
	}
	record.SessionID = info.ID
	span.SetAttributes(attribute.String("sandbox.session_id", info.ID))

	logger.ForSession(c.logger, user, info.ID).Info("Session created", zap.String("workdir", info.WorkDir))
	return info, nil
}

// Submit validates raw and runs it in the session. Any failure is an
// *Error; a TimedOut failure still carries the output captured before the
// process was killed.
func (c *Controller) Submit(ctx context.Context, user, sessionID, raw string) (result Result, err error) {
	ctx, span := startSpan(ctx, "submit", user, sessionID)
	record := audit.Record{UserID: user, Action: audit.ActionSubmitCommand, RawInput: raw}
	defer func() {
		c.finish(ctx, &record, recovered(c.logger, recover(), &err))
		endSpan(span, err)
	}()

	logger.ForSession(c.logger, user, sessionID).Debug("Command submitted", logger.RawInput(raw))

	if err := c.allow(user, ratelimit.CommandExec); err != nil {
		return Result{}, err
	}

	lease, err := c.sessions.Acquire(sessionID, user)
	if err != nil {
		return Result{}, classify(err)
	}
	defer lease.Release()
	record.SessionID = sessionID

	workDir := lease.WorkDir()
	invocation, err := c.validator.Validate(raw, command.Scope{Root: c.sessions.Root(), WorkDir: workDir})
	if err != nil {
		return Result{WorkDir: workDir}, classify(err)
	}
	span.SetAttributes(attribute.String("sandbox.command", invocation.String()))

	switch inv := invocation.(type) {
	case command.ChangeDir:
		result, err = c.changeDir(lease, workDir, inv)
	case command.Exec:
		result, err = c.exec(ctx, workDir, inv)
	default:
		err = internal(fmt.Errorf("unhandled invocation %T", invocation))
	}

	ran := err == nil || KindOf(err) == KindTimedOut
	if ran {
		lease.Record(session.Entry{
			At:       time.Now().UTC(),
			Command:  invocation.String(),
			ExitCode: result.ExitCode,
		})
		exitCode := result.ExitCode
		record.ExitCode = &exitCode
		record.OutputExcerpt = excerpt(result)
	}
	return result, err
}

func (c *Controller) changeDir(lease *session.Lease, workDir string, inv command.ChangeDir) (Result, error) {
	dir, err := command.ResolveDir(c.sessions.Root(), workDir, inv)
	if err != nil {
		return Result{WorkDir: workDir}, classify(err)
	}
	if err := lease.ChangeDir(dir); err != nil {
		return Result{WorkDir: workDir}, internal(err)
	}
	return Result{WorkDir: dir}, nil
}

func (c *Controller) exec(ctx context.Context, workDir string, inv command.Exec) (Result, error) {
	res, err := c.executor.Execute(ctx, sandbox.ExecuteRequest{
		Name:    inv.Name,
		Args:    inv.Args,
		WorkDir: workDir,
	})
	result := Result{
		Stdout:          res.Stdout,
		Stderr:          res.Stderr,
		ExitCode:        res.ExitCode,
		StdoutTruncated: res.StdoutTruncated,
		StderrTruncated: res.StderrTruncated,
		Duration:        res.Duration,
		WorkDir:         workDir,
	}
	if err != nil {
		return result, classify(err)
	}
	return result, nil
}

// CloseSession closes the session. Closing an already terminal session
// succeeds.
func (c *Controller) CloseSession(ctx context.Context, user, sessionID string) (err error) {
	ctx, span := startSpan(ctx, "close_session", user, sessionID)
	record := audit.Record{UserID: user, Action: audit.ActionCloseSession}
	defer func() {
		c.finish(ctx, &record, recovered(c.logger, recover(), &err))
		endSpan(span, err)
	}()

	if err := c.sessions.Close(sessionID, user); err != nil {
		return classify(err)
	}
	record.SessionID = sessionID
	return nil
}

// ListSessions returns user's sessions, oldest first
func (c *Controller) ListSessions(user string) []session.Info {
	return c.sessions.List(user)
}

// QueryAudit reads the audit log, most recent first
func (c *Controller) QueryAudit(ctx context.Context, filter audit.Filter) ([]audit.Record, error) {
	records, err := c.audit.Query(ctx, filter)
	if err != nil {
		c.logger.Error("Failed to query audit log", zap.Error(err))
		return nil, internal(err)
	}
	return records, nil
}

// Consume charges one unit of category to user on behalf of an action
// performed outside the sandbox, such as an interactive query.
func (c *Controller) Consume(ctx context.Context, user string, category ratelimit.Category) (err error) {
	ctx, span := startSpan(ctx, "consume", user, "")
	span.SetAttributes(attribute.String("sandbox.category", string(category)))
	record := audit.Record{UserID: user, Action: audit.ActionConsumeQuota, RawInput: string(category)}
	defer func() {
		c.finish(ctx, &record, recovered(c.logger, recover(), &err))
		endSpan(span, err)
	}()

	return c.allow(user, category)
}

// RateStatus reports user's usage of every category
func (c *Controller) RateStatus(user string) (map[ratelimit.Category]ratelimit.Stats, error) {
	categories := []ratelimit.Category{ratelimit.SessionCreate, ratelimit.CommandExec, ratelimit.InteractiveQuery}
	status := make(map[ratelimit.Category]ratelimit.Stats, len(categories))
	for _, category := range categories {
		stats, err := c.limiter.Stats(user, category)
		if err != nil {
			return nil, internal(err)
		}
		status[category] = stats
	}
	return status, nil
}

// AuditFailures is the number of audit records that could not be persisted
func (c *Controller) AuditFailures() int64 {
	return c.audit.Failures()
}

func (c *Controller) allow(user string, category ratelimit.Category) error {
	decision, err := c.limiter.Check(user, category)
	if err != nil {
		return internal(err)
	}
	if !decision.Allowed {
		return rateLimited(decision.RetryAfter)
	}
	return nil
}

// finish fills the outcome of record from err, appends it and logs the
// failure if there was one
func (c *Controller) finish(ctx context.Context, record *audit.Record, err error) {
	switch kind := KindOf(err); {
	case err == nil:
		record.Outcome = audit.OutcomeAccepted
	case kind == KindValidation:
		record.Outcome = audit.OutcomeRejected
		var cerr *Error
		errors.As(err, &cerr)
		record.Reason = string(cerr.Reason)
	case kind == KindTimedOut || kind == KindInternal:
		record.Outcome = audit.OutcomeError
		record.Reason = string(kind)
	default:
		record.Outcome = audit.OutcomeRejected
		record.Reason = string(kind)
	}

	written := c.audit.Append(ctx, *record)

	if err == nil {
		return
	}
	log := logger.ForSession(c.logger, record.UserID, record.SessionID).With(
		zap.String("action", string(record.Action)),
		zap.String("kind", string(KindOf(err))),
		zap.String("audit_id", written.ID),
	)
	if KindOf(err) == KindInternal {
		log.Error("Sandbox operation failed", logger.RawInput(record.RawInput), zap.Error(errors.Unwrap(err)))
		return
	}
	log.Info("Sandbox operation rejected", zap.Error(err))
}

// recovered turns a recovered panic into an internal error stored in
// *errp, and returns the error to audit
func recovered(log *zap.Logger, p any, errp *error) error {
	if p != nil {
		log.Error("Recovered from panic in sandbox operation",
			zap.Any("panic", p),
			zap.Stack("stack"))
		*errp = internal(fmt.Errorf("panic: %v", p))
	}
	return *errp
}

func excerpt(result Result) string {
	switch {
	case result.Stderr == "":
		return result.Stdout
	case result.Stdout == "":
		return result.Stderr
	default:
		return result.Stdout + "\n" + result.Stderr
	}
}
