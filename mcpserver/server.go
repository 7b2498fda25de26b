package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/isdmx/shellbox/audit"
	"github.com/isdmx/shellbox/config"
	"github.com/isdmx/shellbox/controller"
	"github.com/isdmx/shellbox/ratelimit"
)

// Version is reported to MCP clients during initialization
const Version = "0.1.0"

// MCPServer represents the MCP server
type MCPServer struct {
	config     *config.Config
	logger     *zap.Logger
	controller *controller.Controller
	mcpServer  *server.MCPServer
	httpServer *server.StreamableHTTPServer

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a new MCPServer
func New(cfg *config.Config, logger *zap.Logger, ctrl *controller.Controller) (*MCPServer, error) {
	if ctrl == nil {
		return nil, errors.New("controller is required")
	}
	s := &MCPServer{
		config:     cfg,
		logger:     logger,
		controller: ctrl,
	}

	// Log configuration parameters on startup
	logger.Info("configuration loaded",
		zap.String("server.transport", cfg.Server.Transport),
		zap.Int("server.http_port", cfg.Server.HTTPPort),
		zap.String("sandbox.root", cfg.Sandbox.Root),
		zap.Strings("sandbox.allowed_executables", cfg.Sandbox.AllowedExecutables),
		zap.Duration("sandbox.exec_timeout", cfg.Sandbox.ExecTimeout),
		zap.Int("sandbox.output_limit_bytes", cfg.Sandbox.OutputLimitBytes),
		zap.Bool("validator.check_path_args", cfg.Validator.CheckPathArgs),
		zap.Duration("session.idle_timeout", cfg.Session.IdleTimeout),
		zap.Int("session.max_per_user", cfg.Session.MaxPerUser),
		zap.String("audit.backend", cfg.Audit.Backend),
	)

	s.mcpServer = server.NewMCPServer("shellbox", Version, server.WithRecovery())
	s.httpServer = server.NewStreamableHTTPServer(s.mcpServer)

	s.registerTools()

	return s, nil
}

func (s *MCPServer) registerTools() {
	userID := mcp.WithString("user_id", mcp.Required(), mcp.Description("Identifier of the calling user"))
	sessionID := mcp.WithString("session_id", mcp.Required(), mcp.Description("Session returned by create_session"))

	s.mcpServer.AddTool(mcp.NewTool("create_session",
		mcp.WithDescription("Open a sandbox session rooted at the sandbox directory"),
		userID,
	), s.handleCreateSession)

	s.mcpServer.AddTool(mcp.NewTool("submit_command",
		mcp.WithDescription("Run one allow-listed command, or cd, in a session. Pipes, redirects and chaining are rejected."),
		userID,
		sessionID,
		mcp.WithString("command", mcp.Required(), mcp.Description("Command line, e.g. \"ls -la\" or \"cd src\"")),
	), s.handleSubmitCommand)

	s.mcpServer.AddTool(mcp.NewTool("close_session",
		mcp.WithDescription("Close a session"),
		userID,
		sessionID,
	), s.handleCloseSession)

	s.mcpServer.AddTool(mcp.NewTool("list_sessions",
		mcp.WithDescription("List the caller's sessions"),
		userID,
	), s.handleListSessions)

	s.mcpServer.AddTool(mcp.NewTool("query_audit",
		mcp.WithDescription("Read the caller's audit records, most recent first"),
		userID,
		mcp.WithString("session_id", mcp.Description("Only records of this session")),
		mcp.WithString("outcome", mcp.Description("Only records with this outcome"),
			mcp.Enum(string(audit.OutcomeAccepted), string(audit.OutcomeRejected), string(audit.OutcomeError))),
		mcp.WithNumber("limit", mcp.Description("Page size"), mcp.DefaultNumber(audit.DefaultQueryLimit)),
		mcp.WithNumber("offset", mcp.Description("Records to skip")),
	), s.handleQueryAudit)

	s.mcpServer.AddTool(mcp.NewTool("rate_limit_status",
		mcp.WithDescription("Show the caller's usage of every rate limit category"),
		userID,
	), s.handleRateLimitStatus)
}

func (s *MCPServer) handleCreateSession(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	user, err := request.RequireString("user_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	info, err := s.controller.CreateSession(ctx, user)
	if err != nil {
		return toolError(err), nil
	}
	return jsonResult(info)
}

func (s *MCPServer) handleSubmitCommand(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	user, err := request.RequireString("user_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	sessionID, err := request.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	raw, err := request.RequireString("command")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	result, err := s.controller.Submit(ctx, user, sessionID, raw)
	if err != nil {
		return toolError(err), nil
	}

	s.logger.Info("command completed",
		zap.String("user", user),
		zap.String("session_id", sessionID),
		zap.Int("exit_code", result.ExitCode),
		zap.Int("stdout_len", len(result.Stdout)),
		zap.Int("stderr_len", len(result.Stderr)))

	return jsonResult(result)
}

func (s *MCPServer) handleCloseSession(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	user, err := request.RequireString("user_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	sessionID, err := request.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	if err := s.controller.CloseSession(ctx, user, sessionID); err != nil {
		return toolError(err), nil
	}
	return jsonResult(map[string]string{"session_id": sessionID, "status": "closed"})
}

func (s *MCPServer) handleListSessions(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	user, err := request.RequireString("user_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(s.controller.ListSessions(user))
}

func (s *MCPServer) handleQueryAudit(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	user, err := request.RequireString("user_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	// Callers only ever see their own records
	records, err := s.controller.QueryAudit(ctx, audit.Filter{
		UserID:    user,
		SessionID: request.GetString("session_id", ""),
		Outcome:   audit.Outcome(request.GetString("outcome", "")),
		Limit:     request.GetInt("limit", audit.DefaultQueryLimit),
		Offset:    request.GetInt("offset", 0),
	})
	if err != nil {
		return toolError(err), nil
	}
	return jsonResult(records)
}

func (s *MCPServer) handleRateLimitStatus(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	user, err := request.RequireString("user_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	status, err := s.controller.RateStatus(user)
	if err != nil {
		return toolError(err), nil
	}
	out := make(map[ratelimit.Category]rateStatus, len(status))
	for category, stats := range status {
		out[category] = rateStatus{
			Used:           stats.Used,
			Remaining:      stats.Remaining,
			Limit:          stats.Limit,
			WindowSeconds:  stats.Window.Seconds(),
			ResetInSeconds: stats.ResetIn.Seconds(),
		}
	}
	return jsonResult(out)
}

type rateStatus struct {
	Used           int     `json:"used"`
	Remaining      int     `json:"remaining"`
	Limit          int     `json:"limit"`
	WindowSeconds  float64 `json:"window_seconds"`
	ResetInSeconds float64 `json:"reset_in_seconds"`
}

// errorBody is the JSON text of a failed tool call
type errorBody struct {
	Kind              controller.Kind `json:"error"`
	Reason            string          `json:"reason,omitempty"`
	Message           string          `json:"message"`
	RetryAfterSeconds float64         `json:"retry_after_seconds,omitempty"`
}

func toolError(err error) *mcp.CallToolResult {
	body := errorBody{Kind: controller.KindOf(err), Message: err.Error()}
	var cerr *controller.Error
	if errors.As(err, &cerr) {
		body.Reason = string(cerr.Reason)
		body.RetryAfterSeconds = cerr.RetryAfter.Seconds()
	}
	text, marshalErr := json.Marshal(body)
	if marshalErr != nil {
		return mcp.NewToolResultError(err.Error())
	}
	return mcp.NewToolResultError(string(text))
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	text, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode result: %w", err)
	}
	return mcp.NewToolResultText(string(text)), nil
}

// Start serves the configured transport in the background until Stop
func (s *MCPServer) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done != nil {
		return errors.New("server already started")
	}

	var serve func(ctx context.Context) error
	switch s.config.Server.Transport {
	case "stdio":
		serve = s.ServeStdio
	case "http":
		serve = func(context.Context) error { return s.ServeHTTP() }
	default:
		return fmt.Errorf("unsupported transport: %s", s.config.Server.Transport)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.cancel, s.done = cancel, done

	go func() {
		defer close(done)
		err := serve(ctx)
		if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("MCP transport stopped", zap.Error(err))
		}
	}()
	return nil
}

// Stop shuts the transport down and waits for it to return
func (s *MCPServer) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()
	if done == nil {
		return nil
	}

	if s.config.Server.Transport == "http" {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shut down HTTP transport: %w", err)
		}
	}
	cancel()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed when the transport started by Start has returned. It is
// nil before Start.
func (s *MCPServer) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// ServeStdio serves on stdin/stdout until ctx is cancelled
func (s *MCPServer) ServeStdio(ctx context.Context) error {
	s.logger.Info("starting MCP server on stdio")
	return server.NewStdioServer(s.mcpServer).Listen(ctx, os.Stdin, os.Stdout)
}

// ServeHTTP starts the server on HTTP
func (s *MCPServer) ServeHTTP() error {
	port := s.config.Server.HTTPPort
	s.logger.Info("starting MCP server on HTTP", zap.Int("port", port))
	return s.httpServer.Start(fmt.Sprintf(":%d", port))
}

// GetMCPServer returns the underlying MCP server
func (s *MCPServer) GetMCPServer() *server.MCPServer {
	return s.mcpServer
}
