package mcpserver

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/isdmx/shellbox/audit"
	"github.com/isdmx/shellbox/command"
	"github.com/isdmx/shellbox/config"
	"github.com/isdmx/shellbox/controller"
	"github.com/isdmx/shellbox/ratelimit"
	"github.com/isdmx/shellbox/sandbox"
	"github.com/isdmx/shellbox/session"
)

// MockSandboxExecutor implements sandbox.Executor for testing
type MockSandboxExecutor struct {
	executeResult sandbox.ExecuteResult
	executeError  error
	lastRequest   sandbox.ExecuteRequest
}

func (m *MockSandboxExecutor) Execute(_ context.Context, req sandbox.ExecuteRequest) (sandbox.ExecuteResult, error) { //nolint:gocritic // Mock implementation requires full parameter signature
	m.lastRequest = req
	return m.executeResult, m.executeError
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	root, err := config.CanonicalRoot(t.TempDir())
	require.NoError(t, err)
	return &config.Config{
		Server:  config.ServerConfig{Transport: "stdio", HTTPPort: 8080},
		Logging: config.LoggingConfig{Mode: "production", Level: "info"},
		Sandbox: config.SandboxConfig{
			Root:               root,
			AllowedExecutables: []string{"ls", "pwd", "echo"},
			ExecTimeout:        5 * time.Second,
			OutputLimitBytes:   4096,
			Path:               "/usr/bin:/bin",
		},
		Validator: config.ValidatorConfig{ForbiddenTokens: config.DefaultForbiddenTokens, CheckPathArgs: true},
		Session: config.SessionConfig{
			IdleTimeout:  5 * time.Minute,
			MaxPerUser:   2,
			HistorySize:  10,
			ReapInterval: time.Minute,
			Retention:    time.Hour,
		},
		RateLimits: map[string]config.RateLimitConfig{
			config.CategorySessionCreate:    {Limit: 3, Window: 5 * time.Minute},
			config.CategoryCommandExec:      {Limit: 10, Window: time.Minute},
			config.CategoryInteractiveQuery: {Limit: 5, Window: time.Minute},
		},
		Audit: config.AuditConfig{Backend: "memory", ExcerptBytes: 1800, WriteTimeout: time.Second},
	}
}

func newTestServer(t *testing.T, executor sandbox.Executor) *MCPServer {
	t.Helper()
	logger := zaptest.NewLogger(t)
	cfg := testConfig(t)

	auditLog, err := audit.NewFromConfig(context.Background(), logger, cfg)
	require.NoError(t, err)
	ctrl := controller.New(logger,
		session.NewStoreFromConfig(logger, cfg),
		ratelimit.NewFromConfig(logger, cfg),
		command.NewValidatorFromConfig(cfg),
		executor,
		auditLog,
	)

	server, err := New(cfg, logger, ctrl)
	require.NoError(t, err)
	return server
}

func callTool(name string, args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotNil(t, result)
	require.Len(t, result.Content, 1)
	text, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok, "unexpected content %T", result.Content[0])
	return text.Text
}

func decode[T any](t *testing.T, result *mcp.CallToolResult) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal([]byte(resultText(t, result)), &v))
	return v
}

func createSession(t *testing.T, s *MCPServer, user string) session.Info {
	t.Helper()
	result, err := s.handleCreateSession(context.Background(), callTool("create_session", map[string]any{"user_id": user}))
	require.NoError(t, err)
	require.False(t, result.IsError, resultText(t, result))
	return decode[session.Info](t, result)
}

func TestNewMCPServer(t *testing.T) {
	t.Run("RequiresController", func(t *testing.T) {
		_, err := New(testConfig(t), zaptest.NewLogger(t), nil)
		require.Error(t, err)
	})

	t.Run("Success", func(t *testing.T) {
		server := newTestServer(t, &MockSandboxExecutor{})
		assert.NotNil(t, server.GetMCPServer())
		assert.NotNil(t, server.httpServer)
	})
}

func TestCreateSessionTool(t *testing.T) {
	server := newTestServer(t, &MockSandboxExecutor{})

	info := createSession(t, server, "alice")
	assert.NotEmpty(t, info.ID)
	assert.Equal(t, server.config.Sandbox.Root, info.WorkDir)
	assert.Equal(t, session.StateActive, info.State)

	t.Run("MissingUser", func(t *testing.T) {
		result, err := server.handleCreateSession(context.Background(), callTool("create_session", map[string]any{}))
		require.NoError(t, err)
		assert.True(t, result.IsError)
	})

	t.Run("TooManySessions", func(t *testing.T) {
		createSession(t, server, "alice")
		result, err := server.handleCreateSession(context.Background(), callTool("create_session", map[string]any{"user_id": "alice"}))
		require.NoError(t, err)
		require.True(t, result.IsError)
		body := decode[errorBody](t, result)
		assert.Equal(t, controller.KindTooManySessions, body.Kind)
	})
}

func TestSubmitCommandTool(t *testing.T) {
	executor := &MockSandboxExecutor{executeResult: sandbox.ExecuteResult{Stdout: "file.txt\n"}}
	server := newTestServer(t, executor)
	info := createSession(t, server, "alice")
	ctx := context.Background()

	t.Run("Success", func(t *testing.T) {
		result, err := server.handleSubmitCommand(ctx, callTool("submit_command", map[string]any{
			"user_id": "alice", "session_id": info.ID, "command": "ls -la",
		}))
		require.NoError(t, err)
		require.False(t, result.IsError, resultText(t, result))

		got := decode[controller.Result](t, result)
		assert.Equal(t, "file.txt\n", got.Stdout)
		assert.Equal(t, 0, got.ExitCode)
		assert.Equal(t, "ls", executor.lastRequest.Name)
		assert.Equal(t, []string{"-la"}, executor.lastRequest.Args)
		assert.Equal(t, info.WorkDir, executor.lastRequest.WorkDir)
	})

	t.Run("ForbiddenSyntax", func(t *testing.T) {
		result, err := server.handleSubmitCommand(ctx, callTool("submit_command", map[string]any{
			"user_id": "alice", "session_id": info.ID, "command": "ls | sh",
		}))
		require.NoError(t, err)
		require.True(t, result.IsError)

		body := decode[errorBody](t, result)
		assert.Equal(t, controller.KindValidation, body.Kind)
		assert.Equal(t, string(command.ReasonForbiddenSyntax), body.Reason)
	})

	t.Run("UnknownSession", func(t *testing.T) {
		result, err := server.handleSubmitCommand(ctx, callTool("submit_command", map[string]any{
			"user_id": "bob", "session_id": info.ID, "command": "ls",
		}))
		require.NoError(t, err)
		require.True(t, result.IsError)
		assert.Equal(t, controller.KindSessionNotFound, decode[errorBody](t, result).Kind)
	})

	t.Run("MissingCommand", func(t *testing.T) {
		result, err := server.handleSubmitCommand(ctx, callTool("submit_command", map[string]any{
			"user_id": "alice", "session_id": info.ID,
		}))
		require.NoError(t, err)
		assert.True(t, result.IsError)
	})

	t.Run("RateLimited", func(t *testing.T) {
		var result *mcp.CallToolResult
		// one command already counted by Success
		for i := 0; i < 10; i++ {
			var err error
			result, err = server.handleSubmitCommand(ctx, callTool("submit_command", map[string]any{
				"user_id": "alice", "session_id": info.ID, "command": "pwd",
			}))
			require.NoError(t, err)
		}
		require.True(t, result.IsError)
		body := decode[errorBody](t, result)
		assert.Equal(t, controller.KindRateLimited, body.Kind)
		assert.Greater(t, body.RetryAfterSeconds, 0.0)
	})
}

func TestSessionTools(t *testing.T) {
	server := newTestServer(t, &MockSandboxExecutor{})
	ctx := context.Background()
	info := createSession(t, server, "alice")

	result, err := server.handleListSessions(ctx, callTool("list_sessions", map[string]any{"user_id": "alice"}))
	require.NoError(t, err)
	sessions := decode[[]session.Info](t, result)
	require.Len(t, sessions, 1)
	assert.Equal(t, info.ID, sessions[0].ID)

	result, err = server.handleCloseSession(ctx, callTool("close_session", map[string]any{"user_id": "alice", "session_id": info.ID}))
	require.NoError(t, err)
	require.False(t, result.IsError, resultText(t, result))

	result, err = server.handleListSessions(ctx, callTool("list_sessions", map[string]any{"user_id": "alice"}))
	require.NoError(t, err)
	assert.Equal(t, session.StateClosed, decode[[]session.Info](t, result)[0].State)

	result, err = server.handleCloseSession(ctx, callTool("close_session", map[string]any{"user_id": "alice", "session_id": "missing"}))
	require.NoError(t, err)
	require.True(t, result.IsError)
	assert.Equal(t, controller.KindSessionNotFound, decode[errorBody](t, result).Kind)

	result, err = server.handleListSessions(ctx, callTool("list_sessions", map[string]any{"user_id": "nobody"}))
	require.NoError(t, err)
	assert.Empty(t, decode[[]session.Info](t, result))
}

func TestQueryAuditTool(t *testing.T) {
	server := newTestServer(t, &MockSandboxExecutor{})
	ctx := context.Background()

	alice := createSession(t, server, "alice")
	createSession(t, server, "bob")
	_, err := server.handleSubmitCommand(ctx, callTool("submit_command", map[string]any{
		"user_id": "alice", "session_id": alice.ID, "command": "rm -rf /",
	}))
	require.NoError(t, err)

	t.Run("ScopedToCaller", func(t *testing.T) {
		result, err := server.handleQueryAudit(ctx, callTool("query_audit", map[string]any{"user_id": "alice"}))
		require.NoError(t, err)
		records := decode[[]audit.Record](t, result)
		require.Len(t, records, 2)
		for _, r := range records {
			assert.Equal(t, "alice", r.UserID)
		}
		assert.Equal(t, audit.OutcomeRejected, records[0].Outcome)
		assert.Equal(t, string(command.ReasonDisallowedExecutable), records[0].Reason)
	})

	t.Run("FilterAndPage", func(t *testing.T) {
		result, err := server.handleQueryAudit(ctx, callTool("query_audit", map[string]any{
			"user_id": "alice", "outcome": "accepted", "limit": float64(1),
		}))
		require.NoError(t, err)
		records := decode[[]audit.Record](t, result)
		require.Len(t, records, 1)
		assert.Equal(t, audit.ActionCreateSession, records[0].Action)
	})
}

func TestRateLimitStatusTool(t *testing.T) {
	server := newTestServer(t, &MockSandboxExecutor{})
	createSession(t, server, "alice")

	result, err := server.handleRateLimitStatus(context.Background(), callTool("rate_limit_status", map[string]any{"user_id": "alice"}))
	require.NoError(t, err)
	status := decode[map[string]rateStatus](t, result)

	require.Contains(t, status, config.CategorySessionCreate)
	assert.Equal(t, 1, status[config.CategorySessionCreate].Used)
	assert.Equal(t, 2, status[config.CategorySessionCreate].Remaining)
	assert.Equal(t, 300.0, status[config.CategorySessionCreate].WindowSeconds)
	assert.Equal(t, 10, status[config.CategoryCommandExec].Remaining)
}

func TestServerLifecycle(t *testing.T) {
	t.Run("UnsupportedTransport", func(t *testing.T) {
		server := newTestServer(t, &MockSandboxExecutor{})
		server.config.Server.Transport = "carrier-pigeon"
		require.Error(t, server.Start())
	})

	t.Run("StopWithoutStart", func(t *testing.T) {
		server := newTestServer(t, &MockSandboxExecutor{})
		require.NoError(t, server.Stop(context.Background()))
	})

	t.Run("HTTPStartStop", func(t *testing.T) {
		server := newTestServer(t, &MockSandboxExecutor{})
		server.config.Server.Transport = "http"
		server.config.Server.HTTPPort = 0

		require.NoError(t, server.Start())
		require.Error(t, server.Start())

		// give the listener a moment so Shutdown has something to stop
		time.Sleep(50 * time.Millisecond)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, server.Stop(ctx))
	})
}
