package integration

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/isdmx/shellbox/audit"
	"github.com/isdmx/shellbox/command"
	"github.com/isdmx/shellbox/config"
	"github.com/isdmx/shellbox/controller"
	"github.com/isdmx/shellbox/logger"
	"github.com/isdmx/shellbox/mcpserver"
	"github.com/isdmx/shellbox/ratelimit"
	"github.com/isdmx/shellbox/sandbox"
	"github.com/isdmx/shellbox/session"
)

type stack struct {
	cfg    *config.Config
	ctrl   *controller.Controller
	reaper *session.Reaper
	audit  *audit.Log
}

// newStack loads config from a file and wires every component the way
// the server does, with a real executor and a SQLite audit log
func newStack(t *testing.T, extra string) *stack {
	t.Helper()
	dir := t.TempDir()
	content := "sandbox:\n" +
		"  root: " + filepath.Join(dir, "root") + "\n" +
		"  exec_timeout: 500ms\n" +
		"  allowed_executables: [ls, pwd, mkdir, touch, cat, echo, sleep, git]\n" +
		"audit:\n" +
		"  backend: sqlite\n" +
		"  path: " + filepath.Join(dir, "audit.db") + "\n" +
		extra
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := config.Load(path)
	require.NoError(t, err)

	log := zaptest.NewLogger(t)

	auditLog, err := audit.NewFromConfig(context.Background(), log, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = auditLog.Close() })

	executor, err := sandbox.NewExecutor(log, cfg)
	require.NoError(t, err)

	store := session.NewStoreFromConfig(log, cfg)
	limiter := ratelimit.NewFromConfig(log, cfg)
	reaper := session.NewReaperFromConfig(log, cfg, store, func() { limiter.Cleanup() })
	t.Cleanup(reaper.Stop)

	return &stack{
		cfg:    cfg,
		ctrl:   controller.New(log, store, limiter, command.NewValidatorFromConfig(cfg), executor, auditLog),
		reaper: reaper,
		audit:  auditLog,
	}
}

func TestIntegrationConfigAndLogger(t *testing.T) {
	t.Run("LoggerFromConfig", func(t *testing.T) {
		cfg := &config.Config{Logging: config.LoggingConfig{Mode: "development", Level: "debug"}}
		testLogger, err := logger.NewFromConfig(cfg)
		require.NoError(t, err)
		testLogger.Info("Integration test started")
		_ = testLogger.Sync()
	})

	t.Run("MCPServerFromStack", func(t *testing.T) {
		s := newStack(t, "")
		server, err := mcpserver.New(s.cfg, zaptest.NewLogger(t), s.ctrl)
		require.NoError(t, err)
		assert.NotNil(t, server.GetMCPServer())
	})
}

func TestIntegrationSessionScenario(t *testing.T) {
	s := newStack(t, "rate_limits:\n  command-exec:\n    limit: 100\n    window: 1m\n")
	ctx := context.Background()
	root := s.cfg.Sandbox.Root

	info, err := s.ctrl.CreateSession(ctx, "alice")
	require.NoError(t, err)

	t.Run("PwdIsRoot", func(t *testing.T) {
		result, err := s.ctrl.Submit(ctx, "alice", info.ID, "pwd")
		require.NoError(t, err)
		assert.Equal(t, root+"\n", result.Stdout)
	})

	t.Run("MkdirCdPwd", func(t *testing.T) {
		_, err := s.ctrl.Submit(ctx, "alice", info.ID, "mkdir -p work/notes")
		require.NoError(t, err)
		_, err = s.ctrl.Submit(ctx, "alice", info.ID, "cd work/notes")
		require.NoError(t, err)

		result, err := s.ctrl.Submit(ctx, "alice", info.ID, "pwd")
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(root, "work", "notes")+"\n", result.Stdout)
	})

	t.Run("QuotedArguments", func(t *testing.T) {
		_, err := s.ctrl.Submit(ctx, "alice", info.ID, `touch "my file.txt"`)
		require.NoError(t, err)
		result, err := s.ctrl.Submit(ctx, "alice", info.ID, "ls")
		require.NoError(t, err)
		assert.Contains(t, result.Stdout, "my file.txt")
	})

	t.Run("ClimbingOutIsRejected", func(t *testing.T) {
		_, err := s.ctrl.Submit(ctx, "alice", info.ID, "cd ../../..")
		assert.Equal(t, controller.KindValidation, controller.KindOf(err))
		_, err = s.ctrl.Submit(ctx, "alice", info.ID, "cat ../../../etc/passwd")
		assert.Equal(t, controller.KindValidation, controller.KindOf(err))

		result, err := s.ctrl.Submit(ctx, "alice", info.ID, "pwd")
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(root, "work", "notes")+"\n", result.Stdout)
	})

	t.Run("SymlinkEscapeIsRejected", func(t *testing.T) {
		require.NoError(t, os.Symlink("/", filepath.Join(root, "work", "notes", "up")))
		_, err := s.ctrl.Submit(ctx, "alice", info.ID, "cd up")
		require.Error(t, err)
		var cerr *controller.Error
		require.ErrorAs(t, err, &cerr)
		assert.Equal(t, command.ReasonPathEscape, cerr.Reason)
	})

	t.Run("GitHooksAreNotReachable", func(t *testing.T) {
		_, err := s.ctrl.Submit(ctx, "alice", info.ID, "git -c core.hooksPath=/tmp status")
		var cerr *controller.Error
		require.ErrorAs(t, err, &cerr)
		assert.Equal(t, command.ReasonDisallowedArgument, cerr.Reason)
	})

	t.Run("TimeoutKillsCommand", func(t *testing.T) {
		start := time.Now()
		_, err := s.ctrl.Submit(ctx, "alice", info.ID, "sleep 500")
		assert.Equal(t, controller.KindTimedOut, controller.KindOf(err))
		assert.Less(t, time.Since(start), 5*time.Second)
	})

	t.Run("ConcurrentSubmitsOnOneSession", func(t *testing.T) {
		var wg sync.WaitGroup
		kinds := make(chan controller.Kind, 2)
		for i := 0; i < 2; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := s.ctrl.Submit(ctx, "alice", info.ID, "sleep 2")
				kinds <- controller.KindOf(err)
			}()
		}
		wg.Wait()
		close(kinds)

		var got []controller.Kind
		for kind := range kinds {
			got = append(got, kind)
		}
		// one runs into the timeout, the other finds the session busy
		assert.ElementsMatch(t, []controller.Kind{controller.KindTimedOut, controller.KindSessionBusy}, got)
	})

	t.Run("EveryCallAudited", func(t *testing.T) {
		records, err := s.ctrl.QueryAudit(ctx, audit.Filter{UserID: "alice", Limit: audit.MaxQueryLimit})
		require.NoError(t, err)
		// 1 create + 1 + 3 + 2 + 3 + 1 + 1 + 1 + 2 submits
		assert.Len(t, records, 15)
		assert.Zero(t, s.audit.Failures())
	})
}

func TestIntegrationRateLimitAndExpiry(t *testing.T) {
	s := newStack(t, "session:\n  idle_timeout: 300ms\n  reap_interval: 50ms\n  retention: 1h\n"+
		"rate_limits:\n  command-exec:\n    limit: 3\n    window: 1h\n")
	ctx := context.Background()

	info, err := s.ctrl.CreateSession(ctx, "alice")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := s.ctrl.Submit(ctx, "alice", info.ID, "echo hi")
		require.NoError(t, err)
	}
	_, err = s.ctrl.Submit(ctx, "alice", info.ID, "echo hi")
	var cerr *controller.Error
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, controller.KindRateLimited, cerr.Kind)
	assert.Greater(t, cerr.RetryAfter, 59*time.Minute)

	s.reaper.Start()
	require.Eventually(t, func() bool {
		sessions := s.ctrl.ListSessions("alice")
		return len(sessions) == 1 && sessions[0].State == session.StateExpired
	}, 5*time.Second, 20*time.Millisecond)

	// bob has a separate budget and cannot use alice's session
	bobSession, err := s.ctrl.CreateSession(ctx, "bob")
	require.NoError(t, err)
	_, err = s.ctrl.Submit(ctx, "bob", info.ID, "echo hi")
	assert.Equal(t, controller.KindSessionNotFound, controller.KindOf(err))
	_, err = s.ctrl.Submit(ctx, "bob", bobSession.ID, "echo hi")
	require.NoError(t, err)
}
