package main

import (
	"context"

	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

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

func newServeCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the MCP server",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}

			app := fx.New(appOptions(cfg))
			if err := app.Err(); err != nil {
				return err
			}

			// Start the application
			app.Run()
			return nil
		},
	}
}

// appOptions wires the server from cfg
func appOptions(cfg *config.Config) fx.Option {
	return fx.Options(
		fx.Supply(cfg),

		// Provide dependencies
		fx.Provide(
			// Logger with configuration
			logger.NewFromConfig,

			command.NewValidatorFromConfig,
			ratelimit.NewFromConfig,
			session.NewStoreFromConfig,
			newReaper,

			// Execution engine based on config
			sandbox.NewExecutor,

			newAuditLog,
			controller.New,

			// MCP Server
			mcpserver.New,
		),

		fx.Invoke(
			func(*session.Reaper) {},
			startTransport,
		),

		// Use the application logger for fx logs
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log}
		}),
	)
}

// newReaper creates the session reaper, which also drops elapsed rate
// limit windows on every tick, and ties it to the app lifecycle
func newReaper(lc fx.Lifecycle, log *zap.Logger, cfg *config.Config, store *session.Store, limiter *ratelimit.Limiter) *session.Reaper {
	reaper := session.NewReaperFromConfig(log, cfg, store, func() { limiter.Cleanup() })
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			reaper.Start()
			return nil
		},
		OnStop: func(context.Context) error {
			reaper.Stop()
			return nil
		},
	})
	return reaper
}

// newAuditLog opens the audit store and closes it on shutdown
func newAuditLog(lc fx.Lifecycle, log *zap.Logger, cfg *config.Config) (*audit.Log, error) {
	auditLog, err := audit.NewFromConfig(context.Background(), log, cfg)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			if failures := auditLog.Failures(); failures > 0 {
				log.Warn("audit records were lost during this run", zap.Int64("failures", failures))
			}
			return auditLog.Close()
		},
	})
	return auditLog, nil
}

// startTransport serves MCP for the lifetime of the app and shuts the app
// down when the transport ends on its own, e.g. on stdin EOF
func startTransport(lc fx.Lifecycle, shutdowner fx.Shutdowner, log *zap.Logger, server *mcpserver.MCPServer) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			if err := server.Start(); err != nil {
				return err
			}
			go func() {
				<-server.Done()
				log.Info("MCP transport finished, shutting down")
				if err := shutdowner.Shutdown(); err != nil {
					log.Debug("shutdown already in progress", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return server.Stop(ctx)
		},
	})
}
