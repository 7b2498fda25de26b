package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/isdmx/shellbox/audit"
	"github.com/isdmx/shellbox/config"
	"github.com/isdmx/shellbox/logger"
)

func newAuditCommand(configPath *string) *cobra.Command {
	var (
		filter  audit.Filter
		outcome string
		action  string
		since   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Print audit records from the SQLite audit log as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			if cfg.Audit.Backend != "sqlite" {
				return fmt.Errorf("audit command needs the sqlite backend, configured: %s", cfg.Audit.Backend)
			}

			log, err := logger.NewFromConfig(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			store, err := audit.OpenSQLite(ctx, log, cfg.Audit.Path)
			if err != nil {
				return err
			}
			defer store.Close()

			filter.Outcome = audit.Outcome(outcome)
			filter.Action = audit.Action(action)
			if since > 0 {
				filter.Since = time.Now().Add(-since)
			}

			records, err := store.Query(ctx, filter)
			if err != nil {
				return err
			}

			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			if err := enc.Encode(records); err != nil {
				return fmt.Errorf("failed to encode records: %w", err)
			}
			return enc.Close()
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&filter.UserID, "user", "", "only records of this user")
	flags.StringVar(&filter.SessionID, "session", "", "only records of this session")
	flags.StringVar(&outcome, "outcome", "", "only records with this outcome (accepted, rejected, error)")
	flags.StringVar(&action, "action", "", "only records of this action, e.g. command.submit")
	flags.DurationVar(&since, "since", 0, "only records newer than this, e.g. 1h")
	flags.IntVar(&filter.Limit, "limit", audit.DefaultQueryLimit, "maximum number of records")
	flags.IntVar(&filter.Offset, "offset", 0, "records to skip")

	return cmd
}
