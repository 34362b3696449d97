package main

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/dno-crawl-orchestrator/internal/logging"
	pgstore "github.com/JakeFAU/dno-crawl-orchestrator/internal/storage/postgres"
)

var errNoDSN = errors.New("db.dsn is not set")

// newMigrator is a variable so tests can run without Postgres.
var newMigrator = func(dsn string, logger *zap.Logger) (migrator, error) {
	return pgstore.NewMigrator(dsn, logger)
}

type migrator interface {
	Up() error
	Down(steps int) error
	Version() (uint, bool, error)
	Close() error
}

func newMigrateCmd(cfgFile *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the Postgres schema",
	}
	run := func(cmd *cobra.Command, fn func(m migrator) error) error {
		cfg, err := loadConfig(*cfgFile)
		if err != nil {
			return err
		}
		if cfg.DB.DSN == "" {
			return errNoDSN
		}
		logger, err := logging.NewWithOptions(logging.Options{
			Development: cfg.Logging.Development,
			Level:       cfg.Logging.Level,
		})
		if err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()
		m, err := newMigrator(cfg.DB.DSN, logger)
		if err != nil {
			return err
		}
		defer func() {
			if cerr := m.Close(); cerr != nil {
				logger.Warn("close migrator failed", zap.Error(cerr))
			}
		}()
		return fn(m)
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, func(m migrator) error { return m.Up() })
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "down [steps]",
		Short: "Roll back migrations, one step by default",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			steps := 1
			if len(args) == 1 {
				n, err := strconv.Atoi(args[0])
				if err != nil || n <= 0 {
					return fmt.Errorf("steps must be a positive integer, got %q", args[0])
				}
				steps = n
			}
			return run(cmd, func(m migrator) error { return m.Down(steps) })
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the applied schema version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, func(m migrator) error {
				v, dirty, err := m.Version()
				if err != nil {
					return err
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "version %d (dirty=%t)\n", v, dirty)
				return err
			})
		},
	})
	return cmd
}
