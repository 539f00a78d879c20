package main

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/storefront/backend/internal/infrastructure/logger"
	"github.com/storefront/backend/internal/infrastructure/persistence"
)

// errNotPostgres is returned for SQLite document stores, whose schema the
// server creates on startup.
var errNotPostgres = errors.New("schema migrations need database.driver = \"postgres\"")

type migrateOutput struct {
	Version uint `json:"version"`
	Dirty   bool `json:"dirty"`
}

var migrateCmd = &cobra.Command{
	Use:     "migrate",
	GroupID: "maintenance",
	Short:   "Manage the PostgreSQL schema of the remote document store",
}

// withMigrator runs fn against the configured database and prints the
// resulting schema version.
func withMigrator(cmd *cobra.Command, fn func(m *persistence.Migrator) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Database.Driver != "postgres" {
		return errNotPostgres
	}
	log := logger.NewForCLI(logLevel)
	defer func() { _ = log.Sync() }()

	m, err := persistence.NewMigrator(cfg.Database.URL(), log)
	if err != nil {
		return err
	}
	defer func() { _ = m.Close() }()

	if err := fn(m); err != nil {
		return err
	}
	version, dirty, err := m.Version()
	if err != nil {
		return err
	}
	return printJSON(cmd, migrateOutput{Version: version, Dirty: dirty})
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply every pending migration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withMigrator(cmd, (*persistence.Migrator).Up)
	},
}

var migrateDownCmd = &cobra.Command{
	Use:   "down [steps]",
	Short: "Roll back the given number of migrations, or all of them",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 0 {
			return withMigrator(cmd, (*persistence.Migrator).Down)
		}
		steps, err := strconv.Atoi(args[0])
		if err != nil || steps <= 0 {
			return fmt.Errorf("steps must be a positive number, got %q", args[0])
		}
		return withMigrator(cmd, func(m *persistence.Migrator) error { return m.Steps(-steps) })
	},
}

var migrateVersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show the applied schema version",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withMigrator(cmd, func(*persistence.Migrator) error { return nil })
	},
}

var migrateForceCmd = &cobra.Command{
	Use:   "force VERSION",
	Short: "Mark VERSION as applied to clear a dirty schema",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		version, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid version %q: %w", args[0], err)
		}
		return withMigrator(cmd, func(m *persistence.Migrator) error { return m.Force(version) })
	},
}

func init() {
	migrateCmd.AddCommand(migrateUpCmd, migrateDownCmd, migrateVersionCmd, migrateForceCmd)
	rootCmd.AddCommand(migrateCmd)
}
