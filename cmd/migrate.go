package cmd

import (
	"context"
	"fmt"

	"github.com/pressly/goose/v3"
	"github.com/spf13/cobra"

	"github.com/frahmantamala/soko-payments/db"
)

const migrationsTable = "schema_migrations"

var (
	migrateRollback bool
	migrateStatus   bool
	migrateDir      string
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the ledger and storefront schema migrations",
	Long: `Runs the goose migrations embedded in the binary, or the ones under --dir.
Use --rollback to undo the latest migration and --status to list what has been applied.`,
	RunE: runMigration,
}

func init() {
	migrateCmd.Flags().BoolVarP(&migrateRollback, "rollback", "r", false, "roll back the latest migration")
	migrateCmd.Flags().BoolVar(&migrateStatus, "status", false, "print the migration status and exit")
	migrateCmd.Flags().StringVarP(&migrateDir, "dir", "d", "", "migrations directory on disk (defaults to the embedded migrations)")
	migrateCmd.MarkFlagsMutuallyExclusive("rollback", "status")
}

func migrationCommand() string {
	switch {
	case migrateStatus:
		return "status"
	case migrateRollback:
		return "down"
	default:
		return "up"
	}
}

func runMigration(_ *cobra.Command, _ []string) error {
	ctx := context.Background()
	cfg := mustLoadConfig()

	sqlDB, err := goose.OpenDBWithDriver(driver, cfg.Database.GetDSN())
	if err != nil {
		return fmt.Errorf("goose: failed to open DB: %w", err)
	}
	defer sqlDB.Close()

	goose.SetTableName(migrationsTable)
	dir := migrateDir
	if dir == "" {
		goose.SetBaseFS(db.Migrations)
		dir = db.MigrationsDir
	}

	command := migrationCommand()
	if err := goose.RunContext(ctx, command, sqlDB, dir); err != nil {
		return fmt.Errorf("goose %s: %w", command, err)
	}
	return nil
}
