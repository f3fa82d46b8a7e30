package main

import (
	"database/sql"
	"fmt"

	"github.com/spf13/cobra"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/marcus-qen/decisiongate/internal/controlplane/migration"
	"github.com/marcus-qen/decisiongate/internal/dgconfig"
)

// runStateSchemaVersion mirrors internal/runstate's own unexported
// schemaVersion constant; the two must move together if the runs table
// shape ever changes.
const runStateSchemaVersion = 1

var (
	migrateDriver string
	migrateDSN    string
	migrateBackup bool
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Report and apply run-state database schema versioning",
	Long: `migrate reports the current schema version of a sqlite, mysql, or
postgres run-state database and ensures it is stamped at the version this
binary expects. internal/runstate.NewSQLStore already runs this check on
every sqlite startup as a side effect of opening the store; this command
exists so the version can be inspected or stamped without starting the
server, and so mysql/postgres deployments — which NewSQLStore does not
currently version-stamp automatically — can be brought under the same
bookkeeping explicitly.`,
	RunE: runMigrate,
}

func init() {
	migrateCmd.Flags().StringVar(&migrateDriver, "driver", "", "sqlite, mysql, or postgres (defaults to the configured run_state_store.kind)")
	migrateCmd.Flags().StringVar(&migrateDSN, "dsn", "", "data source name (defaults to the configured run_state_store.dsn)")
	migrateCmd.Flags().BoolVar(&migrateBackup, "backup", false, "back up the database file before stamping (sqlite only)")
}

func runMigrate(cmd *cobra.Command, args []string) error {
	driver, dsn, err := resolveMigrateTarget()
	if err != nil {
		return err
	}
	if driver == "memory" {
		fmt.Println("run_state_store.kind is memory: nothing to migrate")
		return nil
	}

	if migrateBackup {
		if driver != "sqlite" {
			return fmt.Errorf("decisiongate: --backup is only supported for sqlite")
		}
		backupPath, err := migration.BackupDatabase(dsn)
		if err != nil {
			return fmt.Errorf("decisiongate: backup database: %w", err)
		}
		fmt.Printf("backed up %s to %s\n", dsn, backupPath)
	}

	registeredName := driver
	if driver == "postgres" {
		registeredName = "pgx"
	}
	db, err := sql.Open(registeredName, dsn)
	if err != nil {
		return fmt.Errorf("decisiongate: open %s database: %w", driver, err)
	}
	defer db.Close()

	before, err := migration.CurrentVersion(db)
	if err != nil {
		return fmt.Errorf("decisiongate: read current schema version: %w", err)
	}
	if err := migration.EnsureVersion(db, runStateSchemaVersion); err != nil {
		return fmt.Errorf("decisiongate: stamp schema version: %w", err)
	}
	after, err := migration.CurrentVersion(db)
	if err != nil {
		return fmt.Errorf("decisiongate: read stamped schema version: %w", err)
	}

	if before == after {
		fmt.Printf("%s database already at schema version %d\n", driver, after)
	} else {
		fmt.Printf("%s database stamped from schema version %d to %d\n", driver, before, after)
	}
	return nil
}

// resolveMigrateTarget prefers explicit --driver/--dsn flags, falling
// back to the loaded config's run_state_store section.
func resolveMigrateTarget() (driver, dsn string, err error) {
	if migrateDriver != "" {
		return migrateDriver, migrateDSN, nil
	}
	cfg, err := dgconfig.Load(configPath)
	if err != nil {
		return "", "", err
	}
	if cfg.RunState.DSN == "" && cfg.RunState.Kind != "memory" && cfg.RunState.Kind != "" {
		return "", "", fmt.Errorf("decisiongate: run_state_store.dsn is not configured")
	}
	return cfg.RunState.Kind, cfg.RunState.DSN, nil
}
