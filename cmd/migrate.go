// services/fleet/cmd/migrate.go
package cmd

import (
	"fmt"

	"example.com/bpr/services/fleet/internal/backend"
	"example.com/bpr/services/fleet/internal/infrastructure"
	"github.com/spf13/cobra"
)

// migrateCmd represents the migrate command.
var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Run database migrations",
	Long:  `Applies all pending database migrations to ensure the schema is up to date.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMigrations()
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

func runMigrations() error {
	logger.Info("Running database migrations...")

	db, err := infrastructure.NewDatabase(cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()

	store := backend.NewPostgresStore(db.DB)
	if err := store.Migrate(); err != nil {
		return fmt.Errorf("failed to migrate document table: %w", err)
	}

	logger.Info("Database migrations completed successfully")
	return nil
}
