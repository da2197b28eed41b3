package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"coparent/database"
	"coparent/logger"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the schema and realtime NOTIFY triggers",
	RunE:  runMigrate,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	defer logger.Sync()

	if cfg.Database.URL == "" {
		return fmt.Errorf("database url is required (set DATABASE_URL)")
	}

	db, err := database.Open(cmd.Context(), cfg.Database.URL)
	if err != nil {
		return err
	}
	defer db.Close()

	return db.Migrate(cmd.Context())
}
