package main

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sawpanic/policyvault/internal/infrastructure/db"
)

func newMigrateCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the PostgreSQL schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			if !cfg.Database.Enabled {
				return fmt.Errorf("database is disabled; set database.enabled or PG_DSN")
			}

			dbCfg := cfg.Database
			dbCfg.AutoMigrate = false
			manager, err := db.NewManager(cmd.Context(), dbCfg)
			if err != nil {
				return err
			}
			defer manager.Close()

			if err := manager.Migrate(cmd.Context()); err != nil {
				return err
			}
			log.Info().Msg("Schema applied")
			return nil
		},
	}
}
