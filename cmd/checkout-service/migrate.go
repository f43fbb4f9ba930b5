package main

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/vasiliy-maslov/course-checkout/internal/config"
	"github.com/vasiliy-maslov/course-checkout/internal/db"
)

func migrateCmd() *cobra.Command {
	var path string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.NewConfig()
			if err != nil {
				return err
			}
			setLogLevel(cfg.App.LogLevel)

			if path != "" {
				cfg.Postgres.MigrationsPath = path
			}
			log.Info().Str("path", cfg.Postgres.MigrationsPath).Msg("Applying migrations")
			return db.ApplyMigrations(cfg.Postgres)
		},
	}

	cmd.Flags().StringVarP(&path, "path", "p", "", "Directory with migration files (overrides DB_MIGRATIONS_PATH)")

	return cmd
}
