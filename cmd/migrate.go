package cmd

import (
	"errors"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"satukolab/config"
	"satukolab/config/database"
	"satukolab/pkg/logger"
)

func migrateCommand(v *viper.Viper, configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the database tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(v, *configFile)
			if err != nil {
				return err
			}
			logger.Init(cfg.Log.Level)
			defer logger.Sync()

			dsn := cfg.Database.DSN()
			if dsn == "" {
				return errors.New("database is not configured: set DATABASE_HOST or the legacy host variable")
			}
			db, err := database.Connect(cmd.Context(), dsn)
			if err != nil {
				return err
			}
			defer db.Close()

			if err := database.Migrate(cmd.Context(), db); err != nil {
				return err
			}
			logger.Sugar.Info("Schema is up to date")
			return nil
		},
	}
}
