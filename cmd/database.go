package cmd

import (
	"github.com/Layr-Labs/xp-ledger/internal/config"
	"github.com/Layr-Labs/xp-ledger/pkg/logger"
	"github.com/Layr-Labs/xp-ledger/pkg/postgres"
	"github.com/Layr-Labs/xp-ledger/pkg/postgres/migrations"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var runDatabaseCmd = &cobra.Command{
	Use:   "database",
	Short: "Create the database if needed and run all pending migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		bindCommandFlags(cmd)
		cfg := config.NewConfig()

		l, _ := logger.NewLogger(&logger.LoggerConfig{Debug: cfg.Debug})

		pg, err := postgres.NewPostgres(postgres.PostgresConfigFromDbConfig(&cfg.DatabaseConfig))
		if err != nil {
			l.Sugar().Errorw("Failed to setup postgres connection", zap.Error(err))
			return err
		}
		defer pg.Db.Close()

		grm, err := postgres.NewGormFromPostgresConnection(pg.Db)
		if err != nil {
			l.Sugar().Errorw("Failed to create gorm instance", zap.Error(err))
			return err
		}

		migrator := migrations.NewMigrator(pg.Db, grm, l, cfg)
		if err = migrator.MigrateAll(); err != nil {
			l.Sugar().Errorw("Failed to migrate", zap.Error(err))
			return err
		}

		l.Sugar().Infow("Migrations complete")
		return nil
	},
}
