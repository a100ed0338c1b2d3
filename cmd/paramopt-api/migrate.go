package main

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"github.com/tradelab/paramopt/internal/store"
	"github.com/tradelab/paramopt/pkg/migrations"
	"go.uber.org/zap"
)

var migrationFolder string

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Migrate the db",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, teardown, err := setup("migrate")
		if err != nil {
			return err
		}
		defer teardown()

		zap.S().Info("Starting migration")
		defer zap.S().Info("Db migrated")

		folder := cfg.Service.MigrationFolder
		if migrationFolder != "" {
			folder = migrationFolder
		}

		ctx := context.Background()
		db, err := store.InitDB(cfg)
		if err != nil {
			zap.S().Fatalw("initializing data store", "error", err)
		}
		s := store.NewStore(db)
		defer s.Close()

		dialect := "sqlite3"
		var pool *pgxpool.Pool
		if cfg.Database.Type == "pgsql" {
			dialect = "postgres"
			pool, err = openPool(ctx, cfg)
			if err != nil {
				zap.S().Fatalw("opening queue pool", "error", err)
			}
			defer pool.Close()
		}

		if err := migrations.MigrateStore(ctx, db, dialect, folder, pool); err != nil {
			zap.S().Fatalw("running migrations", "error", err, "folder", folder)
		}

		return nil
	},
}

func init() {
	migrateCmd.Flags().StringVar(&migrationFolder, "folder", "", "Folder holding the SQL migrations, overrides PARAMOPT_MIGRATIONS_FOLDER")
}
