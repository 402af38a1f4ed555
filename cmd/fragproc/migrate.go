package main

import (
	"context"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kubev2v/fragproc/internal/config"
	"github.com/kubev2v/fragproc/internal/migrations"
	"github.com/kubev2v/fragproc/internal/registry"
	"github.com/kubev2v/fragproc/pkg/log"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending jobs-table and river queue-table migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.New()
		if err != nil {
			return err
		}

		logLvl := log.ParseLevel(cfg.Service.LogLevel)
		logger := log.InitLog(logLvl)
		defer func() { _ = logger.Sync() }()
		undo := zap.ReplaceGlobals(logger)
		defer undo()

		zap.S().Info("initializing database")
		db, err := registry.InitDB(cfg)
		if err != nil {
			return err
		}

		ctx := context.Background()
		pool, err := newPgxPool(ctx, cfg)
		if err != nil {
			return err
		}
		defer pool.Close()

		zap.S().Info("applying migrations")
		if err := migrations.Migrate(db, pool); err != nil {
			return err
		}
		zap.S().Info("migrations applied")
		return nil
	},
}
