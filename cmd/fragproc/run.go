package main

import (
	"context"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kubev2v/fragproc/internal/config"
	"github.com/kubev2v/fragproc/internal/metrics"
	"github.com/kubev2v/fragproc/internal/registry"
	"github.com/kubev2v/fragproc/internal/runner"
	"github.com/kubev2v/fragproc/internal/scheduler"
	"github.com/kubev2v/fragproc/internal/server"
	"github.com/kubev2v/fragproc/internal/source"
	"github.com/kubev2v/fragproc/internal/validator"
	"github.com/kubev2v/fragproc/pkg/log"
	promclient "github.com/prometheus/client_golang/prometheus"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the fragment processor service",
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

		zap.S().Info("starting fragment processor")

		db, err := registry.InitDB(cfg)
		if err != nil {
			return err
		}
		reg := registry.NewGormRegistry(db)

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGHUP, syscall.SIGTERM, syscall.SIGQUIT)
		defer cancel()

		pool, err := newPgxPool(ctx, cfg)
		if err != nil {
			return err
		}
		defer pool.Close()

		promclient.MustRegister(metrics.NewCollector(reg))

		refLoader := staticReferenceLoader{}
		sourceFactory := func(job *registry.Job) (source.Source, error) {
			return source.NewHTTPSource(job.DownloadURL), nil
		}

		r := &runner.Runner{
			Registry:  reg,
			RefLoader: refLoader,
			NewSource: sourceFactory,
			Config:    cfg,
		}
		processJobWorker := &runner.ProcessJobWorker{Runner: r}

		sched, err := scheduler.New(ctx, pool, reg, nil, processJobWorker, cfg.Ingest.MaxConcurrentJobs)
		if err != nil {
			return err
		}
		r.Handles = sched

		heartbeatTimeout := time.Duration(cfg.Ingest.HeartbeatTimeoutSec) * time.Second
		recovered, err := sched.RecoverStaleJobs(ctx, heartbeatTimeout)
		if err != nil {
			zap.S().Errorw("stale job recovery failed", "error", err)
		} else if recovered > 0 {
			zap.S().Infow("recovered stale jobs at startup", "count", recovered)
		}

		if err := sched.Start(ctx); err != nil {
			return err
		}
		defer func() { _ = sched.Stop(context.Background()) }()

		listener, err := net.Listen("tcp", cfg.Service.Address)
		if err != nil {
			return err
		}

		srv := server.New(cfg, db, listener)
		errCh := make(chan error, 1)
		go func() { errCh <- srv.Run(ctx) }()

		select {
		case <-ctx.Done():
			return nil
		case err := <-errCh:
			return err
		}
	},
}

// staticReferenceLoader is a placeholder ReferenceDataLoader: the base
// specification treats the reference-data source as a contract the
// deployment fills in (a database table, a config map, an upstream
// service). This loader returns an empty snapshot, under which every
// referenced value passes (validator.ReferenceData.contains treats an
// absent or empty category as unconstrained).
type staticReferenceLoader struct{}

func (staticReferenceLoader) Load(context.Context, *registry.Job) (validator.ReferenceData, error) {
	return validator.ReferenceData{}, nil
}
