package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"ferma-fiscal/internal/config"
	"ferma-fiscal/internal/database"
	"ferma-fiscal/internal/handler"
	"ferma-fiscal/internal/infrastructure/ferma"
	"ferma-fiscal/internal/infrastructure/lock"
	"ferma-fiscal/internal/metrics"
	"ferma-fiscal/internal/notify"
	"ferma-fiscal/internal/repo"
	"ferma-fiscal/internal/service"
	"ferma-fiscal/internal/worker"
)

var serveMigrate bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the webhook and payment API with fallback polling",
	Long: `Start the HTTP server hosting the fiscal callback route, the payment
trigger and the receipt view, together with the reconciliation worker.

Examples:
  fiscald serve
  fiscald serve --migrate`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&serveMigrate, "migrate", false, "apply the ledger schema before starting")
}

// submitLockTTL covers the longest possible submission including every retry.
func submitLockTTL(cfg config.FermaConfig) time.Duration {
	return time.Duration(cfg.MaxAttempts)*(cfg.RequestTimeout+cfg.InitialBackoff) + time.Minute
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, logger, err := bootstrap()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	db, err := database.NewPostgres(ctx, cfg.Database)
	if err != nil {
		return err
	}
	dbService := database.New(db, cfg.Database.Database, logger)
	defer dbService.Close()

	if serveMigrate {
		if err := database.Migrate(ctx, db); err != nil {
			return err
		}
		logger.Info("ledger schema applied")
	}

	rdb, err := lock.NewRedisClient(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	if rdb != nil {
		defer rdb.Close()
	} else {
		logger.Warn("REDIS_URL not set, submission lock is process local")
	}

	receipts := repo.NewReceiptRepo(db)
	client := ferma.NewClient(cfg.Ferma, logger, ferma.WithMetrics(m))
	ledger := service.NewLedger(receipts, repo.NewSQLTxManager(db), logger, m)
	status := service.NewStatusService(receipts, ledger, notify.New(cfg.Notify, logger), cfg.Notify.DefaultRecipient, logger)

	reconciler := worker.NewReconciliationWorker(receipts, client, status, worker.OptionsFromConfig(cfg), logger, m)
	if n, err := reconciler.Recover(ctx); err != nil {
		logger.Error("recover pending receipts failed", "error", err)
	} else if n > 0 {
		logger.Info("recovered pending receipts", "count", n)
	}

	fiscal := service.NewFiscalizationService(receipts, ledger, client, lock.New(rdb), reconciler, submitLockTTL(cfg.Ferma), logger, m)

	api := handler.New(handler.Options{
		CallbackPath: cfg.Ferma.CallbackPath,
		TrustedCIDRs: cfg.Ferma.TrustedCIDRs,
		CORSOrigins:  cfg.HTTP.CORSOrigins,
	}, handler.Deps{
		Fiscal:   fiscal,
		Status:   status,
		Health:   dbService,
		Gatherer: reg,
		Logger:   logger,
		Metrics:  m,
	})

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		reconciler.Run(gctx)
		return nil
	})
	g.Go(func() error {
		logger.Info("http server listening", "addr", srv.Addr, "callback", cfg.Ferma.CallbackURL())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
