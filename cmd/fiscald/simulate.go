package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"ferma-fiscal/internal/config"
	"ferma-fiscal/internal/domain"
	"ferma-fiscal/internal/handler"
	"ferma-fiscal/internal/infrastructure/ferma"
	"ferma-fiscal/internal/infrastructure/lock"
	"ferma-fiscal/internal/logging"
	"ferma-fiscal/internal/metrics"
	"ferma-fiscal/internal/notify"
	"ferma-fiscal/internal/repo"
	"ferma-fiscal/internal/service"
	"ferma-fiscal/internal/worker"
)

var (
	simPayments     int
	simAttempts     int
	simFake         ferma.FakeOptions
	simWait         time.Duration
	simPollDelay    time.Duration
	simPollInterval time.Duration
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run payments against an unreliable in-process fiscal service",
	Long: `Drive the whole pipeline against a fake fiscal service that drops requests,
times out after registering receipts and skips callbacks, then print the
ledger so every payment can be checked for exactly one receipt.

Examples:
  fiscald simulate
  fiscald simulate --payments 50 --phantom 30 --drop-callback 50`,
	RunE: runSimulate,
}

func init() {
	f := simulateCmd.Flags()
	f.IntVar(&simPayments, "payments", 20, "number of payments to fiscalize")
	f.IntVar(&simAttempts, "attempts", 2, "submission attempts per delivery")
	f.IntVar(&simFake.TransientPercent, "transient", 15, "percent of submissions answered with 503")
	f.IntVar(&simFake.PhantomPercent, "phantom", 25, "percent of submissions registered but answered with 504")
	f.IntVar(&simFake.KKTErrorPercent, "kkt-error", 5, "percent of receipts rejected by the device")
	f.IntVar(&simFake.DropCallbackPercent, "drop-callback", 30, "percent of receipts without a webhook")
	f.DurationVar(&simFake.ConfirmAfter, "confirm-after", 400*time.Millisecond, "time a receipt stays PROCESSED")
	f.DurationVar(&simPollDelay, "poll-delay", time.Second, "delay before the first fallback poll")
	f.DurationVar(&simPollInterval, "poll-interval", 500*time.Millisecond, "interval between fallback polls")
	f.DurationVar(&simWait, "wait", 5*time.Second, "time to let callbacks and polls settle")
}

func runSimulate(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	gin.SetMode(gin.ReleaseMode)
	logger := logging.New(config.LoggingConfig{Level: "warn", Format: "text"})
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	fake := ferma.NewFakeServer(simFake, logger)
	defer fake.Close()
	fermaSrv := httptest.NewServer(fake.Handler())
	defer fermaSrv.Close()

	// the callback listener must exist before the client learns its URL
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("listen for callbacks: %w", err)
	}

	fcfg := config.FermaConfig{
		BaseURL:        fermaSrv.URL,
		Login:          "simulator",
		Password:       "simulator",
		INN:            "7707083893",
		TaxationSystem: "SimpleIn",
		Vat:            "VatNo",
		PaymentType:    4,
		PaymentMethod:  4,
		Measure:        "PIECE",
		PublicBaseURL:  "http://" + ln.Addr().String(),
		CallbackPath:   "/webhook/ferma",
		RequestTimeout: 2 * time.Second,
		MaxAttempts:    simAttempts,
		InitialBackoff: 50 * time.Millisecond,
	}

	receipts := repo.NewInMemoryReceiptRepo()
	client := ferma.NewClient(fcfg, logger, ferma.WithMetrics(m))
	ledger := service.NewLedger(receipts, repo.NoopTxManager{}, logger, m)
	status := service.NewStatusService(receipts, ledger, notify.NewLogSender(logger), "", logger)
	reconciler := worker.NewReconciliationWorker(receipts, client, status, worker.Options{
		QueueSize:     simPayments * 2,
		Concurrency:   4,
		Tick:          100 * time.Millisecond,
		Delay:         simPollDelay,
		Interval:      simPollInterval,
		MaxAttempts:   10,
		RecoveryLimit: simPayments,
	}, logger, m)
	fiscal := service.NewFiscalizationService(receipts, ledger, client, lock.NewMemoryLocker(), reconciler, time.Minute, logger, m)

	api := handler.New(handler.Options{CallbackPath: fcfg.CallbackPath}, handler.Deps{
		Fiscal: fiscal, Status: status, Gatherer: reg, Logger: logger, Metrics: m,
	})
	callbackSrv := &http.Server{Handler: api.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := callbackSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("callback server stopped", "error", err)
		}
	}()
	defer callbackSrv.Close()

	workerDone := make(chan struct{})
	go func() {
		reconciler.Run(ctx)
		close(workerDone)
	}()

	fmt.Printf("--- STARTING SIMULATION (%d PAYMENTS) ---\n", simPayments)
	events := make([]domain.PaymentEvent, 0, simPayments)
	for i := 0; i < simPayments; i++ {
		ev := domain.PaymentEvent{
			PaymentID:   "sim-" + uuid.NewString()[:8],
			Amount:      decimal.NewFromInt(int64(100 + 10*i)),
			Description: fmt.Sprintf("Подписка, заказ %d", i+1),
		}
		events = append(events, ev)
		deliver(ctx, fiscal, receipts, i+1, ev)
	}

	// the payment provider redelivers events that were not answered with success
	fmt.Println("--- REDELIVERING FAILED PAYMENTS ---")
	for i, ev := range events {
		rc, err := receipts.FindByPaymentID(ctx, ev.PaymentID)
		if err == nil && rc != nil && rc.Status == domain.ReceiptFailed {
			deliver(ctx, fiscal, receipts, i+1, ev)
		}
	}

	fmt.Printf("--- WAITING %s FOR CALLBACKS AND POLLS ---\n", simWait)
	time.Sleep(simWait)
	cancel()
	<-workerDone

	counts := make(map[domain.ReceiptStatus]int)
	for _, ev := range events {
		rc, _ := receipts.FindByPaymentID(context.Background(), ev.PaymentID)
		if rc == nil {
			continue
		}
		counts[rc.Status]++
		fmt.Printf("%-13s %-10s attempts=%d receipt=%s\n", rc.PaymentID, rc.Status, rc.AttemptCount, rc.ReceiptID)
	}
	fmt.Println("---------------------------------------------------")
	fmt.Printf("payments=%d submissions_seen_by_fake=%d pending_polls=%d\n", len(events), fake.Submissions(), reconciler.Pending())
	for _, st := range []domain.ReceiptStatus{
		domain.ReceiptConfirmed, domain.ReceiptProcessed, domain.ReceiptSent,
		domain.ReceiptFailed, domain.ReceiptKKTError,
	} {
		fmt.Printf("  %-10s %d\n", st, counts[st])
	}
	return nil
}

func deliver(ctx context.Context, fiscal service.FiscalizationService, receipts repo.ReceiptRepo, n int, ev domain.PaymentEvent) {
	fmt.Printf("[%d] Fiscalizing payment %s ... ", n, ev.PaymentID)
	res, err := fiscal.HandlePaymentSucceeded(ctx, ev)
	switch {
	case err != nil:
		fmt.Printf("FAILED: %v\n", err)
	case res.Reused:
		fmt.Printf("REUSED\n")
	default:
		fmt.Printf("SENT\n")
	}

	fresh, _ := receipts.FindByPaymentID(ctx, ev.PaymentID)
	if fresh != nil {
		fmt.Printf("    -> Ledger Status: %s\n", fresh.Status)
	}
}
