package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"ferma-fiscal/internal/config"
	"ferma-fiscal/internal/infrastructure/ferma"
	"ferma-fiscal/internal/metrics"
	"ferma-fiscal/internal/repo"
	"ferma-fiscal/internal/service"
)

// StatusApplier applies a polled status to the ledger.
type StatusApplier interface {
	Apply(ctx context.Context, u service.Update, source string) (service.Outcome, error)
}

type Options struct {
	QueueSize     int
	Concurrency   int
	Tick          time.Duration
	Delay         time.Duration
	Interval      time.Duration
	MaxAttempts   int
	RecoveryLimit int
}

func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		QueueSize:     cfg.Reconcile.QueueSize,
		Concurrency:   cfg.Reconcile.Concurrency,
		Tick:          cfg.Reconcile.Tick,
		Delay:         cfg.Ferma.FallbackDelay,
		Interval:      cfg.Ferma.FallbackInterval,
		MaxAttempts:   cfg.Ferma.FallbackRetries,
		RecoveryLimit: cfg.Reconcile.RecoveryLimit,
	}
}

type job struct {
	invoiceID string
	due       time.Time
	attempts  int
	running   bool
}

// ReconciliationWorker polls the fiscal service for receipts whose webhook
// has not arrived. Submitters hand invoices over through Schedule; Run owns
// the timing and stops at ctx cancellation.
type ReconciliationWorker struct {
	receipts repo.ReceiptRepo
	gateway  ferma.Gateway
	status   StatusApplier
	opts     Options
	logger   *slog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time

	queue   chan string
	mu      sync.Mutex
	pending map[string]*job
}

func NewReconciliationWorker(
	receipts repo.ReceiptRepo,
	gateway ferma.Gateway,
	status StatusApplier,
	opts Options,
	logger *slog.Logger,
	m *metrics.Metrics,
) *ReconciliationWorker {
	return &ReconciliationWorker{
		receipts: receipts,
		gateway:  gateway,
		status:   status,
		opts:     opts,
		logger:   logger,
		metrics:  m,
		now:      time.Now,
		queue:    make(chan string, max(opts.QueueSize, 1)),
		pending:  make(map[string]*job),
	}
}

// Schedule queues an invoice for polling without blocking. It reports false
// when the queue is full.
func (w *ReconciliationWorker) Schedule(invoiceID string) bool {
	select {
	case w.queue <- invoiceID:
		return true
	default:
		w.logger.Warn("reconciliation queue full, dropping invoice", "invoice_id", invoiceID)
		return false
	}
}

// Pending is the number of invoices currently tracked.
func (w *ReconciliationWorker) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}

// Recover tracks SENT and PROCESSED receipts left over from a previous run.
func (w *ReconciliationWorker) Recover(ctx context.Context) (int, error) {
	now := w.now()
	receipts, err := w.receipts.FindAwaitingConfirmation(ctx, now, w.opts.RecoveryLimit)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, rc := range receipts {
		if w.track(rc.InvoiceID, rc.UpdatedAt.Add(w.opts.Delay)) {
			n++
		}
	}
	w.logger.Info("reconciliation recovered receipts", "count", n)
	return n, nil
}

func (w *ReconciliationWorker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.opts.Tick)
	defer ticker.Stop()

	w.logger.Info("reconciliation worker started",
		"delay", w.opts.Delay, "interval", w.opts.Interval, "max_attempts", w.opts.MaxAttempts)

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("reconciliation worker stopped", "pending", w.Pending())
			return
		case invoiceID := <-w.queue:
			w.track(invoiceID, w.now().Add(w.opts.Delay))
		case <-ticker.C:
			w.process(ctx)
		}
	}
}

func (w *ReconciliationWorker) track(invoiceID string, due time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, exists := w.pending[invoiceID]; exists {
		w.logger.Debug("invoice already tracked", "invoice_id", invoiceID)
		return false
	}
	w.pending[invoiceID] = &job{invoiceID: invoiceID, due: due}
	w.metrics.SetReconcilePending(len(w.pending))
	return true
}

// process polls every due job, at most Concurrency at a time, and returns
// once all of them finished.
func (w *ReconciliationWorker) process(ctx context.Context) {
	now := w.now()
	var due []*job

	w.mu.Lock()
	for _, j := range w.pending {
		if !j.running && !now.Before(j.due) {
			j.running = true
			due = append(due, j)
		}
	}
	w.mu.Unlock()

	if len(due) == 0 {
		return
	}

	var g errgroup.Group
	g.SetLimit(max(w.opts.Concurrency, 1))
	for _, j := range due {
		g.Go(func() error {
			w.poll(ctx, j)
			return nil
		})
	}
	_ = g.Wait()
}

func (w *ReconciliationWorker) poll(ctx context.Context, j *job) {
	j.attempts++
	log := w.logger.With("invoice_id", j.invoiceID, "attempt", j.attempts)

	res, err := w.gateway.CheckStatus(ctx, ferma.StatusQuery{InvoiceID: j.invoiceID})
	if err != nil {
		if ctx.Err() != nil {
			w.release(j)
			return
		}
		log.Error("status poll failed", "error", err)
		w.finish(j, "error")
		return
	}

	out, err := w.status.Apply(ctx, service.Update{
		InvoiceID: j.invoiceID,
		Code:      res.Code,
		OfdURL:    res.OfdURL,
	}, service.SourcePoll)
	switch {
	case err != nil:
		log.Error("apply polled status failed", "error", err)
		w.finish(j, "error")
	case out.Ignored:
		log.Info("polled invoice is not tracked locally")
		w.finish(j, "ignored")
	case out.Terminal:
		log.Info("receipt reached final status", "status", out.Receipt.Status)
		w.finish(j, "terminal")
	case j.attempts >= w.opts.MaxAttempts:
		log.Warn("fallback polling exhausted, receipt left for manual follow-up", "code", res.Code.String())
		w.finish(j, "exhausted")
	default:
		w.metrics.IncPoll("pending")
		w.mu.Lock()
		j.due = w.now().Add(w.opts.Interval)
		j.running = false
		w.mu.Unlock()
	}
}

func (w *ReconciliationWorker) finish(j *job, result string) {
	w.metrics.IncPoll(result)
	w.mu.Lock()
	delete(w.pending, j.invoiceID)
	w.metrics.SetReconcilePending(len(w.pending))
	w.mu.Unlock()
}

// release hands a job interrupted by shutdown back without counting the attempt.
func (w *ReconciliationWorker) release(j *job) {
	w.mu.Lock()
	j.attempts--
	j.running = false
	w.mu.Unlock()
}
