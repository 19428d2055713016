package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"ferma-fiscal/internal/domain"
	"ferma-fiscal/internal/infrastructure/ferma"
	"ferma-fiscal/internal/infrastructure/lock"
	"ferma-fiscal/internal/metrics"
	"ferma-fiscal/internal/repo"
)

// Scheduler queues a receipt for fallback status polling.
type Scheduler interface {
	Schedule(invoiceID string) bool
}

type Result struct {
	OK      bool
	Reused  bool
	Receipt *domain.Receipt
	Error   string
}

type FiscalizationService interface {
	HandlePaymentSucceeded(ctx context.Context, ev domain.PaymentEvent) (*Result, error)
	Receipt(ctx context.Context, paymentID string) (*domain.Receipt, error)
}

type fiscalizationService struct {
	receipts  repo.ReceiptRepo
	ledger    *Ledger
	gateway   ferma.Gateway
	locker    lock.Locker
	scheduler Scheduler
	lockTTL   time.Duration
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

func NewFiscalizationService(
	receipts repo.ReceiptRepo,
	ledger *Ledger,
	gateway ferma.Gateway,
	locker lock.Locker,
	scheduler Scheduler,
	lockTTL time.Duration,
	logger *slog.Logger,
	m *metrics.Metrics,
) FiscalizationService {
	return &fiscalizationService{
		receipts:  receipts,
		ledger:    ledger,
		gateway:   gateway,
		locker:    locker,
		scheduler: scheduler,
		lockTTL:   lockTTL,
		logger:    logger,
		metrics:   m,
	}
}

// HandlePaymentSucceeded issues at most one accepted submission per payment.
// A receipt left in FAILED is submitted again on the next delivery of the event.
func (s *fiscalizationService) HandlePaymentSucceeded(ctx context.Context, ev domain.PaymentEvent) (*Result, error) {
	if err := ev.Validate(); err != nil {
		return nil, err
	}

	release, err := s.locker.Acquire(ctx, ev.PaymentID, s.lockTTL)
	if err != nil {
		if errors.Is(err, domain.ErrSubmissionInProgress) {
			s.metrics.IncSubmission("in_progress")
			s.logger.Info("submission already in progress", "payment_id", ev.PaymentID)
		}
		return nil, err
	}
	defer func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			s.logger.Warn("release submission lock", "payment_id", ev.PaymentID, "error", err)
		}
	}()

	existing, err := s.receipts.FindByPaymentID(ctx, ev.PaymentID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		if res, err := s.shortCircuit(existing); res != nil {
			return res, err
		}
	}

	rc, _, err := s.ledger.Open(ctx, ev)
	if err != nil {
		return nil, err
	}

	submitted, err := s.gateway.SubmitReceipt(ctx, ferma.InputFromReceipt(rc))
	// the outcome must be recorded even if the caller went away meanwhile
	writeCtx := context.WithoutCancel(ctx)
	if err != nil {
		s.metrics.IncSubmission("failed")
		s.logger.Error("receipt submission failed",
			"payment_id", rc.PaymentID, "invoice_id", rc.InvoiceID, "retryable", ferma.IsRetryable(err), "error", err)

		failed, markErr := s.ledger.MarkFailed(writeCtx, rc, err)
		if markErr != nil {
			return &Result{Receipt: rc, Error: err.Error()}, errors.Join(err, markErr)
		}
		return &Result{Receipt: failed, Error: err.Error()}, fmt.Errorf("submit receipt for payment %s: %w", rc.PaymentID, err)
	}

	sent, err := s.ledger.MarkSent(writeCtx, rc, submitted.ReceiptID, submitted.InvoiceID)
	if err != nil {
		return nil, fmt.Errorf("mark receipt sent for payment %s: %w", rc.PaymentID, err)
	}
	s.metrics.IncSubmission("sent")

	if s.scheduler != nil && !s.scheduler.Schedule(sent.InvoiceID) {
		s.logger.Warn("fallback polling not scheduled", "payment_id", sent.PaymentID, "invoice_id", sent.InvoiceID)
	}
	return &Result{OK: true, Receipt: sent}, nil
}

// shortCircuit answers deliveries for receipts that must not be submitted again.
// A nil result means the receipt may be submitted.
func (s *fiscalizationService) shortCircuit(rc *domain.Receipt) (*Result, error) {
	switch {
	case rc.Status.InFlight(), rc.Status == domain.ReceiptDuplicate:
		s.metrics.IncSubmission("duplicate")
		s.logger.Info("receipt already submitted",
			"payment_id", rc.PaymentID, "invoice_id", rc.InvoiceID, "receipt_id", rc.ReceiptID, "status", rc.Status)
		return &Result{OK: true, Reused: true, Receipt: rc}, nil
	case rc.Status == domain.ReceiptKKTError:
		return &Result{Reused: true, Receipt: rc, Error: rc.LastError},
			fmt.Errorf("%w: receipt for payment %s ended with %s", domain.ErrTransitionRefused, rc.PaymentID, rc.Status)
	}
	return nil, nil
}

func (s *fiscalizationService) Receipt(ctx context.Context, paymentID string) (*domain.Receipt, error) {
	rc, err := s.receipts.FindByPaymentID(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if rc == nil {
		return nil, fmt.Errorf("%w: payment %s", domain.ErrNotFound, paymentID)
	}
	return rc, nil
}
