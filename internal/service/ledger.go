package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"ferma-fiscal/internal/domain"
	"ferma-fiscal/internal/metrics"
	"ferma-fiscal/internal/repo"
)

// Writers recorded with every transition.
const (
	SourceOrchestrator = "orchestrator"
	SourceWebhook      = "webhook"
	SourcePoll         = "poll"
	SourceManual       = "manual"
)

// Ledger owns every write to the receipt table. Each write runs in its own
// transaction and re-checks the stored status inside the UPDATE.
type Ledger struct {
	repo    repo.ReceiptRepo
	tx      repo.TxManager
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

func NewLedger(receipts repo.ReceiptRepo, tx repo.TxManager, logger *slog.Logger, m *metrics.Metrics) *Ledger {
	return &Ledger{repo: receipts, tx: tx, logger: logger, metrics: m, now: time.Now}
}

// Open returns the receipt for the payment, creating a NEW one if none exists.
func (l *Ledger) Open(ctx context.Context, ev domain.PaymentEvent) (*domain.Receipt, bool, error) {
	var (
		rc      *domain.Receipt
		created bool
	)
	err := l.tx.RunInTx(ctx, func(ctx context.Context) error {
		existing, err := l.repo.FindByPaymentID(ctx, ev.PaymentID)
		if err != nil {
			return err
		}
		if existing != nil {
			rc = existing
			return nil
		}
		rc = domain.NewReceipt(ev, l.now())
		created = true
		return l.repo.Create(ctx, rc)
	})
	if errors.Is(err, domain.ErrConflict) {
		// a concurrent delivery created it first
		rc, err = l.repo.FindByPaymentID(ctx, ev.PaymentID)
		created = false
		if err == nil && rc == nil {
			err = fmt.Errorf("%w: payment %s", domain.ErrNotFound, ev.PaymentID)
		}
	}
	if err != nil {
		return nil, false, fmt.Errorf("open receipt for payment %s: %w", ev.PaymentID, err)
	}
	if created {
		l.logger.Info("receipt created", "payment_id", rc.PaymentID, "invoice_id", rc.InvoiceID, "amount", rc.Amount.StringFixed(2))
	}
	return rc, created, nil
}

func (l *Ledger) MarkSent(ctx context.Context, rc *domain.Receipt, receiptID, invoiceID string) (*domain.Receipt, error) {
	return l.apply(ctx, rc, domain.Transition{
		To:           domain.ReceiptSent,
		ReceiptID:    receiptID,
		InvoiceID:    invoiceID,
		SetError:     true,
		CountAttempt: true,
	}, SourceOrchestrator)
}

func (l *Ledger) MarkFailed(ctx context.Context, rc *domain.Receipt, cause error) (*domain.Receipt, error) {
	return l.apply(ctx, rc, domain.Transition{
		To:           domain.ReceiptFailed,
		Error:        cause.Error(),
		SetError:     true,
		CountAttempt: true,
	}, SourceOrchestrator)
}

func (l *Ledger) MarkProcessed(ctx context.Context, rc *domain.Receipt, source string) (*domain.Receipt, error) {
	return l.apply(ctx, rc, domain.Transition{To: domain.ReceiptProcessed}, source)
}

func (l *Ledger) MarkConfirmed(ctx context.Context, rc *domain.Receipt, ofdURL, source string) (*domain.Receipt, error) {
	return l.apply(ctx, rc, domain.Transition{To: domain.ReceiptConfirmed, OfdURL: ofdURL}, source)
}

func (l *Ledger) MarkKKTError(ctx context.Context, rc *domain.Receipt, message, source string) (*domain.Receipt, error) {
	return l.apply(ctx, rc, domain.Transition{To: domain.ReceiptKKTError, Error: message, SetError: true}, source)
}

func (l *Ledger) MarkDuplicate(ctx context.Context, rc *domain.Receipt, reason string) (*domain.Receipt, error) {
	return l.apply(ctx, rc, domain.Transition{To: domain.ReceiptDuplicate, Error: reason, SetError: true}, SourceManual)
}

func (l *Ledger) apply(ctx context.Context, rc *domain.Receipt, t domain.Transition, source string) (*domain.Receipt, error) {
	var out *domain.Receipt
	err := l.tx.RunInTx(ctx, func(ctx context.Context) error {
		var err error
		out, err = l.repo.Transition(ctx, rc.ID, t, l.now())
		return err
	})
	if err != nil {
		if errors.Is(err, domain.ErrTransitionRefused) {
			l.logger.Warn("receipt transition refused",
				"payment_id", rc.PaymentID,
				"invoice_id", rc.InvoiceID,
				"from", rc.Status,
				"to", t.To,
				"source", source,
			)
		}
		return nil, err
	}

	l.metrics.IncTransition(string(t.To), source)
	l.logger.Info("receipt transition",
		"payment_id", out.PaymentID,
		"invoice_id", out.InvoiceID,
		"receipt_id", out.ReceiptID,
		"from", rc.Status,
		"to", out.Status,
		"source", source,
	)
	return out, nil
}
