package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"ferma-fiscal/internal/domain"
	"ferma-fiscal/internal/notify"
	"ferma-fiscal/internal/repo"
)

// Reasons reported for updates that did not change a receipt.
const (
	ReasonUnknownReceipt = "unknown_receipt"
	ReasonTerminal       = "already_terminal"
	ReasonUnmapped       = "unmapped_status"
	ReasonUnchanged      = "unchanged"
	ReasonRefused        = "transition_refused"
)

// Update is a status report from the fiscal service, pushed or polled.
type Update struct {
	ReceiptID string
	InvoiceID string
	Code      domain.FiscalStatus
	OfdURL    string
	Message   string
}

type Outcome struct {
	Receipt  *domain.Receipt
	Changed  bool
	Terminal bool
	Ignored  bool
	Reason   string
}

// StatusService applies fiscal status reports to the ledger. Webhook and poll
// both go through Apply, so they converge on the same rules.
type StatusService struct {
	receipts         repo.ReceiptRepo
	ledger           *Ledger
	sender           notify.Sender
	defaultRecipient string
	logger           *slog.Logger
}

func NewStatusService(receipts repo.ReceiptRepo, ledger *Ledger, sender notify.Sender, defaultRecipient string, logger *slog.Logger) *StatusService {
	return &StatusService{
		receipts:         receipts,
		ledger:           ledger,
		sender:           sender,
		defaultRecipient: defaultRecipient,
		logger:           logger,
	}
}

func (s *StatusService) Apply(ctx context.Context, u Update, source string) (Outcome, error) {
	rc, err := s.resolve(ctx, u)
	if err != nil {
		return Outcome{}, err
	}
	if rc == nil {
		s.logger.Info("status update for unknown receipt",
			"receipt_id", u.ReceiptID, "invoice_id", u.InvoiceID, "source", source)
		return Outcome{Ignored: true, Reason: ReasonUnknownReceipt}, nil
	}
	if rc.Status.IsTerminal() {
		return Outcome{Receipt: rc, Terminal: true, Reason: ReasonTerminal}, nil
	}

	target, ok := u.Code.Target()
	if !ok {
		s.logger.Warn("status code does not map to a transition",
			"payment_id", rc.PaymentID, "invoice_id", rc.InvoiceID, "code", int(u.Code), "source", source)
		return Outcome{Receipt: rc, Reason: ReasonUnmapped}, nil
	}
	if target == rc.Status {
		return Outcome{Receipt: rc, Reason: ReasonUnchanged}, nil
	}

	var updated *domain.Receipt
	switch target {
	case domain.ReceiptProcessed:
		updated, err = s.ledger.MarkProcessed(ctx, rc, source)
	case domain.ReceiptConfirmed:
		updated, err = s.ledger.MarkConfirmed(ctx, rc, u.OfdURL, source)
	case domain.ReceiptKKTError:
		updated, err = s.ledger.MarkKKTError(ctx, rc, kktMessage(u), source)
	}
	if errors.Is(err, domain.ErrTransitionRefused) {
		// another writer got there first; report what it left behind
		current, ferr := s.receipts.FindByID(ctx, rc.ID)
		if ferr != nil {
			return Outcome{}, ferr
		}
		if current == nil {
			current = rc
		}
		return Outcome{Receipt: current, Terminal: current.Status.IsTerminal(), Reason: ReasonRefused}, nil
	}
	if err != nil {
		return Outcome{}, err
	}

	if updated.Status == domain.ReceiptConfirmed && updated.OfdURL != "" && updated.OfdURL != rc.OfdURL {
		s.deliver(ctx, updated)
	}
	return Outcome{Receipt: updated, Changed: true, Terminal: updated.Status.IsTerminal()}, nil
}

// resolve prefers receipt_id, which the service assigns and never rewrites.
func (s *StatusService) resolve(ctx context.Context, u Update) (*domain.Receipt, error) {
	if u.ReceiptID != "" {
		rc, err := s.receipts.FindByReceiptID(ctx, u.ReceiptID)
		if err != nil {
			return nil, fmt.Errorf("find receipt %s: %w", u.ReceiptID, err)
		}
		if rc != nil {
			return rc, nil
		}
	}
	if u.InvoiceID != "" {
		rc, err := s.receipts.FindByInvoiceID(ctx, u.InvoiceID)
		if err != nil {
			return nil, fmt.Errorf("find invoice %s: %w", u.InvoiceID, err)
		}
		return rc, nil
	}
	return nil, nil
}

// deliver sends the OFD link to whoever paid. Failures are logged only.
func (s *StatusService) deliver(ctx context.Context, rc *domain.Receipt) {
	recipient := rc.Recipient
	if recipient == "" {
		recipient = s.defaultRecipient
	}
	if recipient == "" || s.sender == nil {
		return
	}
	if err := s.sender.Send(ctx, recipient, notify.ReceiptMessage(rc.OfdURL)); err != nil {
		s.logger.Warn("receipt notification failed",
			"payment_id", rc.PaymentID, "recipient", recipient, "error", err)
	}
}

func kktMessage(u Update) string {
	if u.Message != "" {
		return u.Message
	}
	return fmt.Sprintf("device rejected receipt (status %d)", int(u.Code))
}
