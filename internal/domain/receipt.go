package domain

import (
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type ReceiptStatus string

const (
	ReceiptNew       ReceiptStatus = "NEW"
	ReceiptSent      ReceiptStatus = "SENT"
	ReceiptProcessed ReceiptStatus = "PROCESSED"
	ReceiptConfirmed ReceiptStatus = "CONFIRMED"
	ReceiptKKTError  ReceiptStatus = "KKT_ERROR"
	ReceiptFailed    ReceiptStatus = "FAILED"
	ReceiptDuplicate ReceiptStatus = "DUPLICATE"
)

// maxErrorLen caps last_error, in characters, so a huge remote payload cannot bloat the ledger.
const maxErrorLen = 4000

// IsTerminal reports whether no further write may change the receipt.
func (s ReceiptStatus) IsTerminal() bool {
	return s == ReceiptConfirmed || s == ReceiptKKTError
}

// InFlight reports whether a submission for the payment was accepted and must not be repeated.
func (s ReceiptStatus) InFlight() bool {
	return s == ReceiptSent || s == ReceiptProcessed || s == ReceiptConfirmed
}

// transitions lists the allowed source states for every target state.
// FAILED -> PROCESSED|CONFIRMED|KKT_ERROR covers a submission that timed out locally
// but was accepted remotely and later reported by webhook or poll.
var transitions = map[ReceiptStatus][]ReceiptStatus{
	ReceiptSent:      {ReceiptNew, ReceiptFailed},
	ReceiptFailed:    {ReceiptNew, ReceiptFailed},
	ReceiptProcessed: {ReceiptSent, ReceiptFailed},
	ReceiptConfirmed: {ReceiptSent, ReceiptProcessed, ReceiptFailed},
	ReceiptKKTError:  {ReceiptSent, ReceiptProcessed, ReceiptFailed},
	ReceiptDuplicate: {ReceiptNew, ReceiptSent, ReceiptProcessed, ReceiptFailed, ReceiptDuplicate},
}

// AllowedFrom returns the states a receipt may be in to move to target.
func AllowedFrom(target ReceiptStatus) []ReceiptStatus {
	from := transitions[target]
	out := make([]ReceiptStatus, len(from))
	copy(out, from)
	return out
}

func (s ReceiptStatus) CanTransitionTo(target ReceiptStatus) bool {
	if s.IsTerminal() {
		return false
	}
	for _, from := range transitions[target] {
		if from == s {
			return true
		}
	}
	return false
}

type Receipt struct {
	ID            uuid.UUID
	PaymentID     string
	InvoiceID     string
	ReceiptID     string
	Amount        decimal.Decimal
	Description   string
	CustomerEmail string
	CustomerPhone string
	Recipient     string
	Status        ReceiptStatus
	OfdURL        string
	LastError     string
	AttemptCount  int
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func NewReceipt(ev PaymentEvent, now time.Time) *Receipt {
	return &Receipt{
		ID:            uuid.New(),
		PaymentID:     ev.PaymentID,
		InvoiceID:     ev.PaymentID,
		Amount:        ev.Amount,
		Description:   ev.DescriptionOrDefault(),
		CustomerEmail: ev.Email,
		CustomerPhone: ev.Phone,
		Recipient:     ev.Recipient,
		Status:        ReceiptNew,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// Transition describes one state-machine write. Empty strings leave the
// corresponding field untouched.
type Transition struct {
	To           ReceiptStatus
	ReceiptID    string
	InvoiceID    string
	OfdURL       string
	Error        string
	SetError     bool
	CountAttempt bool
}

// TruncatedError cuts the error text to maxErrorLen characters, never inside a rune.
func (t Transition) TruncatedError() string {
	if utf8.RuneCountInString(t.Error) <= maxErrorLen {
		return t.Error
	}
	return string([]rune(t.Error)[:maxErrorLen])
}

// Apply mutates r according to t, enforcing the state machine and the field invariants.
func (r *Receipt) Apply(t Transition, now time.Time) error {
	if !r.Status.CanTransitionTo(t.To) {
		return fmt.Errorf("%w: %s -> %s", ErrTransitionRefused, r.Status, t.To)
	}
	r.Status = t.To
	if t.ReceiptID != "" {
		r.ReceiptID = t.ReceiptID
	}
	if t.InvoiceID != "" {
		r.InvoiceID = t.InvoiceID
	}
	if t.To == ReceiptConfirmed {
		r.OfdURL = t.OfdURL
	}
	if t.SetError {
		r.LastError = t.TruncatedError()
	}
	if t.CountAttempt {
		r.AttemptCount++
	}
	r.UpdatedAt = now
	return nil
}
