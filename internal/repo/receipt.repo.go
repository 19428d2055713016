package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"ferma-fiscal/internal/domain"
)

type ReceiptRepo interface {
	// Create inserts a NEW receipt; a second receipt for the same payment id yields domain.ErrConflict.
	Create(ctx context.Context, receipt *domain.Receipt) error
	// Find* return (nil, nil) when nothing matches.
	FindByID(ctx context.Context, id uuid.UUID) (*domain.Receipt, error)
	FindByPaymentID(ctx context.Context, paymentID string) (*domain.Receipt, error)
	FindByInvoiceID(ctx context.Context, invoiceID string) (*domain.Receipt, error)
	FindByReceiptID(ctx context.Context, receiptID string) (*domain.Receipt, error)
	// Transition applies t only if the stored status still allows it, and returns the
	// stored row after the write. A refused write yields domain.ErrTransitionRefused.
	Transition(ctx context.Context, id uuid.UUID, t domain.Transition, now time.Time) (*domain.Receipt, error)
	// FindAwaitingConfirmation lists SENT/PROCESSED receipts last touched before the cutoff.
	FindAwaitingConfirmation(ctx context.Context, before time.Time, limit int) ([]domain.Receipt, error)
}

const receiptColumns = `id, payment_id, invoice_id, COALESCE(receipt_id, ''), amount, description,
	COALESCE(customer_email, ''), COALESCE(customer_phone, ''), COALESCE(recipient, ''), status,
	COALESCE(ofd_receipt_url, ''), COALESCE(last_error, ''), attempts, created_at, updated_at`

const uniqueViolation = "23505"

type receiptRepo struct {
	db *sql.DB
}

func NewReceiptRepo(db *sql.DB) ReceiptRepo {
	return &receiptRepo{db: db}
}

func (r *receiptRepo) exec(ctx context.Context) executor {
	if tx, ok := txFrom(ctx); ok {
		return tx
	}
	return r.db
}

func (r *receiptRepo) Create(ctx context.Context, receipt *domain.Receipt) error {
	query := `INSERT INTO payment_receipts (id, payment_id, invoice_id, receipt_id, amount, description,
		customer_email, customer_phone, recipient, status, ofd_receipt_url, last_error, attempts, created_at, updated_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, NULLIF($7, ''), NULLIF($8, ''), NULLIF($9, ''), $10,
		NULLIF($11, ''), NULLIF($12, ''), $13, $14, $15)`

	_, err := r.exec(ctx).ExecContext(
		ctx, query,
		receipt.ID, receipt.PaymentID, receipt.InvoiceID, receipt.ReceiptID, receipt.Amount, receipt.Description,
		receipt.CustomerEmail, receipt.CustomerPhone, receipt.Recipient, string(receipt.Status),
		receipt.OfdURL, receipt.LastError, receipt.AttemptCount, receipt.CreatedAt, receipt.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("%w: payment %s", domain.ErrConflict, receipt.PaymentID)
		}
		return fmt.Errorf("insert receipt: %w", err)
	}
	return nil
}

func (r *receiptRepo) FindByID(ctx context.Context, id uuid.UUID) (*domain.Receipt, error) {
	return r.findOne(ctx, "id = $1", id)
}

func (r *receiptRepo) FindByPaymentID(ctx context.Context, paymentID string) (*domain.Receipt, error) {
	return r.findOne(ctx, "payment_id = $1", paymentID)
}

// FindByInvoiceID prefers the most recently touched row; invoice ids are not
// unique because the service may hand back a canonical id.
func (r *receiptRepo) FindByInvoiceID(ctx context.Context, invoiceID string) (*domain.Receipt, error) {
	return r.findOne(ctx, "invoice_id = $1 ORDER BY updated_at DESC LIMIT 1", invoiceID)
}

func (r *receiptRepo) FindByReceiptID(ctx context.Context, receiptID string) (*domain.Receipt, error) {
	return r.findOne(ctx, "receipt_id = $1 ORDER BY updated_at DESC LIMIT 1", receiptID)
}

func (r *receiptRepo) findOne(ctx context.Context, where string, arg any) (*domain.Receipt, error) {
	row := r.exec(ctx).QueryRowContext(ctx, "SELECT "+receiptColumns+" FROM payment_receipts WHERE "+where, arg)
	receipt, err := scanReceipt(row)
	if err == sql.ErrNoRows {
		return nil, nil // not found
	}
	if err != nil {
		return nil, fmt.Errorf("select receipt: %w", err)
	}
	return receipt, nil
}

func (r *receiptRepo) Transition(ctx context.Context, id uuid.UUID, t domain.Transition, now time.Time) (*domain.Receipt, error) {
	allowed := make([]string, 0, 6)
	for _, s := range domain.AllowedFrom(t.To) {
		allowed = append(allowed, string(s))
	}

	query := `
		UPDATE payment_receipts
		SET status = $2,
		    receipt_id = COALESCE(NULLIF($3, ''), receipt_id),
		    invoice_id = COALESCE(NULLIF($4, ''), invoice_id),
		    ofd_receipt_url = CASE WHEN $2 = 'CONFIRMED' THEN NULLIF($5, '') ELSE ofd_receipt_url END,
		    last_error = CASE WHEN $6 THEN NULLIF($7, '') ELSE last_error END,
		    attempts = attempts + $8,
		    updated_at = $9
		WHERE id = $1 AND status = ANY($10)
		RETURNING ` + receiptColumns

	attempt := 0
	if t.CountAttempt {
		attempt = 1
	}
	row := r.exec(ctx).QueryRowContext(
		ctx, query,
		id, string(t.To), t.ReceiptID, t.InvoiceID, t.OfdURL, t.SetError, t.TruncatedError(), attempt, now, allowed,
	)
	receipt, err := scanReceipt(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: receipt %s -> %s", domain.ErrTransitionRefused, id, t.To)
	}
	if err != nil {
		return nil, fmt.Errorf("update receipt: %w", err)
	}
	return receipt, nil
}

func (r *receiptRepo) FindAwaitingConfirmation(ctx context.Context, before time.Time, limit int) ([]domain.Receipt, error) {
	query := `SELECT ` + receiptColumns + ` FROM payment_receipts
		WHERE status IN ($1, $2)
		AND updated_at < $3
		ORDER BY updated_at
		LIMIT $4`
	rows, err := r.exec(ctx).QueryContext(ctx, query, string(domain.ReceiptSent), string(domain.ReceiptProcessed), before, limit)
	if err != nil {
		return nil, fmt.Errorf("select awaiting receipts: %w", err)
	}
	defer rows.Close()

	var receipts []domain.Receipt
	for rows.Next() {
		receipt, err := scanReceipt(rows)
		if err != nil {
			return nil, err
		}
		receipts = append(receipts, *receipt)
	}
	return receipts, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanReceipt(s scanner) (*domain.Receipt, error) {
	var r domain.Receipt
	err := s.Scan(
		&r.ID,
		&r.PaymentID,
		&r.InvoiceID,
		&r.ReceiptID,
		&r.Amount,
		&r.Description,
		&r.CustomerEmail,
		&r.CustomerPhone,
		&r.Recipient,
		&r.Status,
		&r.OfdURL,
		&r.LastError,
		&r.AttemptCount,
		&r.CreatedAt,
		&r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &r, nil
}
