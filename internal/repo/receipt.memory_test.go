package repo

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ferma-fiscal/internal/domain"
)

func newReceipt(paymentID string, now time.Time) *domain.Receipt {
	return domain.NewReceipt(domain.PaymentEvent{
		PaymentID: paymentID,
		Amount:    decimal.RequireFromString("100.00"),
	}, now)
}

func TestInMemoryReceiptRepo_CreateIsUniquePerPayment(t *testing.T) {
	ctx := context.Background()
	repo := NewInMemoryReceiptRepo()
	now := time.Now()

	require.NoError(t, repo.Create(ctx, newReceipt("pay_1", now)))
	err := repo.Create(ctx, newReceipt("pay_1", now))
	assert.ErrorIs(t, err, domain.ErrConflict)
}

func TestInMemoryReceiptRepo_Lookups(t *testing.T) {
	ctx := context.Background()
	repo := NewInMemoryReceiptRepo()
	now := time.Now()

	rc := newReceipt("pay_1", now)
	require.NoError(t, repo.Create(ctx, rc))

	_, err := repo.Transition(ctx, rc.ID, domain.Transition{To: domain.ReceiptSent, ReceiptID: "R1", InvoiceID: "canon"}, now)
	require.NoError(t, err)

	byPay, err := repo.FindByPaymentID(ctx, "pay_1")
	require.NoError(t, err)
	require.NotNil(t, byPay)
	assert.Equal(t, "canon", byPay.InvoiceID)

	byInvoice, err := repo.FindByInvoiceID(ctx, "canon")
	require.NoError(t, err)
	require.NotNil(t, byInvoice)
	assert.Equal(t, rc.ID, byInvoice.ID)

	byReceipt, err := repo.FindByReceiptID(ctx, "R1")
	require.NoError(t, err)
	require.NotNil(t, byReceipt)
	assert.Equal(t, rc.ID, byReceipt.ID)

	missing, err := repo.FindByInvoiceID(ctx, "pay_1")
	require.NoError(t, err)
	assert.Nil(t, missing)

	none, err := repo.FindByReceiptID(ctx, "")
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestInMemoryReceiptRepo_TransitionRefusesTerminal(t *testing.T) {
	ctx := context.Background()
	repo := NewInMemoryReceiptRepo()
	now := time.Now()

	rc := newReceipt("pay_1", now)
	require.NoError(t, repo.Create(ctx, rc))
	_, err := repo.Transition(ctx, rc.ID, domain.Transition{To: domain.ReceiptSent, ReceiptID: "R1"}, now)
	require.NoError(t, err)
	_, err = repo.Transition(ctx, rc.ID, domain.Transition{To: domain.ReceiptConfirmed, OfdURL: "https://ofd/1"}, now)
	require.NoError(t, err)

	_, err = repo.Transition(ctx, rc.ID, domain.Transition{To: domain.ReceiptKKTError, Error: "boom", SetError: true}, now)
	assert.ErrorIs(t, err, domain.ErrTransitionRefused)

	stored, err := repo.FindByID(ctx, rc.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ReceiptConfirmed, stored.Status)
	assert.Equal(t, "https://ofd/1", stored.OfdURL)
	assert.Empty(t, stored.LastError)
}

func TestInMemoryReceiptRepo_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	repo := NewInMemoryReceiptRepo()
	rc := newReceipt("pay_1", time.Now())
	require.NoError(t, repo.Create(ctx, rc))

	found, err := repo.FindByID(ctx, rc.ID)
	require.NoError(t, err)
	found.Status = domain.ReceiptConfirmed

	again, err := repo.FindByID(ctx, rc.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ReceiptNew, again.Status)
}

func TestInMemoryReceiptRepo_FindAwaitingConfirmation(t *testing.T) {
	ctx := context.Background()
	repo := NewInMemoryReceiptRepo()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i, id := range []string{"a", "b", "c", "d"} {
		rc := newReceipt(id, base)
		require.NoError(t, repo.Create(ctx, rc))
		if id == "d" {
			continue
		}
		_, err := repo.Transition(ctx, rc.ID, domain.Transition{To: domain.ReceiptSent, ReceiptID: "R-" + id}, base.Add(time.Duration(i)*time.Minute))
		require.NoError(t, err)
	}

	found, err := repo.FindAwaitingConfirmation(ctx, base.Add(90*time.Second), 10)
	require.NoError(t, err)
	require.Len(t, found, 2)
	assert.Equal(t, "a", found[0].PaymentID)
	assert.Equal(t, "b", found[1].PaymentID)

	limited, err := repo.FindAwaitingConfirmation(ctx, base.Add(time.Hour), 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}
