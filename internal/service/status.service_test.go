package service

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ferma-fiscal/internal/domain"
	"ferma-fiscal/internal/infrastructure/ferma"
)

func submitted(t *testing.T, f *fixture, paymentID, receiptID string) *domain.Receipt {
	t.Helper()
	f.gateway.submit = accept(receiptID, paymentID)
	res, err := f.svc.HandlePaymentSucceeded(context.Background(), paymentEvent(paymentID))
	require.NoError(t, err)
	return res.Receipt
}

func TestStatusService_ScenarioA(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rc := submitted(t, f, "pay_1", "R1")
	assert.Equal(t, domain.ReceiptSent, rc.Status)
	assert.Equal(t, "R1", rc.ReceiptID)

	var body struct {
		Data ferma.StatusData `json:"Data"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"Data":{"StatusCode":2,"ReceiptId":"R1","Device":{"OfdReceiptUrl":"https://ofd/1"}}}`), &body))
	u := Update{ReceiptID: body.Data.ReceiptID, Code: body.Data.StatusCode, OfdURL: body.Data.Device.OfdReceiptURL}

	out, err := f.status.Apply(ctx, u, SourceWebhook)
	require.NoError(t, err)
	assert.True(t, out.Changed)
	assert.True(t, out.Terminal)
	assert.Equal(t, domain.ReceiptConfirmed, out.Receipt.Status)
	assert.Equal(t, "https://ofd/1", out.Receipt.OfdURL)
	require.Len(t, f.sender.sent, 1)
	assert.Contains(t, f.sender.sent[0], "tg-42: ")

	before, err := f.receipts.FindByID(ctx, rc.ID)
	require.NoError(t, err)

	again, err := f.status.Apply(ctx, u, SourceWebhook)
	require.NoError(t, err)
	assert.False(t, again.Changed)
	assert.Equal(t, ReasonTerminal, again.Reason)

	after, err := f.receipts.FindByID(ctx, rc.ID)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Len(t, f.sender.sent, 1)
}

func TestStatusService_TerminalNeverRegresses(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rc := submitted(t, f, "pay_1", "R1")

	_, err := f.status.Apply(ctx, Update{ReceiptID: "R1", Code: domain.FiscalConfirmed, OfdURL: "https://ofd/1"}, SourceWebhook)
	require.NoError(t, err)

	for _, u := range []Update{
		{ReceiptID: "R1", Code: domain.FiscalKKTError, Message: "late device error"},
		{ReceiptID: "R1", Code: domain.FiscalProcessed},
		{InvoiceID: "pay_1", Code: domain.FiscalConfirmed, OfdURL: "https://ofd/other"},
	} {
		out, err := f.status.Apply(ctx, u, SourcePoll)
		require.NoError(t, err)
		assert.False(t, out.Changed)
		assert.True(t, out.Terminal)
	}

	stored, err := f.receipts.FindByID(ctx, rc.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ReceiptConfirmed, stored.Status)
	assert.Equal(t, "https://ofd/1", stored.OfdURL)
	assert.Empty(t, stored.LastError)
}

func TestStatusService_NormalizedCodesProduceSameTransition(t *testing.T) {
	var outcomes []domain.ReceiptStatus
	for i, raw := range []string{`2`, `"2"`, `"CONFIRMED"`} {
		f := newFixture(t)
		receiptID := "R" + string(rune('a'+i))
		submitted(t, f, "pay_1", receiptID)

		var code domain.FiscalStatus
		require.NoError(t, json.Unmarshal([]byte(raw), &code))
		out, err := f.status.Apply(context.Background(), Update{ReceiptID: receiptID, Code: code, OfdURL: "https://ofd/1"}, SourceWebhook)
		require.NoError(t, err)
		assert.True(t, out.Changed)
		outcomes = append(outcomes, out.Receipt.Status)
	}
	assert.Equal(t, []domain.ReceiptStatus{domain.ReceiptConfirmed, domain.ReceiptConfirmed, domain.ReceiptConfirmed}, outcomes)
}

func TestStatusService_UnrecognizedCodeLeavesStateUnchanged(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rc := submitted(t, f, "pay_1", "R1")

	for _, raw := range []string{`"SOMETHING"`, `7`, `null`, `0`} {
		var code domain.FiscalStatus
		require.NoError(t, json.Unmarshal([]byte(raw), &code))
		out, err := f.status.Apply(ctx, Update{ReceiptID: "R1", Code: code}, SourceWebhook)
		require.NoError(t, err)
		assert.False(t, out.Changed)
		assert.Equal(t, ReasonUnmapped, out.Reason)
	}

	stored, err := f.receipts.FindByID(ctx, rc.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ReceiptSent, stored.Status)
}

func TestStatusService_ResolvesByReceiptIDFirst(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := submitted(t, f, "pay_a", "R1")
	b := submitted(t, f, "pay_b", "R2")

	out, err := f.status.Apply(ctx, Update{ReceiptID: "R1", InvoiceID: "pay_b", Code: domain.FiscalProcessed}, SourceWebhook)
	require.NoError(t, err)
	assert.Equal(t, a.ID, out.Receipt.ID)

	storedB, err := f.receipts.FindByID(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ReceiptSent, storedB.Status)

	// unknown receipt id falls back to the invoice
	out, err = f.status.Apply(ctx, Update{ReceiptID: "R-unknown", InvoiceID: "pay_b", Code: domain.FiscalProcessed}, SourceWebhook)
	require.NoError(t, err)
	assert.Equal(t, b.ID, out.Receipt.ID)
	assert.Equal(t, domain.ReceiptProcessed, out.Receipt.Status)
}

func TestStatusService_UnknownReceiptIsIgnored(t *testing.T) {
	f := newFixture(t)

	out, err := f.status.Apply(context.Background(), Update{ReceiptID: "nope", InvoiceID: "nope", Code: domain.FiscalConfirmed}, SourceWebhook)
	require.NoError(t, err)
	assert.True(t, out.Ignored)
	assert.Equal(t, ReasonUnknownReceipt, out.Reason)
	assert.Nil(t, out.Receipt)
}

func TestStatusService_NotificationFailureKeepsConfirmation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rc := submitted(t, f, "pay_1", "R1")
	f.sender.err = errors.New("bot was blocked")

	out, err := f.status.Apply(ctx, Update{ReceiptID: "R1", Code: domain.FiscalConfirmed, OfdURL: "https://ofd/1"}, SourcePoll)
	require.NoError(t, err)
	assert.True(t, out.Changed)
	assert.Len(t, f.sender.sent, 1)

	stored, err := f.receipts.FindByID(ctx, rc.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ReceiptConfirmed, stored.Status)
}

func TestStatusService_KKTErrorStoresMessage(t *testing.T) {
	f := newFixture(t)
	rc := submitted(t, f, "pay_1", "R1")

	out, err := f.status.Apply(context.Background(), Update{ReceiptID: "R1", Code: domain.FiscalKKTError}, SourceWebhook)
	require.NoError(t, err)
	assert.Equal(t, domain.ReceiptKKTError, out.Receipt.Status)
	assert.Contains(t, out.Receipt.LastError, "status 3")
	assert.Empty(t, out.Receipt.OfdURL)
	assert.Equal(t, rc.ID, out.Receipt.ID)
	assert.Empty(t, f.sender.sent)
}

func TestStatusService_RefusedTransitionReportsStoredState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rc, _, err := f.ledger.Open(ctx, paymentEvent("pay_1"))
	require.NoError(t, err)

	out, err := f.status.Apply(ctx, Update{InvoiceID: "pay_1", Code: domain.FiscalConfirmed, OfdURL: "https://ofd/1"}, SourceWebhook)
	require.NoError(t, err)
	assert.False(t, out.Changed)
	assert.Equal(t, ReasonRefused, out.Reason)
	assert.Equal(t, rc.ID, out.Receipt.ID)
	assert.Equal(t, domain.ReceiptNew, out.Receipt.Status)
}

func TestStatusService_DefaultRecipient(t *testing.T) {
	f := newFixture(t)
	f.status.defaultRecipient = "ops-chat"
	ctx := context.Background()

	rc, _, err := f.ledger.Open(ctx, domain.PaymentEvent{PaymentID: "pay_9", Amount: paymentEvent("x").Amount})
	require.NoError(t, err)
	_, err = f.ledger.MarkSent(ctx, rc, "R9", "")
	require.NoError(t, err)

	_, err = f.status.Apply(ctx, Update{ReceiptID: "R9", Code: domain.FiscalConfirmed, OfdURL: "https://ofd/9"}, SourcePoll)
	require.NoError(t, err)
	require.Len(t, f.sender.sent, 1)
	assert.Contains(t, f.sender.sent[0], "ops-chat: ")
}
