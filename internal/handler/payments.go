package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"ferma-fiscal/internal/domain"
	"ferma-fiscal/internal/service"
)

// paymentNotification is the payment provider's "payment succeeded" push.
type paymentNotification struct {
	Event  string `json:"event"`
	Object struct {
		ID     string `json:"id"`
		Status string `json:"status"`
		Amount struct {
			Value    decimal.Decimal `json:"value"`
			Currency string          `json:"currency"`
		} `json:"amount"`
		Description string                     `json:"description"`
		Metadata    map[string]json.RawMessage `json:"metadata"`
		Receipt     struct {
			Customer struct {
				Email string `json:"email"`
				Phone string `json:"phone"`
			} `json:"customer"`
		} `json:"receipt"`
	} `json:"object"`
}

// recipientKeys are the metadata fields that may carry the buyer's chat id, in priority order.
var recipientKeys = []string{"telegram_id", "user_id", "chat_id"}

func (n paymentNotification) recipient() string {
	for _, key := range recipientKeys {
		raw, ok := n.Object.Metadata[key]
		if !ok {
			continue
		}
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			if s = strings.TrimSpace(s); s != "" {
				return s
			}
			continue
		}
		var num json.Number
		if err := json.Unmarshal(raw, &num); err == nil && num != "" {
			return num.String()
		}
	}
	return ""
}

func (n paymentNotification) event() domain.PaymentEvent {
	return domain.PaymentEvent{
		PaymentID:   strings.TrimSpace(n.Object.ID),
		Amount:      n.Object.Amount.Value,
		Description: strings.TrimSpace(n.Object.Description),
		Email:       strings.TrimSpace(n.Object.Receipt.Customer.Email),
		Phone:       strings.TrimSpace(n.Object.Receipt.Customer.Phone),
		Recipient:   n.recipient(),
	}
}

type receiptView struct {
	PaymentID string    `json:"payment_id"`
	InvoiceID string    `json:"invoice_id"`
	ReceiptID string    `json:"receipt_id,omitempty"`
	Amount    string    `json:"amount"`
	Status    string    `json:"status"`
	OfdURL    string    `json:"ofd_url,omitempty"`
	LastError string    `json:"last_error,omitempty"`
	Attempts  int       `json:"attempts"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func toView(rc *domain.Receipt) *receiptView {
	if rc == nil {
		return nil
	}
	return &receiptView{
		PaymentID: rc.PaymentID,
		InvoiceID: rc.InvoiceID,
		ReceiptID: rc.ReceiptID,
		Amount:    rc.Amount.StringFixed(2),
		Status:    string(rc.Status),
		OfdURL:    rc.OfdURL,
		LastError: rc.LastError,
		Attempts:  rc.AttemptCount,
		CreatedAt: rc.CreatedAt,
		UpdatedAt: rc.UpdatedAt,
	}
}

func (s *Server) handlePaymentSucceeded(c *gin.Context) {
	var n paymentNotification
	if err := c.ShouldBindJSON(&n); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "invalid_json"})
		return
	}
	if n.Event != "" && n.Event != "payment.succeeded" {
		c.JSON(http.StatusOK, gin.H{"ok": true, "ignored": true, "reason": "event_" + n.Event})
		return
	}
	if n.Object.Status != "" && n.Object.Status != "succeeded" {
		c.JSON(http.StatusOK, gin.H{"ok": true, "ignored": true, "reason": "status_" + n.Object.Status})
		return
	}
	if cur := n.Object.Amount.Currency; cur != "" && !strings.EqualFold(cur, "RUB") {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"ok": false, "error": "unsupported_currency"})
		return
	}

	res, err := s.deps.Fiscal.HandlePaymentSucceeded(c.Request.Context(), n.event())
	if err != nil {
		s.writeSubmissionError(c, res, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "reused": res.Reused, "receipt": toView(res.Receipt)})
}

func (s *Server) writeSubmissionError(c *gin.Context, res *service.Result, err error) {
	body := gin.H{"ok": false, "error": err.Error()}
	if res != nil {
		body["receipt"] = toView(res.Receipt)
	}
	switch {
	case errors.Is(err, domain.ErrInvalidArgument):
		c.JSON(http.StatusBadRequest, body)
	case errors.Is(err, domain.ErrSubmissionInProgress), errors.Is(err, domain.ErrTransitionRefused):
		c.JSON(http.StatusConflict, body)
	case res != nil:
		// submission failed and the receipt stays FAILED; redelivery retries it
		c.JSON(http.StatusBadGateway, body)
	default:
		s.deps.Logger.Error("payment handling failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"ok": false, "error": "internal"})
	}
}

func (s *Server) handleGetReceipt(c *gin.Context) {
	rc, err := s.deps.Fiscal.Receipt(c.Request.Context(), c.Param("payment_id"))
	switch {
	case errors.Is(err, domain.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"ok": false, "error": "not_found"})
	case err != nil:
		s.deps.Logger.Error("load receipt failed", "payment_id", c.Param("payment_id"), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"ok": false, "error": "internal"})
	default:
		c.JSON(http.StatusOK, toView(rc))
	}
}
