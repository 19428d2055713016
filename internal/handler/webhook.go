package handler

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"ferma-fiscal/internal/domain"
	"ferma-fiscal/internal/infrastructure/ferma"
	"ferma-fiscal/internal/service"
)

const maxCallbackBody = 1 << 20

type fermaCallback struct {
	Data ferma.StatusData `json:"Data"`
}

func parseCallback(raw []byte) (ferma.StatusData, error) {
	var cb fermaCallback
	if err := json.Unmarshal(raw, &cb); err != nil {
		return ferma.StatusData{}, fmt.Errorf("%w: %v", domain.ErrMalformedCallback, err)
	}
	return cb.Data, nil
}

// handleFermaCallback ingests status pushes from the fiscal service. Every
// outcome is answered; only storage failures produce a 5xx so the service retries.
func (s *Server) handleFermaCallback(c *gin.Context) {
	log := s.deps.Logger.With("remote_ip", c.RemoteIP())

	if !s.allowed(c.RemoteIP()) {
		s.deps.Metrics.IncWebhook("forbidden")
		log.Warn("fiscal callback from untrusted address")
		c.JSON(http.StatusForbidden, gin.H{"ok": false, "error": "forbidden"})
		return
	}

	raw, err := io.ReadAll(io.LimitReader(c.Request.Body, maxCallbackBody))
	var data ferma.StatusData
	if err == nil {
		data, err = parseCallback(raw)
	}
	if err != nil {
		s.deps.Metrics.IncWebhook("invalid_json")
		log.Warn("malformed fiscal callback", "error", err)
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "invalid_json"})
		return
	}
	if data.ReceiptID == "" && data.InvoiceID == "" {
		s.deps.Metrics.IncWebhook("missing_ids")
		log.Warn("fiscal callback without receipt or invoice id")
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "missing_ids"})
		return
	}

	u := service.Update{
		ReceiptID: data.ReceiptID,
		InvoiceID: data.InvoiceID,
		Code:      data.StatusCode,
		OfdURL:    data.Device.OfdReceiptURL,
		Message:   data.StatusMessage,
	}
	if u.Message == "" {
		u.Message = string(raw)
	}

	out, err := s.deps.Status.Apply(c.Request.Context(), u, service.SourceWebhook)
	if err != nil {
		s.deps.Metrics.IncWebhook("error")
		log.Error("apply fiscal callback failed", "receipt_id", u.ReceiptID, "invoice_id", u.InvoiceID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"ok": false, "error": "internal"})
		return
	}

	switch {
	case out.Ignored:
		s.deps.Metrics.IncWebhook("ignored")
		c.JSON(http.StatusOK, gin.H{"ok": true, "ignored": true, "reason": out.Reason})
	case out.Changed:
		s.deps.Metrics.IncWebhook("applied")
		c.JSON(http.StatusOK, gin.H{"ok": true, "status": out.Receipt.Status})
	default:
		s.deps.Metrics.IncWebhook("unchanged")
		c.JSON(http.StatusOK, gin.H{"ok": true, "status": out.Receipt.Status, "reason": out.Reason})
	}
}
