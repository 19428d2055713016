package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"ferma-fiscal/internal/config"
)

// Sender delivers a text message to a recipient.
type Sender interface {
	Send(ctx context.Context, recipient, text string) error
}

// TelegramSender posts messages through the Telegram Bot API.
type TelegramSender struct {
	apiURL     string
	token      string
	httpClient *http.Client
}

func NewTelegramSender(cfg config.NotifyConfig, timeout time.Duration) *TelegramSender {
	return &TelegramSender{
		apiURL:     strings.TrimRight(cfg.TelegramAPIURL, "/"),
		token:      cfg.TelegramToken,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (s *TelegramSender) Send(ctx context.Context, recipient, text string) error {
	payload, err := json.Marshal(map[string]any{
		"chat_id": recipient,
		"text":    text,
	})
	if err != nil {
		return fmt.Errorf("marshal telegram message: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", s.apiURL, s.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("telegram request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("telegram returned status %d: %s", resp.StatusCode, body)
	}
	return nil
}

// LogSender only logs messages; used when no bot token is configured.
type LogSender struct {
	logger *slog.Logger
}

func NewLogSender(logger *slog.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (s *LogSender) Send(ctx context.Context, recipient, text string) error {
	s.logger.Info("notification", "recipient", recipient, "text", text)
	return nil
}

// New returns the Telegram sender when a token is configured.
func New(cfg config.NotifyConfig, logger *slog.Logger) Sender {
	if cfg.TelegramToken == "" {
		return NewLogSender(logger)
	}
	return NewTelegramSender(cfg, 10*time.Second)
}

// ReceiptMessage is the text sent once a receipt is confirmed.
func ReceiptMessage(ofdURL string) string {
	return "🧾 Ваш чек: " + ofdURL
}
