package notify

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ferma-fiscal/internal/config"
)

func TestTelegramSender_Send(t *testing.T) {
	var path string
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&body)
		_, _ = io.WriteString(w, `{"ok":true}`)
	}))
	defer srv.Close()

	s := NewTelegramSender(config.NotifyConfig{TelegramAPIURL: srv.URL + "/", TelegramToken: "123:abc"}, time.Second)
	require.NoError(t, s.Send(context.Background(), "42", ReceiptMessage("https://ofd/1")))

	assert.Equal(t, "/bot123:abc/sendMessage", path)
	assert.Equal(t, "42", body["chat_id"])
	assert.Contains(t, body["text"], "https://ofd/1")
}

func TestTelegramSender_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = io.WriteString(w, `{"ok":false,"description":"bot was blocked"}`)
	}))
	defer srv.Close()

	s := NewTelegramSender(config.NotifyConfig{TelegramAPIURL: srv.URL, TelegramToken: "t"}, time.Second)
	err := s.Send(context.Background(), "42", "hi")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "403")
	assert.Contains(t, err.Error(), "bot was blocked")
}

func TestNew_WithoutTokenLogsOnly(t *testing.T) {
	s := New(config.NotifyConfig{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	assert.IsType(t, &LogSender{}, s)
	assert.NoError(t, s.Send(context.Background(), "42", "hi"))
}
