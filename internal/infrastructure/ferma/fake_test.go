package ferma

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ferma-fiscal/internal/domain"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func startFake(t *testing.T, opts FakeOptions) (*FakeServer, string) {
	t.Helper()
	fake := NewFakeServer(opts, slog.New(slog.NewTextHandler(io.Discard, nil)))
	srv := httptest.NewServer(fake.Handler())
	t.Cleanup(func() {
		fake.Close()
		srv.Close()
	})
	return fake, srv.URL
}

func TestFakeServer_PhantomAcceptanceIsRecoveredByRetry(t *testing.T) {
	fake, url := startFake(t, FakeOptions{PhantomPercent: 100})
	client := NewClient(testConfig(url), slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx := context.Background()

	res, err := client.SubmitReceipt(ctx, income())
	require.NoError(t, err)
	assert.NotEmpty(t, res.ReceiptID)
	assert.Equal(t, "pay_1", res.InvoiceID)
	assert.Equal(t, 2, fake.Submissions())

	status, err := client.CheckStatus(ctx, StatusQuery{ReceiptID: res.ReceiptID})
	require.NoError(t, err)
	assert.Equal(t, domain.FiscalConfirmed, status.Code)
	assert.Contains(t, status.OfdURL, res.ReceiptID)
}

func TestFakeServer_UnknownReceiptIsServiceError(t *testing.T) {
	_, url := startFake(t, FakeOptions{})
	client := NewClient(testConfig(url), slog.New(slog.NewTextHandler(io.Discard, nil)))

	_, err := client.CheckStatus(context.Background(), StatusQuery{InvoiceID: "missing"})
	var se *ServiceError
	assert.ErrorAs(t, err, &se)
}

func TestFakeServer_DeliversCallback(t *testing.T) {
	got := make(chan map[string]any, 1)
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		got <- body
	}))
	defer hook.Close()

	_, url := startFake(t, FakeOptions{ConfirmAfter: 10 * time.Millisecond})
	cfg := testConfig(url)
	cfg.PublicBaseURL = hook.URL
	client := NewClient(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))

	res, err := client.SubmitReceipt(context.Background(), income())
	require.NoError(t, err)

	select {
	case body := <-got:
		data := body["Data"].(map[string]any)
		assert.Equal(t, res.ReceiptID, data["ReceiptId"])
		assert.EqualValues(t, 2, data["StatusCode"])
	case <-time.After(2 * time.Second):
		t.Fatal("callback was not delivered")
	}
}
