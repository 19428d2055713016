package ferma

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ferma-fiscal/internal/config"
	"ferma-fiscal/internal/domain"
)

// fermaStub counts calls per endpoint and answers receipt requests with the
// scripted responses in order; the last one repeats.
type fermaStub struct {
	authCalls    atomic.Int32
	receiptCalls atomic.Int32
	statusCalls  atomic.Int32

	// authGate, when set, holds every login until it is closed
	authGate chan struct{}

	mu       sync.Mutex
	script   []stubReply
	tokens   []string
	lastBody map[string]any
}

type stubReply struct {
	status int
	body   string
}

func (s *fermaStub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case authPath:
		n := s.authCalls.Add(1)
		if s.authGate != nil {
			<-s.authGate
		}
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, `{"Status":"Success","Data":{"AuthToken":"tok-`+string(rune('0'+n))+`","ExpirationDateUtc":"2099-01-01T00:00:00"}}`)
	case receiptPath, statusPath:
		if r.URL.Path == receiptPath {
			s.receiptCalls.Add(1)
		} else {
			s.statusCalls.Add(1)
		}
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)

		s.mu.Lock()
		s.tokens = append(s.tokens, r.URL.Query().Get("AuthToken"))
		s.lastBody = body
		reply := s.script[0]
		if len(s.script) > 1 {
			s.script = s.script[1:]
		}
		s.mu.Unlock()

		w.WriteHeader(reply.status)
		_, _ = io.WriteString(w, reply.body)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

const acceptedBody = `{"Status":"Success","Data":{"ReceiptId":"R1","InvoiceId":"pay_1"}}`

func testConfig(baseURL string) config.FermaConfig {
	return config.FermaConfig{
		BaseURL:        baseURL,
		Login:          "login",
		Password:       "secret",
		INN:            "7700000000",
		TaxationSystem: "SimpleIn",
		Vat:            "VatNo",
		Measure:        "PIECE",
		PaymentType:    4,
		PaymentMethod:  4,
		RequestTimeout: 5 * time.Second,
		MaxAttempts:    5,
		InitialBackoff: time.Millisecond,
		CallbackPath:   "/webhook/ferma",
	}
}

func newTestClient(t *testing.T, script ...stubReply) (*Client, *fermaStub) {
	t.Helper()
	stub := &fermaStub{script: script}
	srv := httptest.NewServer(stub)
	t.Cleanup(srv.Close)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewClient(testConfig(srv.URL), logger), stub
}

func income() ReceiptInput {
	return ReceiptInput{InvoiceID: "pay_1", Amount: decimal.RequireFromString("100.00"), Description: "Подписка"}
}

func TestSubmitReceipt_RetriesTransientFailures(t *testing.T) {
	client, stub := newTestClient(t,
		stubReply{http.StatusServiceUnavailable, `busy`},
		stubReply{http.StatusServiceUnavailable, `busy`},
		stubReply{http.StatusServiceUnavailable, `busy`},
		stubReply{http.StatusServiceUnavailable, `busy`},
		stubReply{http.StatusOK, acceptedBody},
	)

	res, err := client.SubmitReceipt(context.Background(), income())
	require.NoError(t, err)
	assert.Equal(t, SubmitResult{ReceiptID: "R1", InvoiceID: "pay_1"}, res)
	assert.EqualValues(t, 1, stub.authCalls.Load())
	assert.EqualValues(t, 5, stub.receiptCalls.Load())
}

func TestSubmitReceipt_ExhaustedRetriesBecomeServiceError(t *testing.T) {
	client, stub := newTestClient(t, stubReply{http.StatusBadGateway, `upstream down`})

	_, err := client.SubmitReceipt(context.Background(), income())
	var se *ServiceError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusBadGateway, se.Status)
	assert.Equal(t, "upstream down", se.Payload)
	assert.True(t, IsRetryable(err))
	assert.EqualValues(t, 5, stub.receiptCalls.Load())
}

func TestSubmitReceipt_401ForcesOneReauthentication(t *testing.T) {
	client, stub := newTestClient(t,
		stubReply{http.StatusUnauthorized, `expired`},
		stubReply{http.StatusOK, acceptedBody},
	)

	_, err := client.SubmitReceipt(context.Background(), income())
	require.NoError(t, err)
	assert.EqualValues(t, 2, stub.authCalls.Load())
	assert.EqualValues(t, 2, stub.receiptCalls.Load())
	assert.Equal(t, []string{"tok-1", "tok-2"}, stub.tokens)
}

func TestSubmitReceipt_UnauthenticatedBodyCodeForcesReauthentication(t *testing.T) {
	client, stub := newTestClient(t,
		stubReply{http.StatusOK, `{"Status":"Failed","Error":{"Code":1001,"Message":"token expired"}}`},
		stubReply{http.StatusOK, acceptedBody},
	)

	_, err := client.SubmitReceipt(context.Background(), income())
	require.NoError(t, err)
	assert.EqualValues(t, 2, stub.authCalls.Load())
	assert.EqualValues(t, 2, stub.receiptCalls.Load())
}

func TestSubmitReceipt_SecondRejectionIsNotRetriedAgain(t *testing.T) {
	client, stub := newTestClient(t, stubReply{http.StatusUnauthorized, `nope`})

	_, err := client.SubmitReceipt(context.Background(), income())
	var se *ServiceError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusUnauthorized, se.Status)
	assert.EqualValues(t, 2, stub.authCalls.Load())
	assert.EqualValues(t, 2, stub.receiptCalls.Load())
}

func TestSubmitReceipt_ReauthenticatedRequestIsSentOnce(t *testing.T) {
	client, stub := newTestClient(t,
		stubReply{http.StatusUnauthorized, `expired`},
		stubReply{http.StatusServiceUnavailable, `busy`},
		stubReply{http.StatusOK, acceptedBody},
	)

	_, err := client.SubmitReceipt(context.Background(), income())
	var se *ServiceError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusServiceUnavailable, se.Status)
	assert.Equal(t, "busy", se.Payload)
	assert.EqualValues(t, 2, stub.authCalls.Load())
	assert.EqualValues(t, 2, stub.receiptCalls.Load())
}

func TestSubmitReceipt_ClientErrorFailsImmediately(t *testing.T) {
	client, stub := newTestClient(t, stubReply{http.StatusBadRequest, `{"Status":"Failed"}`})

	_, err := client.SubmitReceipt(context.Background(), income())
	var se *ServiceError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusBadRequest, se.Status)
	assert.False(t, IsRetryable(err))
	assert.EqualValues(t, 1, stub.receiptCalls.Load())
}

func TestSubmitReceipt_MissingReceiptIDIsServiceError(t *testing.T) {
	client, _ := newTestClient(t, stubReply{http.StatusOK, `{"Data":{}}`})

	_, err := client.SubmitReceipt(context.Background(), income())
	var se *ServiceError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusOK, se.Status)
}

func TestSubmitReceipt_InvalidINNNeverCallsService(t *testing.T) {
	stub := &fermaStub{script: []stubReply{{http.StatusOK, acceptedBody}}}
	srv := httptest.NewServer(stub)
	defer srv.Close()
	cfg := testConfig(srv.URL)
	cfg.INN = "12345"
	client := NewClient(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))

	_, err := client.SubmitReceipt(context.Background(), income())
	var se *ServiceError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusBadRequest, se.Status)
	assert.Zero(t, stub.authCalls.Load())
	assert.Zero(t, stub.receiptCalls.Load())
}

func TestSubmitReceipt_KeepsInvoiceWhenServiceOmitsIt(t *testing.T) {
	client, stub := newTestClient(t, stubReply{http.StatusOK, `{"Data":{"ReceiptId":"R9"}}`})

	res, err := client.SubmitReceipt(context.Background(), income())
	require.NoError(t, err)
	assert.Equal(t, "pay_1", res.InvoiceID)

	req := stub.lastBody["Request"].(map[string]any)
	assert.Equal(t, "7700000000", req["Inn"])
	assert.Equal(t, "Income", req["Type"])
}

func TestAuthenticate_RejectedCredentials(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, `{"Status":"Failed","Error":{"Code":1000}}`)
	}))
	defer srv.Close()
	client := NewClient(testConfig(srv.URL), slog.New(slog.NewTextHandler(io.Discard, nil)))

	_, err := client.Authenticate(context.Background())
	var ae *AuthError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, http.StatusOK, ae.Status)

	_, err = client.SubmitReceipt(context.Background(), income())
	assert.ErrorAs(t, err, &ae)
}

func TestAuthenticate_CancelledCallerDoesNotFailSharedLogin(t *testing.T) {
	client, stub := newTestClient(t, stubReply{http.StatusOK, acceptedBody})
	stub.authGate = make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() {
		_, err := client.Authenticate(ctx)
		first <- err
	}()
	require.Eventually(t, func() bool { return stub.authCalls.Load() == 1 }, time.Second, time.Millisecond)

	second := make(chan error, 1)
	go func() {
		_, err := client.Authenticate(context.Background())
		second <- err
	}()
	time.Sleep(20 * time.Millisecond)

	cancel()
	require.ErrorIs(t, <-first, context.Canceled)

	close(stub.authGate)
	require.NoError(t, <-second)
	assert.EqualValues(t, 1, stub.authCalls.Load())

	token, err := client.EnsureToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-1", token)
}

func TestEnsureToken_RefreshesInsideSafetyMargin(t *testing.T) {
	var authCalls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authCalls.Add(1)
		_, _ = io.WriteString(w, `{"Status":"Success","Data":{"AuthToken":"t","ExpirationDateUtc":"2026-03-01T12:05:00Z"}}`)
	}))
	defer srv.Close()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	client := NewClient(testConfig(srv.URL), slog.New(slog.NewTextHandler(io.Discard, nil)),
		WithClock(func() time.Time { return now }))
	ctx := context.Background()

	_, err := client.EnsureToken(ctx)
	require.NoError(t, err)
	_, err = client.EnsureToken(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, authCalls.Load())

	now = now.Add(4*time.Minute + 30*time.Second)
	_, err = client.EnsureToken(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, authCalls.Load())
}

func TestParseExpiry_UnreadableValueExpiresSoon(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	client := NewClient(testConfig("http://unused"), slog.New(slog.NewTextHandler(io.Discard, nil)),
		WithClock(func() time.Time { return now }))

	assert.Equal(t, now.Add(time.Second), client.parseExpiry("tomorrow"))
	assert.Equal(t, time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC), client.parseExpiry("2026-03-02T00:00:00"))
}

func TestCheckStatus(t *testing.T) {
	t.Run("requires an identifier", func(t *testing.T) {
		client, stub := newTestClient(t, stubReply{http.StatusOK, `{}`})
		_, err := client.CheckStatus(context.Background(), StatusQuery{})
		assert.ErrorIs(t, err, domain.ErrInvalidArgument)
		assert.Zero(t, stub.statusCalls.Load())
	})

	t.Run("normalizes the status code", func(t *testing.T) {
		client, stub := newTestClient(t, stubReply{http.StatusOK,
			`{"Status":"Success","Data":{"StatusCode":"CONFIRMED","Device":{"OfdReceiptUrl":"https://ofd/1"}}}`})
		res, err := client.CheckStatus(context.Background(), StatusQuery{InvoiceID: "pay_1"})
		require.NoError(t, err)
		assert.Equal(t, domain.FiscalConfirmed, res.Code)
		assert.Equal(t, "https://ofd/1", res.OfdURL)
		assert.Equal(t, "pay_1", stub.lastBody["InvoiceId"])
		assert.NotContains(t, stub.lastBody, "ReceiptId")
	})
}
