package ferma

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"ferma-fiscal/internal/config"
	"ferma-fiscal/internal/domain"
	"ferma-fiscal/internal/metrics"
)

const (
	authPath    = "/api/Authorization/CreateAuthToken"
	receiptPath = "/api/kkt/cloud/receipt"
	statusPath  = "/api/kkt/cloud/status"

	// tokenMargin is how long before expiry a cached token is considered stale.
	tokenMargin = 60 * time.Second

	// codeUnauthenticated is the error code the service puts into a 200 body
	// when the AuthToken is unknown or expired.
	codeUnauthenticated = 1001
)

// Gateway is the part of the fiscal service the rest of the application talks to.
type Gateway interface {
	SubmitReceipt(ctx context.Context, in ReceiptInput) (SubmitResult, error)
	CheckStatus(ctx context.Context, q StatusQuery) (StatusResult, error)
}

type Client struct {
	baseURL        string
	login          string
	password       string
	defaults       Defaults
	maxAttempts    int
	initialBackoff time.Duration

	http    *http.Client
	logger  *slog.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer
	now     func() time.Time

	mu        sync.Mutex
	token     string
	expiry    time.Time
	authGroup singleflight.Group
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

func NewClient(cfg config.FermaConfig, logger *slog.Logger, opts ...Option) *Client {
	c := &Client{
		baseURL:        strings.TrimRight(cfg.BaseURL, "/"),
		login:          cfg.Login,
		password:       cfg.Password,
		defaults:       DefaultsFromConfig(cfg),
		maxAttempts:    max(cfg.MaxAttempts, 1),
		initialBackoff: cfg.InitialBackoff,
		http:           &http.Client{Timeout: cfg.RequestTimeout},
		logger:         logger,
		tracer:         otel.Tracer("ferma-fiscal/ferma"),
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Authenticate obtains a fresh token and caches it. Concurrent callers share one
// login, which outlives any single caller's cancellation.
func (c *Client) Authenticate(ctx context.Context) (string, error) {
	ch := c.authGroup.DoChan("token", func() (any, error) {
		return c.createToken(context.WithoutCancel(ctx))
	})
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

// EnsureToken returns the cached token while it is valid beyond the safety margin.
func (c *Client) EnsureToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	token, expiry := c.token, c.expiry
	c.mu.Unlock()

	if token != "" && expiry.Sub(c.now()) > tokenMargin {
		return token, nil
	}
	return c.Authenticate(ctx)
}

func (c *Client) invalidateToken() {
	c.mu.Lock()
	c.token = ""
	c.expiry = time.Time{}
	c.mu.Unlock()
}

func (c *Client) createToken(ctx context.Context) (string, error) {
	ctx, span := c.tracer.Start(ctx, "ferma.Authenticate")
	defer span.End()
	start := time.Now()
	defer func() { c.metrics.ObserveFermaLatency("auth", time.Since(start)) }()

	body, err := json.Marshal(authRequest{Login: c.login, Password: c.password})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+authPath, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		err = &AuthError{Payload: err.Error()}
		recordSpanError(span, err)
		return "", err
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)

	var ar authResponse
	if resp.StatusCode != http.StatusOK || json.Unmarshal(raw, &ar) != nil || ar.Status != "Success" || ar.Data.AuthToken == "" {
		err := &AuthError{Status: resp.StatusCode, Payload: string(raw)}
		recordSpanError(span, err)
		c.logger.Error("ferma authentication rejected", "status", resp.StatusCode)
		return "", err
	}

	expiry := c.parseExpiry(ar.Data.ExpirationDateUtc)
	c.mu.Lock()
	c.token = ar.Data.AuthToken
	c.expiry = expiry
	c.mu.Unlock()

	c.logger.Info("ferma token refreshed", "expires_at", expiry)
	return ar.Data.AuthToken, nil
}

// parseExpiry reads ExpirationDateUtc. An unreadable value makes the token
// expire almost immediately so the next call logs in again.
func (c *Client) parseExpiry(raw string) time.Time {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999999", "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC()
		}
	}
	return c.now().Add(time.Second)
}

// SubmitReceipt registers a receipt and returns the identifiers the service assigned.
func (c *Client) SubmitReceipt(ctx context.Context, in ReceiptInput) (SubmitResult, error) {
	ctx, span := c.tracer.Start(ctx, "ferma.SubmitReceipt", trace.WithAttributes(
		attribute.String("invoice_id", in.InvoiceID),
		attribute.String("receipt_type", string(in.Type)),
	))
	defer span.End()

	res, err := c.submit(ctx, in)
	if err != nil {
		recordSpanError(span, err)
		return SubmitResult{}, err
	}
	span.SetAttributes(attribute.String("receipt_id", res.ReceiptID))
	return res, nil
}

func (c *Client) submit(ctx context.Context, in ReceiptInput) (SubmitResult, error) {
	if !validINN(c.defaults.INN) {
		c.logger.Error("ferma INN is empty or invalid", "inn", c.defaults.INN)
		return SubmitResult{}, &ServiceError{
			Status:  http.StatusBadRequest,
			Payload: fmt.Sprintf(`{"Status":"Failed","Error":{"Code":1007,"Message":"INN is invalid: %q"}}`, c.defaults.INN),
		}
	}
	env, err := BuildReceiptRequest(c.defaults, in)
	if err != nil {
		return SubmitResult{}, err
	}

	c.logger.Info("ferma submit receipt",
		"invoice_id", in.InvoiceID,
		"type", env.Request.Type,
		"amount", in.Amount.StringFixed(2),
	)
	raw, err := c.postJSON(ctx, "receipt", receiptPath, env)
	if err != nil {
		return SubmitResult{}, err
	}

	var sr submitResponse
	if err := json.Unmarshal(raw, &sr); err != nil || sr.Data.ReceiptID == "" {
		return SubmitResult{}, &ServiceError{Status: http.StatusOK, Payload: string(raw)}
	}
	res := SubmitResult{ReceiptID: sr.Data.ReceiptID, InvoiceID: sr.Data.InvoiceID}
	if res.InvoiceID == "" {
		res.InvoiceID = in.InvoiceID
	}
	return res, nil
}

// CheckStatus asks the service for the current state of a receipt.
func (c *Client) CheckStatus(ctx context.Context, q StatusQuery) (StatusResult, error) {
	if q.InvoiceID == "" && q.ReceiptID == "" {
		return StatusResult{}, fmt.Errorf("%w: invoice id or receipt id is required", domain.ErrInvalidArgument)
	}
	ctx, span := c.tracer.Start(ctx, "ferma.CheckStatus", trace.WithAttributes(
		attribute.String("invoice_id", q.InvoiceID),
		attribute.String("receipt_id", q.ReceiptID),
	))
	defer span.End()

	raw, err := c.postJSON(ctx, "status", statusPath, q)
	if err != nil {
		recordSpanError(span, err)
		return StatusResult{}, err
	}
	var sr statusResponse
	if err := json.Unmarshal(raw, &sr); err != nil {
		err = &ServiceError{Status: http.StatusOK, Payload: string(raw)}
		recordSpanError(span, err)
		return StatusResult{}, err
	}
	span.SetAttributes(attribute.String("status_code", sr.Data.StatusCode.String()))
	return StatusResult{
		Code:   sr.Data.StatusCode,
		OfdURL: sr.Data.Device.OfdReceiptURL,
		Raw:    raw,
	}, nil
}

// postJSON sends body with the current token, retrying transient failures with
// exponential backoff. A rejected token triggers one forced re-authentication
// followed by exactly one more attempt of the same request.
func (c *Client) postJSON(ctx context.Context, endpoint, path string, body any) ([]byte, error) {
	start := time.Now()
	defer func() { c.metrics.ObserveFermaLatency(endpoint, time.Since(start)) }()

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode %s request: %w", endpoint, err)
	}

	raw, err := c.withRetry(ctx, path, payload)
	var ue *unauthenticatedError
	if !errors.As(err, &ue) {
		return raw, err
	}

	c.logger.Warn("ferma token rejected, re-authenticating", "endpoint", endpoint, "status", ue.status)
	c.invalidateToken()
	if _, err := c.Authenticate(ctx); err != nil {
		return nil, err
	}
	raw, err = c.doOnce(ctx, path, payload)
	if err = settle(err); errors.As(err, &ue) {
		return nil, ue.asServiceError()
	}
	return raw, err
}

func (c *Client) withRetry(ctx context.Context, path string, payload []byte) ([]byte, error) {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = c.initialBackoff
	eb.Multiplier = 2
	eb.RandomizationFactor = 0
	eb.MaxInterval = time.Minute
	eb.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(c.maxAttempts-1)), ctx)

	attempt := 0
	raw, err := backoff.RetryNotifyWithData(func() ([]byte, error) {
		attempt++
		return c.doOnce(ctx, path, payload)
	}, policy, func(err error, wait time.Duration) {
		c.logger.Warn("ferma request failed, retrying", "path", path, "attempt", attempt, "wait", wait, "error", err)
	})

	if err != nil {
		return nil, settle(err)
	}
	return raw, nil
}

// settle strips the retry wrapper and turns a transient fault that was not
// retried any further into a ServiceError.
func settle(err error) error {
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		err = perm.Err
	}
	var te *transientError
	if errors.As(err, &te) {
		return &ServiceError{Status: te.status, Payload: te.exhaustedPayload()}
	}
	return err
}

func (c *Client) doOnce(ctx context.Context, path string, payload []byte) ([]byte, error) {
	token, err := c.EnsureToken(ctx)
	if err != nil {
		return nil, backoff.Permanent(err)
	}

	u := c.baseURL + path + "?AuthToken=" + url.QueryEscape(token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(payload))
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, backoff.Permanent(ctx.Err())
		}
		return nil, &transientError{err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &transientError{status: resp.StatusCode, err: err}
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, backoff.Permanent(&unauthenticatedError{status: resp.StatusCode, payload: string(raw)})
	case isTransientStatus(resp.StatusCode):
		return nil, &transientError{status: resp.StatusCode, payload: string(raw)}
	case resp.StatusCode != http.StatusOK:
		return nil, backoff.Permanent(&ServiceError{Status: resp.StatusCode, Payload: string(raw)})
	}

	var env errorEnvelope
	if json.Unmarshal(raw, &env) == nil && env.Error != nil && strings.EqualFold(env.Status, "Failed") {
		if env.Error.Code == codeUnauthenticated {
			return nil, backoff.Permanent(&unauthenticatedError{status: resp.StatusCode, payload: string(raw)})
		}
		return nil, backoff.Permanent(&ServiceError{Status: resp.StatusCode, Payload: string(raw)})
	}
	return raw, nil
}

func (e *transientError) exhaustedPayload() string {
	if e.payload != "" {
		return e.payload
	}
	if e.err != nil {
		return e.err.Error()
	}
	return ""
}

func isTransientStatus(status int) bool {
	switch status {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

func recordSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
