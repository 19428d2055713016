package ferma

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"ferma-fiscal/internal/domain"
)

// FakeOptions tunes how often the fake service misbehaves. Percentages are 0..100.
type FakeOptions struct {
	// TransientPercent answers 503 without registering anything.
	TransientPercent int
	// PhantomPercent registers the receipt but answers 504, so the caller
	// believes the submission failed.
	PhantomPercent int
	// KKTErrorPercent makes the device reject the receipt.
	KKTErrorPercent int
	// DropCallbackPercent skips the webhook so only polling can observe the result.
	DropCallbackPercent int
	// ConfirmAfter is how long a receipt stays PROCESSED before its final status.
	ConfirmAfter time.Duration
}

type fakeReceipt struct {
	receiptID   string
	invoiceID   string
	callbackURL string
	createdAt   time.Time
	final       domain.FiscalStatus
	ofdURL      string
}

// FakeServer imitates the fiscal service API for the simulator and for tests.
type FakeServer struct {
	opts   FakeOptions
	logger *slog.Logger
	http   *http.Client

	mu          sync.Mutex
	tokens      map[string]time.Time
	receipts    map[string]*fakeReceipt
	byInvoice   map[string]string
	timers      []*time.Timer
	submissions int
}

func NewFakeServer(opts FakeOptions, logger *slog.Logger) *FakeServer {
	return &FakeServer{
		opts:      opts,
		logger:    logger,
		http:      &http.Client{Timeout: 5 * time.Second},
		tokens:    make(map[string]time.Time),
		receipts:  make(map[string]*fakeReceipt),
		byInvoice: make(map[string]string),
	}
}

func (f *FakeServer) Handler() http.Handler {
	r := gin.New()
	r.POST(authPath, f.createToken)
	r.POST(receiptPath, f.requireToken, f.createReceipt)
	r.POST(statusPath, f.requireToken, f.status)
	return r
}

// Submissions counts receipt requests that reached the fake, including rejected ones.
func (f *FakeServer) Submissions() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.submissions
}

// Close stops pending callbacks.
func (f *FakeServer) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range f.timers {
		t.Stop()
	}
	f.timers = nil
}

func (f *FakeServer) createToken(c *gin.Context) {
	var req authRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Login == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"Status": "Failed", "Error": gin.H{"Code": 1000, "Message": "bad credentials"}})
		return
	}
	token := uuid.NewString()
	expiry := time.Now().UTC().Add(24 * time.Hour)

	f.mu.Lock()
	f.tokens[token] = expiry
	f.mu.Unlock()

	c.JSON(http.StatusOK, gin.H{"Status": "Success", "Data": gin.H{
		"AuthToken":         token,
		"ExpirationDateUtc": expiry.Format("2006-01-02T15:04:05"),
	}})
}

func (f *FakeServer) requireToken(c *gin.Context) {
	f.mu.Lock()
	expiry, ok := f.tokens[c.Query("AuthToken")]
	f.mu.Unlock()

	if !ok || time.Now().After(expiry) {
		c.AbortWithStatusJSON(http.StatusOK, gin.H{"Status": "Failed", "Error": gin.H{"Code": codeUnauthenticated, "Message": "token expired"}})
		return
	}
	c.Next()
}

func (f *FakeServer) createReceipt(c *gin.Context) {
	var env ReceiptEnvelope
	if err := c.ShouldBindJSON(&env); err != nil || env.Request.InvoiceID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"Status": "Failed", "Error": gin.H{"Code": 1002, "Message": "invalid request"}})
		return
	}

	f.mu.Lock()
	f.submissions++
	// a repeated invoice returns the receipt registered before
	if id, exists := f.byInvoice[env.Request.InvoiceID]; exists {
		rc := f.receipts[id]
		f.mu.Unlock()
		c.JSON(http.StatusOK, gin.H{"Status": "Success", "Data": gin.H{"ReceiptId": rc.receiptID, "InvoiceId": rc.invoiceID}})
		return
	}
	f.mu.Unlock()

	chance := rand.IntN(100)
	switch {
	case chance < f.opts.TransientPercent:
		c.JSON(http.StatusServiceUnavailable, gin.H{"Status": "Failed", "Error": gin.H{"Code": 503, "Message": "temporarily unavailable"}})

	case chance < f.opts.TransientPercent+f.opts.PhantomPercent:
		rc := f.register(env.Request)
		f.logger.Warn("fake ferma registered receipt but timed out", "invoice_id", rc.invoiceID, "receipt_id", rc.receiptID)
		c.JSON(http.StatusGatewayTimeout, gin.H{"Status": "Failed", "Error": gin.H{"Code": 504, "Message": "gateway timeout"}})

	default:
		rc := f.register(env.Request)
		c.JSON(http.StatusOK, gin.H{"Status": "Success", "Data": gin.H{"ReceiptId": rc.receiptID, "InvoiceId": rc.invoiceID}})
	}
}

func (f *FakeServer) register(req ReceiptRequest) *fakeReceipt {
	rc := &fakeReceipt{
		receiptID:   uuid.NewString(),
		invoiceID:   req.InvoiceID,
		callbackURL: req.CallbackURL,
		createdAt:   time.Now(),
		final:       domain.FiscalConfirmed,
	}
	if rand.IntN(100) < f.opts.KKTErrorPercent {
		rc.final = domain.FiscalKKTError
	} else {
		rc.ofdURL = "https://check.ofd.example/rec/" + rc.receiptID
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.receipts[rc.receiptID] = rc
	f.byInvoice[rc.invoiceID] = rc.receiptID

	if rc.callbackURL != "" && rand.IntN(100) >= f.opts.DropCallbackPercent {
		f.timers = append(f.timers, time.AfterFunc(f.opts.ConfirmAfter, func() { f.callback(rc) }))
	}
	return rc
}

func (f *FakeServer) status(c *gin.Context) {
	var q StatusQuery
	if err := c.ShouldBindJSON(&q); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"Status": "Failed", "Error": gin.H{"Code": 1002, "Message": "invalid request"}})
		return
	}

	f.mu.Lock()
	id := q.ReceiptID
	if id == "" {
		id = f.byInvoice[q.InvoiceID]
	}
	rc, ok := f.receipts[id]
	f.mu.Unlock()

	if !ok {
		c.JSON(http.StatusOK, gin.H{"Status": "Failed", "Error": gin.H{"Code": 1019, "Message": "receipt not found"}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"Status": "Success", "Data": f.snapshot(rc)})
}

func (f *FakeServer) snapshot(rc *fakeReceipt) StatusData {
	var d StatusData
	d.ReceiptID = rc.receiptID
	d.InvoiceID = rc.invoiceID
	d.StatusCode = domain.FiscalProcessed
	if time.Since(rc.createdAt) >= f.opts.ConfirmAfter {
		d.StatusCode = rc.final
		d.Device.OfdReceiptURL = rc.ofdURL
	}
	d.StatusName = d.StatusCode.String()
	return d
}

func (f *FakeServer) callback(rc *fakeReceipt) {
	body, err := json.Marshal(gin.H{"Data": f.snapshot(rc)})
	if err != nil {
		return
	}
	resp, err := f.http.Post(rc.callbackURL, "application/json", bytes.NewReader(body))
	if err != nil {
		f.logger.Warn("fake ferma callback failed", "invoice_id", rc.invoiceID, "error", err)
		return
	}
	resp.Body.Close()
}
