package handler

import (
	"context"
	"log/slog"
	"net/http"
	"net/netip"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"ferma-fiscal/internal/metrics"
	"ferma-fiscal/internal/service"
)

// StatusApplier applies a pushed status to the ledger.
type StatusApplier interface {
	Apply(ctx context.Context, u service.Update, source string) (service.Outcome, error)
}

type HealthChecker interface {
	Health(ctx context.Context) map[string]string
}

type Options struct {
	CallbackPath string
	TrustedCIDRs []string
	CORSOrigins  []string
}

type Deps struct {
	Fiscal   service.FiscalizationService
	Status   StatusApplier
	Health   HealthChecker
	Gatherer prometheus.Gatherer
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
}

type Server struct {
	deps    Deps
	trusted []netip.Prefix
	router  *gin.Engine
}

func New(opts Options, deps Deps) *Server {
	s := &Server{
		deps:    deps,
		trusted: parseTrusted(opts.TrustedCIDRs, deps.Logger),
	}
	if len(s.trusted) == 0 {
		deps.Logger.Warn("no trusted CIDRs configured, fiscal callbacks accepted from any address")
	}

	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(deps.Logger))
	if len(opts.CORSOrigins) > 0 {
		r.Use(cors.New(cors.Config{
			AllowOrigins: opts.CORSOrigins,
			AllowMethods: []string{http.MethodGet, http.MethodPost},
			AllowHeaders: []string{"Origin", "Content-Type"},
			MaxAge:       12 * time.Hour,
		}))
	}

	r.POST(opts.CallbackPath, s.handleFermaCallback)
	r.POST("/payments/succeeded", s.handlePaymentSucceeded)
	r.GET("/receipts/:payment_id", s.handleGetReceipt)
	r.GET("/health", s.handleHealth)
	if deps.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))
	}

	s.router = r
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) handleHealth(c *gin.Context) {
	if s.deps.Health == nil {
		c.JSON(http.StatusOK, gin.H{"status": "up"})
		return
	}
	stats := s.deps.Health.Health(c.Request.Context())
	code := http.StatusOK
	if stats["status"] != "up" {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, stats)
}

// parseTrusted accepts CIDRs and bare addresses; invalid entries are logged and skipped.
func parseTrusted(raw []string, logger *slog.Logger) []netip.Prefix {
	var out []netip.Prefix
	for _, entry := range raw {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if p, err := netip.ParsePrefix(entry); err == nil {
			out = append(out, p.Masked())
			continue
		}
		if a, err := netip.ParseAddr(entry); err == nil {
			out = append(out, netip.PrefixFrom(a, a.BitLen()))
			continue
		}
		logger.Warn("invalid trusted CIDR ignored", "cidr", entry)
	}
	return out
}

// allowed checks the direct peer address; forwarding headers are not trusted.
func (s *Server) allowed(remoteIP string) bool {
	if len(s.trusted) == 0 {
		return true
	}
	addr, err := netip.ParseAddr(remoteIP)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range s.trusted {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("http request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"remote_ip", c.RemoteIP(),
			"duration", time.Since(start),
		)
	}
}
