// Package controlplane exposes operational visibility into the broker
// pool over HTTP and WebSocket: health, Prometheus metrics, broker
// snapshots and history, and a live stream of swap events. It has no
// write path into the core engine besides an admin-only broker restore
// endpoint.
package controlplane

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/brokermesh/adaptive-mqtt/internal/models"
	"github.com/brokermesh/adaptive-mqtt/internal/registry"
)

// SessionManager is the subset of the session manager's contract the
// control plane depends on.
type SessionManager interface {
	GetBrokerStats() []registry.Broker
	GetCurrentBrokerURI() string
	GetQueuedMessageCount() int
	SwapHistory() []models.SwapEvent
}

// HistoryReader is the subset of the metrics history repository's
// contract the control plane depends on. Nil-safe: with a nil reader the
// /brokers/history route is not registered.
type HistoryReader interface {
	RecentSamples(ctx context.Context, uri string, since time.Time) ([]models.MetricSample, error)
	RecentSwaps(ctx context.Context, limit int) ([]models.SwapEvent, error)
}

// Restorer is the narrow broker-restore contract exposed to operators.
type Restorer interface {
	MarkAvailable(uri string)
}

// Server is the control plane's HTTP server.
type Server struct {
	log     *zap.Logger
	engine  *gin.Engine
	http    *http.Server
	hub     *swapHub
	shutdownTimeout time.Duration
}

// Config configures the control plane.
type Config struct {
	BindAddress     string
	RateLimit       rate.Limit
	RateBurst       int
	ShutdownTimeout time.Duration
}

// New builds the control plane's gin engine and WebSocket hub, wiring
// routes against session, history and restorer (any of which may be nil
// to disable the routes that depend on them).
func New(cfg Config, log *zap.Logger, reg prometheus.Gatherer, session SessionManager, history HistoryReader, restorer Restorer) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	if cfg.RateLimit > 0 {
		engine.Use(rateLimitMiddleware(rate.NewLimiter(cfg.RateLimit, cfg.RateBurst), log))
	}

	hub := newSwapHub(log)

	engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	if reg != nil {
		engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))
	}

	if session != nil {
		engine.GET("/brokers", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{
				"brokers":        session.GetBrokerStats(),
				"current":        session.GetCurrentBrokerURI(),
				"queued_count":   session.GetQueuedMessageCount(),
				"recent_swaps":   session.SwapHistory(),
			})
		})
	}

	if history != nil {
		engine.GET("/brokers/history", func(c *gin.Context) {
			uri := c.Query("uri")
			since := time.Now().Add(-1 * time.Hour)
			samples, err := history.RecentSamples(c.Request.Context(), uri, since)
			if err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusOK, gin.H{"samples": samples})
		})
	}

	if restorer != nil {
		engine.POST("/brokers/:uri/restore", func(c *gin.Context) {
			restorer.MarkAvailable(c.Param("uri"))
			c.JSON(http.StatusOK, gin.H{"status": "restored"})
		})
	}

	engine.GET("/ws/swaps", hub.handleUpgrade)

	srv := &Server{
		log:    log,
		engine: engine,
		hub:    hub,
		http:   &http.Server{Addr: cfg.BindAddress, Handler: engine},
		shutdownTimeout: cfg.ShutdownTimeout,
	}
	return srv
}

// BroadcastSwap pushes a swap event to every connected WebSocket
// observer. Safe to call from any goroutine, including the session
// manager's swap path.
func (s *Server) BroadcastSwap(evt models.SwapEvent) {
	s.hub.broadcast(evt)
}

// ListenAndServe starts the HTTP server; blocks until it stops.
func (s *Server) ListenAndServe() error {
	return s.http.ListenAndServe()
}

// Shutdown gracefully stops the HTTP server and closes all WebSocket
// connections.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.closeAll()
	return s.http.Shutdown(ctx)
}

func rateLimitMiddleware(limiter *rate.Limiter, log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !limiter.Allow() {
			log.Debug("control plane rate limit exceeded",
				zap.String("path", c.Request.URL.Path),
				zap.String("ip", c.ClientIP()))
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			c.Abort()
			return
		}
		c.Next()
	}
}
