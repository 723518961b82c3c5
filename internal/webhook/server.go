package webhook

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"escrowledger/internal/observability"
	"escrowledger/internal/queue"
)

// JobTypeWebhook tags queued webhook payloads.
const JobTypeWebhook = "webhook"

// maxBodyBytes caps an inbound payload; provider blocks are far smaller.
const maxBodyBytes = 4 << 20

// Server is the webhook ingress. It validates shape, persists the payload to
// the durable queue, pokes the worker, and returns. All real work happens off
// the request path.
type Server struct {
	queue   queue.Queue
	trigger func()
	metrics *observability.Metrics
	logger  *zap.Logger

	httpServer *http.Server
}

// NewServer builds the ingress. trigger is called after each enqueue to wake
// the worker; it must not block.
func NewServer(
	addr string,
	q queue.Queue,
	trigger func(),
	metrics *observability.Metrics,
	gatherer prometheus.Gatherer,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = observability.NewNop()
	}
	if trigger == nil {
		trigger = func() {}
	}
	s := &Server{
		queue:   q,
		trigger: trigger,
		metrics: metrics,
		logger:  logger,
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.POST("/webhook", s.handleWebhook)
	router.GET("/healthz", s.handleHealthz)
	if gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Start serves until the listener closes. A graceful Shutdown surfaces as nil.
func (s *Server) Start() error {
	s.logger.Info("webhook server listening", zap.String("addr", s.httpServer.Addr))
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleWebhook(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes))
	if err != nil {
		s.metrics.WebhookRejected.Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}

	// Validate the envelope before accepting; processing itself is deferred.
	if _, err := ParsePayload(body); err != nil {
		s.metrics.WebhookRejected.Inc()
		var perr *PayloadError
		if errors.As(err, &perr) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload", "field": perr.Field, "reason": perr.Reason})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	id, err := s.queue.Enqueue(c.Request.Context(), JobTypeWebhook, body)
	if err != nil {
		// The provider retries on non-2xx; a queue outage must not drop events.
		s.logger.Error("enqueue webhook payload", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "queue unavailable"})
		return
	}

	s.metrics.WebhookPayloads.Inc()
	s.trigger()
	c.JSON(http.StatusOK, gin.H{"job_id": id})
}

func (s *Server) handleHealthz(c *gin.Context) {
	pending, err := s.queue.PendingCount(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "error": err.Error()})
		return
	}
	s.metrics.QueueDepth.Set(float64(pending))
	c.JSON(http.StatusOK, gin.H{"status": "ok", "pending_jobs": pending})
}
