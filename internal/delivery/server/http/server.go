// Package http exposes the submission and query API over HTTP.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"muse/internal/delivery/server/app"
	"muse/internal/domain/instance"
	"muse/internal/infra/observability"
	"muse/internal/shared/async"
	"muse/internal/shared/logging"
)

const gaugeSampleInterval = 5 * time.Second

// Config carries the HTTP server settings.
type Config struct {
	Host         string
	Port         int
	APISecret    string
	Debug        bool
	EnableCORS   bool
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Server hosts the submission API, task queries, health and metrics.
type Server struct {
	cfg      Config
	service  *app.SubmitService
	registry *instance.Registry
	metrics  *observability.Metrics
	logger   logging.Logger

	engine     *gin.Engine
	httpServer *http.Server
	startTime  time.Time

	stopCh chan struct{}
}

// NewServer builds the router and wires all handlers.
func NewServer(cfg Config, service *app.SubmitService, registry *instance.Registry, metrics *observability.Metrics) *Server {
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(gin.Recovery())

	if cfg.EnableCORS {
		corsConfig := cors.DefaultConfig()
		corsConfig.AllowAllOrigins = true
		corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
		corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "mj-api-secret"}
		engine.Use(cors.New(corsConfig))
	}

	s := &Server{
		cfg:       cfg,
		service:   service,
		registry:  registry,
		metrics:   metrics,
		logger:    logging.NewComponentLogger("HTTPServer"),
		engine:    engine,
		startTime: time.Now(),
		stopCh:    make(chan struct{}),
	}
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      engine,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.engine.GET("/health", s.handleHealth)
	s.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	mj := s.engine.Group("/mj")
	mj.Use(s.authMiddleware())

	submit := mj.Group("/submit")
	{
		submit.POST("/imagine", s.handleImagine)
		submit.POST("/change", s.handleChange)
		submit.POST("/action", s.handleAction)
		submit.POST("/describe", s.handleDescribe)
		submit.POST("/blend", s.handleBlend)
	}

	tasks := mj.Group("/task")
	{
		tasks.GET("/:id/fetch", s.handleFetch)
		tasks.POST("/:id/cancel", s.handleCancel)
		tasks.GET("/queue", s.handleQueue)
		tasks.GET("/list", s.handleList)
	}

	admin := mj.Group("/account")
	{
		admin.GET("/list", s.handleAccounts)
	}
}

// authMiddleware rejects requests missing the configured API secret. An
// empty secret disables the check.
func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.APISecret != "" && c.GetHeader("mj-api-secret") != s.cfg.APISecret {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": 401, "description": "unauthorized"})
			return
		}
		c.Next()
	}
}

// Start begins serving. It returns once the listener is closed.
func (s *Server) Start() error {
	async.Go(s.logger, "http.gauges", s.sampleGauges)
	s.logger.Info("listening on %s", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the listener gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	close(s.stopCh)
	return s.httpServer.Shutdown(ctx)
}

// sampleGauges periodically reports per-instance queue depth and running
// counts.
func (s *Server) sampleGauges() {
	ticker := time.NewTicker(gaugeSampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			for _, rt := range s.registry.All() {
				s.metrics.SetQueueDepth(rt.ID(), rt.QueueLen())
				s.metrics.SetTasksRunning(rt.ID(), len(rt.RunningTasks()))
			}
		case <-s.stopCh:
			return
		}
	}
}
