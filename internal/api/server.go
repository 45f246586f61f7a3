package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/proxy-rotator/internal/aggregator"
	"github.com/proxy-rotator/internal/checker"
	"github.com/proxy-rotator/internal/config"
	"github.com/proxy-rotator/internal/executor"
	"github.com/proxy-rotator/internal/metrics"
	"github.com/proxy-rotator/internal/pool"
	"github.com/proxy-rotator/internal/snapshot"
	log "github.com/sirupsen/logrus"
)

type Server struct {
	config      *config.Config
	executor    *executor.Executor
	registry    *pool.Registry
	checker     *checker.Checker
	aggregator  *aggregator.Aggregator // nil when no sources are configured
	snapshot    *snapshot.Manager
	metrics     *metrics.Collector
	gatherer    prometheus.Gatherer
	router      *gin.Engine
	httpServer  *http.Server
	rateLimiter *RateLimiter
}

// Deps groups the components the server exposes.
type Deps struct {
	Executor   *executor.Executor
	Checker    *checker.Checker
	Aggregator *aggregator.Aggregator
	Snapshot   *snapshot.Manager
	Metrics    *metrics.Collector
	Gatherer   prometheus.Gatherer // defaults to prometheus.DefaultGatherer
}

func NewServer(cfg *config.Config, deps Deps) *Server {
	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())

	gatherer := deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	s := &Server{
		config:      cfg,
		executor:    deps.Executor,
		registry:    deps.Executor.Registry(),
		checker:     deps.Checker,
		aggregator:  deps.Aggregator,
		snapshot:    deps.Snapshot,
		metrics:     deps.Metrics,
		gatherer:    gatherer,
		router:      router,
		rateLimiter: NewRateLimiter(cfg.API.RateLimitPerMinute),
	}

	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         cfg.API.Addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.Use(requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
	s.router.Use(s.metricsMiddleware())

	s.router.GET("/health", s.handleHealth)

	if s.config.Metrics.Enabled {
		s.router.GET(s.config.Metrics.Endpoint, gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	}

	protected := s.router.Group("/")
	if s.config.API.EnableAPIKeyAuth {
		protected.Use(s.authMiddleware())
	}
	if s.config.API.EnableIPRateLimit {
		protected.Use(s.rateLimitMiddleware())
	}

	protected.GET("/proxy", s.handleGetProxy)
	protected.GET("/proxy/random", s.handleRandomProxy)
	protected.GET("/proxies", s.handleListProxies)
	protected.POST("/proxies", s.handleAddProxy)
	protected.DELETE("/proxies", s.handleClearProxies)
	protected.DELETE("/proxies/:index", s.handleRemoveProxy)
	protected.POST("/check", s.handleCheckAll)
	protected.POST("/check/:index", s.handleCheckOne)
	protected.POST("/rotate", s.handleRotate)
	protected.POST("/mark", s.handleMark)
	protected.GET("/fetch", s.handleFetch)
	protected.GET("/stat", s.handleStat)
	protected.POST("/reload", s.handleReload)
}

func (s *Server) Start() error {
	log.Infof("Starting API server on %s", s.config.API.Addr)
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	log.Info("Shutting down API server...")
	return s.httpServer.Shutdown(ctx)
}
