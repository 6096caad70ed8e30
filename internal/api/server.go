package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/campaignpulse/crisis-pipeline/internal/lifecycle"
	"github.com/campaignpulse/crisis-pipeline/internal/monitor"
	"github.com/campaignpulse/crisis-pipeline/internal/pipeline"
	"github.com/campaignpulse/crisis-pipeline/internal/storage"
)

// Config holds HTTP server settings
type Config struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DefaultConfig returns production defaults
func DefaultConfig() Config {
	return Config{
		Host:            "0.0.0.0",
		Port:            8080,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		IdleTimeout:     60 * time.Second,
		ShutdownTimeout: 30 * time.Second,
	}
}

// Server is the HTTP surface of the pipeline
type Server struct {
	logger   *zap.Logger
	config   Config
	router   *gin.Engine
	server   *http.Server
	handlers *Handlers
}

// NewServer wires the router and handlers
func NewServer(logger *zap.Logger, cfg Config,
	pipe *pipeline.Pipeline, manager *lifecycle.Manager,
	alerts *storage.AlertStore, mon *monitor.Monitor) *Server {

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	named := logger.Named("api")
	s := &Server{
		logger:   named,
		config:   cfg,
		router:   router,
		handlers: NewHandlers(named, pipe, manager, alerts, mon),
	}

	router.Use(gin.Recovery())
	router.Use(s.requestLogger())
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s
}

func (s *Server) setupRoutes() {
	v1 := s.router.Group("/api/v1")
	{
		v1.POST("/events", s.handlers.IngestEvent)

		alerts := v1.Group("/alerts")
		{
			alerts.GET("", s.handlers.ListAlerts)
			alerts.GET("/:id", s.handlers.GetAlert)
			alerts.POST("/:id/acknowledge", s.handlers.Acknowledge)
			alerts.POST("/:id/investigate", s.handlers.Investigate)
			alerts.POST("/:id/resolve", s.handlers.Resolve)
			alerts.POST("/:id/dismiss", s.handlers.Dismiss)
		}

		v1.GET("/health", s.handlers.Health)
	}
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("Request handled",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)))
	}
}

// Router exposes the gin engine for tests
func (s *Server) Router() http.Handler {
	return s.router
}

// Start runs the listener until it fails or Shutdown is called
func (s *Server) Start() error {
	s.logger.Info("HTTP server listening", zap.String("addr", s.server.Addr))
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server failed: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests
func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.config.ShutdownTimeout)
	defer cancel()
	return s.server.Shutdown(ctx)
}
