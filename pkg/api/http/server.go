package http

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/taskmesh/taskmesh/internal/application/devices"
	"github.com/taskmesh/taskmesh/internal/application/engine"
)

// EndpointRegistrar lets the API announce device endpoints to the
// dispatch layer when a device registers over HTTP.
type EndpointRegistrar interface {
	RegisterEndpoint(deviceID, url string)
}

// Server represents the HTTP API server
type Server struct {
	router  *gin.Engine
	server  *http.Server
	service *engine.Service
	devices *devices.Manager
	health  *devices.HealthMonitor
	dialer  EndpointRegistrar
	logger  *zap.Logger
}

// Config holds HTTP server configuration
type Config struct {
	Port    int
	Service *engine.Service
	Devices *devices.Manager
	Health  *devices.HealthMonitor
	Dialer  EndpointRegistrar
	Logger  *zap.Logger
}

// NewServer creates a new HTTP server
func NewServer(cfg *Config) *Server {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(cfg.Logger))
	router.Use(corsMiddleware())

	s := &Server{
		router:  router,
		service: cfg.Service,
		devices: cfg.Devices,
		health:  cfg.Health,
		dialer:  cfg.Dialer,
		logger:  cfg.Logger,
	}

	s.setupRoutes()

	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: router,
	}

	return s
}

// setupRoutes configures API routes
func (s *Server) setupRoutes() {
	// Health check
	s.router.GET("/health", s.handleHealth)

	// Metrics
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// API v1
	v1 := s.router.Group("/api/v1")
	{
		// Graph endpoints
		v1.POST("/graphs", s.handleSubmitGraph)
		v1.GET("/graphs", s.handleListGraphs)
		v1.GET("/graphs/:id", s.handleGetGraph)
		v1.GET("/graphs/:id/status", s.handleGetStatus)
		v1.GET("/graphs/:id/result", s.handleGetResult)
		v1.POST("/graphs/:id/cancel", s.handleCancelGraph)

		// Device endpoints
		v1.POST("/devices", s.handleRegisterDevice)
		v1.GET("/devices", s.handleListDevices)
		v1.GET("/devices/:id", s.handleGetDevice)
		v1.DELETE("/devices/:id", s.handleUnregisterDevice)
		v1.GET("/utilization", s.handleDeviceUtilization)
	}
}

// SetupWebSocket adds the event-stream WebSocket handler.
func (s *Server) SetupWebSocket(handler interface {
	HandleGraphStream(*gin.Context)
}) {
	s.router.GET("/api/v1/graphs/:id/ws", handler.HandleGraphStream)
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", zap.String("addr", s.server.Addr))

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}

	s.logger.Info("HTTP server shut down complete")
	return nil
}

// requestLogger is a middleware for request logging
func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		duration := time.Since(start)

		logger.Info("HTTP request",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.String("query", query),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", duration),
			zap.String("client_ip", c.ClientIP()))
	}
}
