package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/tingly-dev/kiro-box/internal/auth"
	"github.com/tingly-dev/kiro-box/internal/client"
	"github.com/tingly-dev/kiro-box/internal/config"
	"github.com/tingly-dev/kiro-box/internal/kiro"
	"github.com/tingly-dev/kiro-box/internal/server/middleware"
)

// ErrorResponse and ErrorDetail are shared with the middleware package so
// every error body on the wire has the same shape.
type (
	ErrorResponse = middleware.ErrorResponse
	ErrorDetail   = middleware.ErrorDetail
)

// Server is the OpenAI-compatible HTTP front of the gateway.
type Server struct {
	cfg        *config.Config
	creds      *auth.Manager
	driver     *client.Driver
	modelCache *kiro.ModelCache
	debug      *DebugRecorder

	engine     *gin.Engine
	httpServer *http.Server

	refillMu sync.Mutex

	// options
	host    string
	version string

	// Test seams; production URLs are derived from the region.
	generateURLOverride   string
	listModelsURLOverride string
}

// ServerOption defines a functional option for Server configuration
type ServerOption func(*Server)

func WithVersion(version string) ServerOption {
	return func(s *Server) {
		s.version = version
	}
}

func WithHost(host string) ServerOption {
	return func(s *Server) {
		s.host = host
	}
}

// NewServer wires the gateway together: credential manager, retrying
// driver, model cache and routes.
func NewServer(cfg *config.Config, creds *auth.Manager, opts ...ServerOption) *Server {
	s := &Server{
		cfg:        cfg,
		creds:      creds,
		driver:     client.NewDriver(creds, cfg),
		modelCache: kiro.NewModelCache(cfg.ModelCacheTTL, cfg.DefaultMaxInputTokens),
		debug:      NewDebugRecorder(cfg.DebugDir, cfg.DebugLastRequest),
		version:    "dev",
	}
	for _, opt := range opts {
		opt(s)
	}

	gin.SetMode(gin.ReleaseMode)
	s.engine = gin.New()
	s.engine.Use(gin.Recovery())
	s.engine.Use(middleware.CORS())
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.engine.GET("/", s.handleIndex)
	s.engine.GET("/health", s.handleHealth)

	v1 := s.engine.Group("/v1", middleware.ProxyAuth(s.cfg.ProxyAPIKey))
	v1.GET("/models", s.handleListModels)
	v1.POST("/chat/completions", s.handleChatCompletions)
}

func (s *Server) handleIndex(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"message": "Kiro OpenAI-compatible gateway",
		"version": s.version,
	})
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"version":   s.version,
	})
}

func (s *Server) generateURL() string {
	if s.generateURLOverride != "" {
		return s.generateURLOverride
	}
	return s.creds.APIHost() + generatePath
}

func (s *Server) listModelsURL() string {
	if s.listModelsURLOverride != "" {
		return s.listModelsURLOverride
	}
	return s.creds.QHost() + listModelsPath
}

func (s *Server) payloadOptions() kiro.PayloadOptions {
	return kiro.PayloadOptions{
		ProfileARN:               s.creds.ProfileARN(),
		ToolDescriptionMaxLength: s.cfg.ToolDescriptionMaxLength,
		FakeReasoningEnabled:     s.cfg.FakeReasoningEnabled,
		FakeReasoningMaxTokens:   s.cfg.FakeReasoningMaxTokens,
	}
}

// Start blocks serving HTTP until the listener fails or Stop is called.
func (s *Server) Start(port int) error {
	addr := fmt.Sprintf("%s:%d", s.host, port)
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.engine,
	}
	logrus.Infof("listening on %s", addr)
	return s.httpServer.ListenAndServe()
}

// GetRouter returns the Gin engine for testing purposes
func (s *Server) GetRouter() *gin.Engine {
	return s.engine
}

// Stop gracefully stops the HTTP server
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	logrus.Info("shutting down server")
	return s.httpServer.Shutdown(ctx)
}
