// Package http wires the gin router: the intercepted chat-completions
// endpoint, the control API, the websocket upgrade and the transparent
// passthrough for everything else under /v1.
package http

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/playingpack/playingpack/internal/application"
	"github.com/playingpack/playingpack/internal/infrastructure/persistence"
	"github.com/playingpack/playingpack/internal/infrastructure/upstream"
	"github.com/playingpack/playingpack/internal/interfaces/http/handlers"
	"github.com/playingpack/playingpack/internal/interfaces/websocket"
)

// Server is the HTTP front of the proxy.
type Server struct {
	server *http.Server
	logger *zap.Logger
}

// Config holds listener settings.
type Config struct {
	Host      string
	Port      int
	Mode      string // debug, production
	StaticDir string // Control UI assets; empty disables static serving
}

// NewServer builds the router and the HTTP server around it.
func NewServer(
	cfg Config,
	engine *application.Engine,
	client *upstream.Client,
	archive *persistence.SessionArchive,
	hub *websocket.Hub,
	logger *zap.Logger,
) *Server {
	if cfg.Mode == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(ginLogger(logger))

	proxyHandler := handlers.NewProxyHandler(engine, logger)
	passthrough := handlers.NewPassthroughHandler(client, engine.Settings(), logger)
	decision := handlers.NewDecisionHandler(engine.Broker(), engine.Settings(), archive, logger)

	setupRoutes(router, proxyHandler, passthrough, decision, hub, cfg.StaticDir)

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	return &Server{
		server: &http.Server{
			Addr:    addr,
			Handler: router,
		},
		logger: logger,
	}
}

// Start begins serving in the background.
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("Starting HTTP server", zap.String("address", s.server.Addr))

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping HTTP server")
	return s.server.Shutdown(ctx)
}

func setupRoutes(
	router *gin.Engine,
	proxy *handlers.ProxyHandler,
	passthrough *handlers.PassthroughHandler,
	decision *handlers.DecisionHandler,
	hub *websocket.Hub,
	staticDir string,
) {
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// The intercepted endpoint.
	router.POST("/v1/chat/completions", proxy.ChatCompletions)

	// Control UI channel.
	router.GET("/ws", func(c *gin.Context) {
		hub.ServeWS(c.Writer, c.Request)
	})

	// Control API.
	api := router.Group("/api")
	{
		api.GET("/requests", decision.GetSessions)
		api.GET("/requests/:id", decision.GetSession)
		api.POST("/requests/:id/point1", decision.Point1)
		api.POST("/requests/:id/point2", decision.Point2)
		api.GET("/archive", decision.GetArchive)
		api.GET("/settings", decision.GetSettings)
		api.PATCH("/settings", decision.UpdateSettings)
	}

	// Everything else under /v1 forwards transparently; any other path
	// falls through to the control UI assets. NoRoute avoids a gin
	// wildcard clash with the explicit /v1/chat/completions route.
	router.NoRoute(func(c *gin.Context) {
		if strings.HasPrefix(c.Request.URL.Path, "/v1/") {
			passthrough.Handle(c)
			return
		}
		if staticDir != "" && c.Request.Method == http.MethodGet {
			serveStatic(c, staticDir)
			return
		}
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	})
}

// serveStatic serves the control UI with an index.html fallback so the
// UI's client-side routing works on refresh.
func serveStatic(c *gin.Context, dir string) {
	requested := filepath.Join(dir, filepath.Clean("/"+c.Request.URL.Path))
	if info, err := os.Stat(requested); err == nil && !info.IsDir() {
		c.File(requested)
		return
	}
	index := filepath.Join(dir, "index.html")
	if _, err := os.Stat(index); err == nil {
		c.File(index)
		return
	}
	c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
}

func ginLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		latency := time.Since(start)
		statusCode := c.Writer.Status()

		logger.Info("HTTP request",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.String("query", query),
			zap.Int("status", statusCode),
			zap.Duration("latency", latency),
			zap.String("ip", c.ClientIP()),
		)
	}
}
