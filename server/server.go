// Package server wires the chat manager, settings watcher, and HTTP/WS
// edge together and owns graceful shutdown.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"

	"github.com/liuzsen/niu-code/api"
	"github.com/liuzsen/niu-code/chat"
	"github.com/liuzsen/niu-code/config"
	"github.com/liuzsen/niu-code/log"
	"github.com/liuzsen/niu-code/setting"
)

// Server owns and coordinates all application components.
type Server struct {
	cfg     *config.Config
	manager *chat.Manager

	// cancelled when the server is shutting down; long-running handlers
	// (WebSocket, SSE) listen to this
	shutdownCtx    context.Context
	shutdownCancel context.CancelFunc

	router *gin.Engine
	http   *http.Server
}

// New creates a server with all components initialized.
func New() *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:            config.Get(),
		manager:        chat.NewManager(),
		shutdownCtx:    ctx,
		shutdownCancel: cancel,
	}

	setting.Init()
	s.setupRouter()

	log.Info().Msg("server initialized")
	return s
}

func (s *Server) setupRouter() {
	if !s.cfg.IsDevelopment() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.router.Use(gin.Recovery())
	s.router.Use(log.GinLogger())

	if s.cfg.IsDevelopment() {
		s.router.Use(s.corsMiddleware())
	}

	// streaming endpoints must not be buffered by compression
	s.router.Use(gzip.Gzip(gzip.DefaultCompression, gzip.WithExcludedPaths([]string{
		"/api/ws",
		"/api/prompt/stream",
	})))

	s.router.SetTrustedProxies(nil)

	handlers := api.NewHandlers(s.manager.Handle(), s.shutdownCtx)
	api.SetupRoutes(s.router, handlers)
}

func (s *Server) corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, PATCH, HEAD, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// Start runs the manager and the HTTP server. Blocks until the HTTP
// server stops.
func (s *Server) Start() error {
	go s.manager.Run(s.shutdownCtx)

	s.http = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler: s.router,
	}

	log.Info().Str("addr", s.http.Addr).Str("env", s.cfg.Env).Msg("HTTP server starting")
	return s.http.ListenAndServe()
}

// Shutdown stops handlers, the HTTP server, and the manager.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("shutting down server")

	// signal WebSocket/SSE handlers and the manager first
	s.shutdownCancel()
	time.Sleep(100 * time.Millisecond)

	if s.http != nil {
		if err := s.http.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("http server shutdown error")
			return err
		}
	}

	log.Info().Msg("server shutdown complete")
	return nil
}

// Manager exposes the manager handle for tests and tooling.
func (s *Server) Manager() chat.Handle {
	return s.manager.Handle()
}
