package gateway

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/claude-host/claude-host/internal/common/config"
	"github.com/claude-host/claude-host/internal/common/logger"
	"github.com/claude-host/claude-host/internal/executor"
	"github.com/claude-host/claude-host/internal/session"
)

// Server is the frontdoor HTTP server: REST API, browser WebSockets, and
// executor-facing WebSockets on one listener.
type Server struct {
	httpServer *http.Server
	logger     *logger.Logger
}

// NewServer assembles the router and handlers.
func NewServer(cfg *config.Config, mgr *session.Manager, reg *executor.Registry, auth *Authenticator, log *logger.Logger) *Server {
	router := newRouter(cfg, mgr, reg, auth, log)

	// No server-level write timeout: WebSocket connections are long-lived.
	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
			Handler:           router,
			ReadHeaderTimeout: cfg.Server.ReadTimeoutDuration(),
		},
		logger: log.WithFields(zap.String("component", "http_server")),
	}
}

func newRouter(cfg *config.Config, mgr *session.Manager, reg *executor.Registry, auth *Authenticator, log *logger.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(log))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api", auth.Middleware())
	NewHandlers(mgr, reg, log).register(api)
	NewWSHandlers(mgr, reg, cfg.Executor, log).register(router, auth)
	return router
}

// Run serves until the listener fails or Shutdown is called.
func (s *Server) Run() error {
	s.logger.Info("http server listening", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// requestLogger logs API requests; health checks and WebSocket upgrades
// are left out of the access log.
func requestLogger(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		path := c.FullPath()
		if path == "/health" || c.IsWebsocket() {
			return
		}
		log.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)))
	}
}
