// Package api provides the HTTP surface: run control, history, live
// streams over SSE and WebSocket, health and metrics.
package api

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/codespacesh/blink-sub003/pkg/config"
	"github.com/codespacesh/blink-sub003/pkg/database"
	"github.com/codespacesh/blink-sub003/pkg/metrics"
	"github.com/codespacesh/blink-sub003/pkg/models"
	"github.com/codespacesh/blink-sub003/pkg/runs"
	"github.com/codespacesh/blink-sub003/pkg/session"
)

// RunReconciler creates runs. Implemented by *runs.Reconciler.
type RunReconciler interface {
	Reconcile(ctx context.Context, req runs.Request) (*runs.Result, error)
}

// RunHistory lists durable run state. Implemented by *services.RunService.
type RunHistory interface {
	ListRuns(ctx context.Context, chatID string, limit int) ([]*models.RunResponse, error)
}

// ControlPublisher relays control actions to the other pods.
// Implemented by *events.ControlPublisher.
type ControlPublisher interface {
	Stop(ctx context.Context, chatID string) error
	Interrupt(ctx context.Context, chatID string) error
	Messages(ctx context.Context, chatID, event string, messages any) error
}

// Server is the HTTP API server.
type Server struct {
	cfg  *config.Config
	echo *echo.Echo

	mu         sync.Mutex
	httpServer *http.Server

	dbClient   *database.Client
	reconciler RunReconciler
	host       session.Host
	history    RunHistory
	control    ControlPublisher
	limiter    *chatLimiter
}

// NewServer creates a new API server with all routes registered.
func NewServer(
	cfg *config.Config,
	dbClient *database.Client,
	reconciler RunReconciler,
	host session.Host,
	history RunHistory,
) *Server {
	e := echo.New()
	s := &Server{
		cfg:        cfg,
		echo:       e,
		dbClient:   dbClient,
		reconciler: reconciler,
		host:       host,
		history:    history,
		limiter:    newChatLimiter(cfg.API.RunRateLimit, cfg.API.RunRateBurst),
	}
	s.setupRoutes()
	return s
}

// SetControlPublisher enables cross-pod relay of stop, interrupt and
// message notifications.
func (s *Server) SetControlPublisher(p ControlPublisher) {
	s.control = p
}

func (s *Server) setupRoutes() {
	s.echo.Use(securityHeaders())

	s.echo.GET("/health", s.healthHandler)
	s.echo.GET("/metrics", echo.WrapHandler(metrics.Handler()))

	v1 := s.echo.Group("/api/v1")
	v1.POST("/chats/:id/runs", s.startRunHandler, rateLimitChat(s.limiter))
	v1.GET("/chats/:id/runs", s.listRunsHandler)
	v1.POST("/chats/:id/stop", s.stopHandler)
	v1.POST("/chats/:id/messages/notify", s.notifyMessagesHandler)
	v1.GET("/chats/:id/stream", s.streamHandler)
	v1.GET("/chats/:id/ws", s.wsHandler)
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start listens on addr and serves until Shutdown. Returns
// http.ErrServerClosed after a graceful shutdown.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.StartWithListener(ln)
}

// StartWithListener serves on an existing listener (tests bind port 0).
func (s *Server) StartWithListener(ln net.Listener) error {
	s.mu.Lock()
	s.httpServer = &http.Server{
		Handler:           s.echo,
		ReadHeaderTimeout: 10 * time.Second,
	}
	srv := s.httpServer
	s.mu.Unlock()
	return srv.Serve(ln)
}

// Shutdown stops accepting connections and waits for in-flight requests.
// Long-lived streams are ended by shutting down the session host first.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.httpServer
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}
