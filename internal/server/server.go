// Package server exposes the custody core over HTTP and WebSocket.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/custodia-labs/rangekeeper/internal/domain"
	"github.com/custodia-labs/rangekeeper/internal/server/handler"
	"github.com/custodia-labs/rangekeeper/internal/server/middleware"
	"github.com/custodia-labs/rangekeeper/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string // if empty, authentication is disabled

	// SignalRateLimit throttles POST /api/signals per client IP when a
	// rate limiter is wired. Zero disables throttling.
	SignalRateLimit  int
	SignalRateWindow time.Duration
}

// Handlers aggregates all HTTP handlers that the server needs to register.
type Handlers struct {
	Health     *handler.HealthHandler
	Positions  *handler.PositionHandler
	Breaker    *handler.BreakerHandler
	Controller *handler.ControllerHandler
}

// Server is the HTTP + WebSocket API server for the custody core.
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
	logger     *slog.Logger
}

// NewServer creates a new Server with all routes registered on the ServeMux.
// It wires up middleware (logging, CORS, auth, rate limiting) and attaches
// the WebSocket hub. limiter may be nil.
func NewServer(cfg Config, handlers Handlers, wsHub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	// Health check (no auth required).
	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)

	// Position endpoints.
	mux.HandleFunc("GET /api/positions/{owner}", handlers.Positions.GetPosition)
	mux.HandleFunc("GET /api/positions/{owner}/pool", handlers.Positions.GetPool)
	mux.HandleFunc("GET /api/positions/{owner}/history", handlers.Positions.GetHistory)
	mux.HandleFunc("POST /api/positions/{owner}/deposit", handlers.Positions.Deposit)
	mux.HandleFunc("POST /api/positions/{owner}/withdraw", handlers.Positions.Withdraw)

	// Breaker endpoints.
	mux.HandleFunc("GET /api/breaker", handlers.Breaker.GetState)
	mux.HandleFunc("GET /api/breaker/swap", handlers.Breaker.GetSwapAllowed)
	mux.HandleFunc("GET /api/breaker/events", handlers.Breaker.GetEvents)

	// Signal intake, optionally rate limited per client IP.
	var signals http.Handler = http.HandlerFunc(handlers.Breaker.SubmitSignal)
	if limiter != nil && cfg.SignalRateLimit > 0 {
		signals = middleware.RateLimit(limiter, cfg.SignalRateLimit, cfg.SignalRateWindow)(signals)
	}
	mux.Handle("POST /api/signals", signals)

	// Controller endpoints.
	mux.HandleFunc("GET /api/controller", handlers.Controller.GetController)
	mux.HandleFunc("POST /api/controller/reposition", handlers.Controller.Reposition)

	// WebSocket endpoint.
	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}

	// Build the middleware chain.
	var h http.Handler = mux
	h = middleware.Auth(cfg.APIKey)(h)
	h = middleware.Logging(logger)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      h,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		httpServer: srv,
		mux:        mux,
		logger:     logger,
	}
}

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting",
		slog.String("addr", s.httpServer.Addr),
	)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server, waiting for in-flight requests
// to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
