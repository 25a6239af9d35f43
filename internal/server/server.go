// Package server exposes the HTTP + WebSocket API over the paper exchange,
// the live book snapshot and the replay engine.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/kychan/flowdesk/internal/domain"
	"github.com/kychan/flowdesk/internal/server/handler"
	"github.com/kychan/flowdesk/internal/server/middleware"
	"github.com/kychan/flowdesk/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string // if empty, authentication is disabled

	// RateLimiter, when set, caps requests per client IP.
	RateLimiter     domain.RateLimiter
	RateLimit       int
	RateLimitWindow time.Duration
}

// Handlers aggregates all HTTP handlers that the server needs to register.
// Nil handlers leave their routes unregistered.
type Handlers struct {
	Health   *handler.HealthHandler
	Book     *handler.BookHandler
	Orders   *handler.OrderHandler
	Settings *handler.SettingsHandler
	Fills    *handler.FillsHandler
	Backtest *handler.BacktestHandler
}

// Server is the headless HTTP + WebSocket API server.
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
	logger     *slog.Logger
}

// NewServer creates a new Server with all routes registered on the ServeMux.
// It wires up middleware (logging, CORS, auth, rate limiting) and attaches
// the WebSocket hub.
func NewServer(cfg Config, handlers Handlers, wsHub *ws.Hub, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	// Health check (no auth required).
	if handlers.Health != nil {
		mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)
	}

	// Book snapshot.
	if handlers.Book != nil {
		mux.HandleFunc("GET /api/book", handlers.Book.GetBook)
	}

	// Order endpoints.
	if handlers.Orders != nil {
		mux.HandleFunc("GET /api/orders", handlers.Orders.ListOrders)
		mux.HandleFunc("POST /api/orders", handlers.Orders.PlaceOrder)
		mux.HandleFunc("DELETE /api/orders", handlers.Orders.CancelAllOrders)
		mux.HandleFunc("GET /api/orders/{id}", handlers.Orders.GetOrder)
		mux.HandleFunc("DELETE /api/orders/{id}", handlers.Orders.CancelOrder)
	}

	// Account settings, reset and portfolio.
	if handlers.Settings != nil {
		mux.HandleFunc("POST /api/settings", handlers.Settings.UpdateSettings)
		mux.HandleFunc("POST /api/reset", handlers.Settings.ResetAccount)
		mux.HandleFunc("GET /api/portfolio", handlers.Settings.GetPortfolio)
	}

	// Fill history.
	if handlers.Fills != nil {
		mux.HandleFunc("GET /api/fills", handlers.Fills.ListFills)
	}

	// Replay runs.
	if handlers.Backtest != nil {
		mux.HandleFunc("POST /api/backtest", handlers.Backtest.RunBacktest)
		mux.HandleFunc("GET /api/backtests", handlers.Backtest.ListBacktests)
		mux.HandleFunc("GET /api/backtests/{id}", handlers.Backtest.GetBacktest)
	}

	// WebSocket endpoint.
	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}

	// Build the middleware chain.
	var h http.Handler = mux

	// Apply auth middleware (skips if APIKey is empty).
	h = middleware.Auth(cfg.APIKey)(h)

	// Apply per-client rate limiting when a limiter is configured.
	if cfg.RateLimiter != nil && cfg.RateLimit > 0 {
		window := cfg.RateLimitWindow
		if window <= 0 {
			window = time.Second
		}
		h = middleware.RateLimit(cfg.RateLimiter, cfg.RateLimit, window)(h)
	}

	// Apply request logging middleware.
	h = middleware.Logging(logger)(h)

	// Apply CORS middleware.
	h = middleware.CORS(cfg.CORSOrigins)(h)

	srv := &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Port),
		Handler:     h,
		ReadTimeout: 15 * time.Second,
		// Replay requests are served synchronously and can run for minutes.
		WriteTimeout: 5 * time.Minute,
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
