package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/klinestream/internal/domain"
	"github.com/alanyoungcy/klinestream/internal/server/handler"
	"github.com/alanyoungcy/klinestream/internal/server/middleware"
	"github.com/alanyoungcy/klinestream/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string // if empty, authentication is disabled

	// Limiter enables per-IP rate limiting when set with RateLimit > 0.
	Limiter    domain.RateLimiter
	RateLimit  int
	RateWindow time.Duration
}

// Handlers aggregates the HTTP handlers the server registers. Stream and
// Backtest are optional and depend on the run mode.
type Handlers struct {
	Health   *handler.HealthHandler
	Status   *handler.StatusHandler
	Candles  *handler.CandleHandler
	Stream   *handler.StreamHandler
	Backtest *handler.BacktestHandler
}

// Server is the headless HTTP + WebSocket API for the candle engine.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer creates a Server with all routes and middleware registered.
func NewServer(cfg Config, handlers Handlers, wsHub *ws.Hub, logger *slog.Logger) *Server {
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      NewHandler(cfg, handlers, wsHub, logger),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return &Server{httpServer: srv, logger: logger}
}

// NewHandler builds the routed handler with the middleware chain applied.
func NewHandler(cfg Config, handlers Handlers, wsHub *ws.Hub, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	// Health check (no auth required).
	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)
	mux.HandleFunc("GET /api/status", handlers.Status.GetStatus)

	// Snapshot reads.
	mux.HandleFunc("GET /api/price", handlers.Candles.GetPrice)
	mux.HandleFunc("GET /api/candles/{symbol}/{interval}", handlers.Candles.GetCandles)

	if handlers.Stream != nil {
		mux.HandleFunc("GET /api/stream/status", handlers.Stream.GetStatus)
		mux.HandleFunc("POST /api/stream/sleep", handlers.Stream.Sleep)
		mux.HandleFunc("POST /api/stream/wake", handlers.Stream.Wake)
		mux.HandleFunc("GET /api/stream/stats", handlers.Stream.GetStats)
	}

	if handlers.Backtest != nil {
		mux.HandleFunc("GET /api/backtest", handlers.Backtest.GetRun)
		mux.HandleFunc("POST /api/backtest/order", handlers.Backtest.SetOrder)
		mux.HandleFunc("POST /api/backtest/advance", handlers.Backtest.Advance)
		mux.HandleFunc("GET /api/backtest/records", handlers.Backtest.ListRecords)
	}

	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}

	var h http.Handler = mux
	h = middleware.Auth(cfg.APIKey, "/api/health")(h)
	if cfg.Limiter != nil && cfg.RateLimit > 0 {
		h = middleware.RateLimit(cfg.Limiter, cfg.RateLimit, cfg.RateWindow, logger)(h)
	}
	h = middleware.Logging(logger)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)
	return h
}

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
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
