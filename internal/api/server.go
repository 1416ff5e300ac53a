package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/paulhenri/PKVS/internal/config"
	"github.com/paulhenri/PKVS/internal/storage"
)

// Executor runs engine calls on the goroutine that owns the engine.
type Executor interface {
	Do(ctx context.Context, fn func(storage.Engine) error) error
	Compact(ctx context.Context) error
}

// Server represents the admin HTTP API server
type Server struct {
	config     *config.Config
	router     *mux.Router
	httpServer *http.Server
	exec       Executor
	logger     *slog.Logger
	startTime  time.Time
}

// NewServer creates a new API server
func NewServer(cfg *config.Config, exec Executor, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		config:    cfg,
		router:    mux.NewRouter(),
		exec:      exec,
		logger:    logger.With("component", "api"),
		startTime: time.Now(),
	}

	s.setupRoutes()
	s.httpServer = &http.Server{
		Addr:         cfg.HTTPAddress(),
		Handler:      s.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() {
	// Middleware
	s.router.Use(loggingMiddleware(s.logger))
	s.router.Use(recoveryMiddleware(s.logger))
	s.router.Use(corsMiddleware)
	if s.config.RateLimit > 0 {
		s.router.Use(rateLimitMiddleware(s.config.RateLimit, s.config.RateBurst))
	}

	// Health check
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")

	// Key-Value operations
	s.router.HandleFunc("/kv/{key}", s.handleGet).Methods("GET")
	s.router.HandleFunc("/kv/{key}", s.handlePut).Methods("PUT", "POST")
	s.router.HandleFunc("/kv/{key}", s.handleDelete).Methods("DELETE")

	// Admin endpoints
	s.router.HandleFunc("/admin/status", s.handleStatus).Methods("GET")
	s.router.HandleFunc("/admin/keys", s.handleKeys).Methods("GET")
	s.router.HandleFunc("/admin/stats", s.handleStats).Methods("GET")
	s.router.HandleFunc("/admin/compact", s.handleCompact).Methods("POST")
	s.router.HandleFunc("/admin/sync", s.handleSync).Methods("POST")
}

// HTTPServer returns the configured http.Server
func (s *Server) HTTPServer() *http.Server {
	return s.httpServer
}

// Uptime returns the server uptime duration
func (s *Server) Uptime() time.Duration {
	return time.Since(s.startTime)
}

// GetRouter returns the mux router (for testing)
func (s *Server) GetRouter() *mux.Router {
	return s.router
}

// Helper function to format uptime
func formatUptime(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm %ds", days, hours, minutes, seconds)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
	}
	if minutes > 0 {
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	}
	return fmt.Sprintf("%ds", seconds)
}
