package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"cloudlunacy/frontdoor/pkg/config"
)

// Server is the front door's public HTTP API server.
type Server struct {
	cfg        *config.ServerConfig
	handlers   *Handlers
	metricsCfg *config.MetricsConfig
	metrics    http.Handler
	httpServer *http.Server
	logger     *slog.Logger

	mu        sync.Mutex
	isRunning bool
}

// NewServer creates the API server. metricsHandler may be nil when metrics
// are disabled.
func NewServer(cfg *config.ServerConfig, metricsCfg *config.MetricsConfig, handlers *Handlers, metricsHandler http.Handler) *Server {
	return &Server{
		cfg:        cfg,
		handlers:   handlers,
		metricsCfg: metricsCfg,
		metrics:    metricsHandler,
		logger:     slog.Default().With("component", "server"),
	}
}

// Start runs the server until the context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return fmt.Errorf("server is already running")
	}
	s.isRunning = true
	s.httpServer = &http.Server{
		Addr:         s.cfg.ListenAddress,
		Handler:      s.routes(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}
	s.mu.Unlock()

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("api server listening", "address", s.cfg.ListenAddress)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		return s.Shutdown(context.Background())
	case err := <-errChan:
		return err
	}
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.isRunning {
		return nil
	}
	s.isRunning = false

	shutdownCtx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
	defer cancel()

	s.logger.Info("api server shutting down")
	return s.httpServer.Shutdown(shutdownCtx)
}

// Handler returns the configured HTTP handler, for tests.
func (s *Server) Handler() http.Handler {
	return s.routes()
}

// routes wires the endpoint table and middleware chain.
func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/agent/register", s.handlers.RegisterAgent)
	mux.HandleFunc("POST /api/frontdoor/add-subdomain", s.handlers.AddSubdomain)
	mux.HandleFunc("POST /api/frontdoor/add-app", s.handlers.AddApp)
	mux.HandleFunc("DELETE /api/mongodb/{agentId}", s.handlers.RemoveAgent)
	mux.HandleFunc("GET /api/mongodb/{agentId}/test", s.handlers.TestConnection)
	mux.HandleFunc("POST /api/certificates/renew", s.handlers.RenewCertificates)
	mux.HandleFunc("GET /api/frontdoor/config", s.handlers.GetConfig)
	mux.HandleFunc("GET /api/status", s.handlers.GetStatus)
	mux.HandleFunc("GET /health", s.handlers.Health)

	if s.metrics != nil && s.metricsCfg.Enabled {
		mux.Handle("GET "+s.metricsCfg.Path, s.metrics)
	}

	var handler http.Handler = mux
	handler = requestLogging(handler)
	handler = recoverPanics(handler)
	return handler
}

// requestLogging logs each request at debug level.
func requestLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		slog.Debug("api request", "method", r.Method, "path", r.URL.Path, "remote", r.RemoteAddr)
		next.ServeHTTP(w, r)
	})
}

// recoverPanics converts handler panics into 500s.
func recoverPanics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				slog.Error("handler panic", "panic", rec, "path", r.URL.Path)
				http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}
