package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/semafield/semafield/pkg/engine"
)

// Server is the HTTP interface over a running Engine.
type Server struct {
	Engine *engine.Engine

	httpServer  *http.Server
	taskManager *TaskManager
	authToken   string
	logger      *slog.Logger
}

// NewServer wires the HTTP surface for an already-opened engine. The
// engine must be opened before and closed after the server's lifecycle;
// the daemon owns both.
func NewServer(eng *engine.Engine, httpAddr, authToken string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		Engine:      eng,
		taskManager: NewTaskManager(),
		authToken:   authToken,
		logger:      logger,
	}

	mux := http.NewServeMux()
	s.registerHTTPHandlers(mux)

	// Chain middlewares: Recovery -> RequestID -> Logging -> Auth -> Mux.
	// Order matters! Recovery must be outermost to catch everything.
	var handler http.Handler = mux
	handler = s.authMiddleware(handler)
	handler = s.LoggingMiddleware(handler)
	handler = s.RequestIDMiddleware(handler)
	handler = s.RecoveryMiddleware(handler)

	// Probes and metrics bypass authentication.
	rootMux := http.NewServeMux()
	rootMux.HandleFunc("GET /healthz", s.handleHealthz)
	rootMux.Handle("GET /metrics", promhttp.Handler())
	rootMux.Handle("/", handler)

	s.httpServer = &http.Server{
		Addr:    httpAddr,
		Handler: rootMux,
	}
	return s
}

// Run starts the HTTP server and blocks until Shutdown.
func (s *Server) Run() error {
	s.logger.Info("http server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server startup failed: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests and stops the HTTP server. It does
// not close the engine.
func (s *Server) Shutdown() {
	s.logger.Info("shutting down http server")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error("http server shutdown error", "error", err)
	}
}

// Handler returns the composed HTTP handler, including middleware and
// the unauthenticated probe routes.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}
