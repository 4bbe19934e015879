package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/reqflow/internal/app"
)

// Server owns the HTTP listener for the reqflow API and websocket
type Server struct {
	app    *app.App
	logger arbor.ILogger
	router *http.ServeMux
	server *http.Server
}

// New creates a new HTTP server with the given app
func New(application *app.App) *Server {
	s := &Server{
		app:    application,
		logger: application.Logger,
	}
	s.router = s.setupRoutes()

	s.server = &http.Server{
		Addr:              net.JoinHostPort(application.Config.Server.Host, fmt.Sprint(application.Config.Server.Port)),
		Handler:           s.withConditionalMiddleware(s.router),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		// Long enough for the report renderer; websocket conns clear deadlines on upgrade
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handler returns the fully wrapped handler, for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Addr returns the configured listen address
func (s *Server) Addr() string {
	return s.server.Addr
}

// Start listens and serves until Shutdown. A bind failure is returned immediately.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.server.Addr, err)
	}
	return s.Serve(listener)
}

// Serve accepts connections on listener
func (s *Server) Serve(listener net.Listener) error {
	s.logger.Info().
		Str("address", listener.Addr().String()).
		Msg("HTTP server listening")

	if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests until ctx expires
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("Shutting down HTTP server")

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	s.logger.Info().Msg("HTTP server stopped")
	return nil
}
