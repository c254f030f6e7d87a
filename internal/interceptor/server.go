package interceptor

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// Server serves the interception agent
type Server struct {
	server *http.Server
	logger *slog.Logger
}

// NewServer creates the agent HTTP server listening on addr
func NewServer(addr string, handler http.Handler) *Server {
	return &Server{
		server: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
			// Segments can be large and upstream slow
			WriteTimeout: 2 * time.Minute,
			IdleTimeout:  60 * time.Second,
		},
		logger: slog.Default(),
	}
}

// Start starts the agent server
func (s *Server) Start() error {
	s.logger.Info("Starting interception agent", "addr", s.server.Addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the agent server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down interception agent")
	return s.server.Shutdown(ctx)
}
