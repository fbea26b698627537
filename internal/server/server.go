// Package server owns the HTTP server lifecycle: construction over an
// assembled frame, startup, and graceful shutdown.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/arkhamlabs/arkham/internal/api"
	"github.com/arkhamlabs/arkham/internal/frame"
)

// Config holds HTTP server configuration.
type Config struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// DefaultConfig returns default HTTP server configuration. The write
// timeout also bounds SSE chat streams; raise it if answers get cut off.
func DefaultConfig() Config {
	return Config{
		Host:         "0.0.0.0",
		Port:         8080,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// Server wraps the HTTP server and the frame it serves.
type Server struct {
	config Config
	frame  *frame.Frame
	http   *http.Server
}

// NewServer creates the HTTP server over an assembled frame.
func NewServer(f *frame.Frame, config Config) *Server {
	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", config.Host, config.Port),
		Handler:      api.NewRouter(f),
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  config.IdleTimeout,
	}
	return &Server{config: config, frame: f, http: httpServer}
}

// Start starts the background pipeline and the HTTP listener, blocking
// until the listener stops.
func (s *Server) Start(ctx context.Context) error {
	s.frame.Start(ctx)
	log.WithField("addr", s.http.Addr).Info("http server listening")
	return s.http.ListenAndServe()
}

// Shutdown drains in-flight requests, then stops the workers and closes
// the database through the frame.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info("shutting down")

	if err := s.http.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: http shutdown: %w", err)
	}
	if err := s.frame.Close(); err != nil {
		return fmt.Errorf("server: frame close: %w", err)
	}

	log.Info("shutdown complete")
	return nil
}
