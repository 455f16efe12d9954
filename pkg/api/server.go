package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/cumulus/pkg/log"
	"github.com/cuemby/cumulus/pkg/manager"
)

// Config configures the admin server
type Config struct {
	Addr string
	// ReadOnly rejects every mutating request with 403
	ReadOnly bool
}

// Server is the admin HTTP API: health, readiness, metrics and the UCI
// enqueue/reset operations
type Server struct {
	manager *manager.Manager
	mux     *http.ServeMux
	http    *http.Server
	logger  zerolog.Logger
}

// NewServer creates an admin server for mgr
func NewServer(mgr *manager.Manager, cfg Config) *Server {
	s := &Server{
		manager: mgr,
		mux:     http.NewServeMux(),
		logger:  log.WithComponent("api"),
	}

	s.registerHealthRoutes()
	s.registerUCIRoutes()

	var handler http.Handler = s.mux
	if cfg.ReadOnly {
		handler = readOnly(handler)
	}
	handler = s.instrument(handler)

	s.http = &http.Server{
		Addr:         cfg.Addr,
		Handler:      handler,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Start serves until Shutdown is called
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.http.Addr).Msg("Admin API listening")
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections and waits for in-flight requests
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// Handler returns the fully wrapped HTTP handler for embedding in other servers
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}
