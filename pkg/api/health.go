package api

import (
	"github.com/cuemby/cumulus/pkg/metrics"
)

// registerHealthRoutes mounts the liveness, readiness and Prometheus
// endpoints. Readiness follows the store, workers and reconciler component
// health.
func (s *Server) registerHealthRoutes() {
	s.mux.Handle("GET /health", metrics.HealthHandler())
	s.mux.Handle("GET /ready", metrics.ReadyHandler())
	s.mux.Handle("GET /metrics", metrics.Handler())
}
