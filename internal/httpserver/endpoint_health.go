package httpserver

import (
	"net/http"

	"github.com/tokligence/taskd/internal/health"
	"github.com/tokligence/taskd/internal/metrics"
)

type healthEndpoint struct {
	server *Server
}

func newHealthEndpoint(s *Server) endpoint {
	return &healthEndpoint{server: s}
}

func (e *healthEndpoint) Name() string { return "health" }

func (e *healthEndpoint) Routes() []route {
	s := e.server
	return []route{
		{Method: http.MethodGet, Path: "/health", Handler: http.HandlerFunc(s.handleHealth)},
		{Method: http.MethodGet, Path: "/metrics", Handler: http.HandlerFunc(s.handleMetrics)},
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := s.health.Check(r.Context())
	code := http.StatusOK
	if status.Status == health.StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	s.respondJSON(w, code, status)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.metrics == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(metrics.FormatPrometheus(s.metrics.GetSnapshot())))
}
