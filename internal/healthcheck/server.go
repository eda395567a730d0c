package healthcheck

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"gitlab.com/timkado/api/voice-call-sync/pkg/utils"
)

const readinessTimeout = 2 * time.Second

// ReadinessCheck is one dependency probed by /ready.
type ReadinessCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// Server represents the health, metrics and admin HTTP server
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux // Expose mux for adding handlers
	logger     *zap.Logger
	checks     []ReadinessCheck
	version    string
}

// HealthResponse is the response structure for health check endpoints
type HealthResponse struct {
	Status  string            `json:"status"`
	Version string            `json:"version,omitempty"`
	Details map[string]string `json:"details,omitempty"`
}

// NewServer creates a new health check server
func NewServer(port int, version string, logger *zap.Logger, checks ...ReadinessCheck) *Server {
	mux := http.NewServeMux()

	server := &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
		mux:     mux,
		logger:  logger,
		checks:  checks,
		version: version,
	}

	mux.HandleFunc("/health", server.handleHealth)
	mux.HandleFunc("/ready", server.handleReady)

	return server
}

// RegisterMetricsHandler adds the /metrics endpoint handler.
// Should only be called if metrics are enabled.
func (s *Server) RegisterMetricsHandler(handler http.Handler) {
	s.logger.Info("Registering /metrics endpoint")
	s.mux.Handle("/metrics", handler)
}

// Mount serves handler under pattern, e.g. the admin API under /api/.
func (s *Server) Mount(pattern string, handler http.Handler) {
	s.logger.Info("Mounting handler", zap.String("pattern", pattern))
	s.mux.Handle(pattern, handler)
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start begins the HTTP server
func (s *Server) Start() {
	go func() {
		s.logger.Info("Starting HTTP server", zap.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()
}

// Stop gracefully shuts down the HTTP server
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping HTTP server")
	return s.httpServer.Shutdown(ctx)
}

// handleHealth handles the /health endpoint for liveness probes
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:  "UP",
		Version: s.version,
	}

	utils.WriteJSONResponse(w, http.StatusOK, resp)
}

// handleReady probes every registered dependency. Any failure reports 503.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
	defer cancel()

	status := http.StatusOK
	resp := HealthResponse{
		Status: "READY",
		Details: map[string]string{
			"timestamp": utils.FormatISO8601(utils.Now()),
		},
	}
	for _, check := range s.checks {
		if err := check.Check(ctx); err != nil {
			s.logger.Warn("Readiness check failed", zap.String("check", check.Name), zap.Error(err))
			resp.Details[check.Name] = err.Error()
			status = http.StatusServiceUnavailable
			resp.Status = "NOT_READY"
			continue
		}
		resp.Details[check.Name] = "ok"
	}

	utils.WriteJSONResponse(w, status, resp)
}
