package api

import (
	"context"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/cortexhq/cortex/pkg/registry"
	"github.com/cortexhq/cortex/pkg/version"
)

const (
	healthStatusHealthy   = "healthy"
	healthStatusDegraded  = "degraded"
	healthStatusUnhealthy = "unhealthy"
)

// healthzHandler handles GET /healthz.
// Returns a minimal, safe response suitable for unauthenticated access.
// Only cortex's own components (database, worker pool, stream fan-out) are
// checked. Execution backends are excluded so the orchestrator does not
// restart cortex when a backend is down; GET /health/backends covers those.
func (s *Server) healthzHandler(c *echo.Context) error {
	if s.db == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "database not configured")
	}

	reqCtx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	status := healthStatusHealthy
	dbHealth, err := s.db.Health(reqCtx)
	if err != nil {
		status = healthStatusUnhealthy
	}

	resp := &HealthResponse{
		Status:   status,
		Version:  version.GitCommit,
		Database: dbHealth,
	}
	if s.cfg != nil {
		stats := s.cfg.Stats()
		resp.Configuration = ConfigurationStats{
			Backends:       stats.Backends,
			LocalBackends:  stats.LocalBackends,
			RemoteBackends: stats.RemoteBackends,
		}
	}
	if s.queueHealth != nil {
		pool := s.queueHealth.Health(reqCtx)
		resp.WorkerPool = pool
		if pool != nil && !pool.IsHealthy && status == healthStatusHealthy {
			resp.Status = healthStatusDegraded
		}
	}
	if s.streams != nil {
		resp.Streams = &StreamStats{ActiveConnections: s.streams.ActiveConnections()}
	}

	httpStatus := http.StatusOK
	if status == healthStatusUnhealthy {
		httpStatus = http.StatusServiceUnavailable
	}
	return c.JSON(httpStatus, resp)
}

// backendHealthHandler handles GET /health/backends. It serves the cached
// probe results; RefreshHealth runs on its own clock, so this never blocks
// on a slow backend.
func (s *Server) backendHealthHandler(c *echo.Context) error {
	if s.registry == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "backend registry not configured")
	}

	snapshot := s.registry.HealthSnapshot(c.Request().Context())
	if snapshot == nil {
		snapshot = []registry.BackendHealth{}
	}
	return c.JSON(http.StatusOK, &BackendHealthResponse{
		Backends: snapshot,
		Total:    len(snapshot),
	})
}
