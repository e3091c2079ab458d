package api

import (
	"github.com/cortexhq/cortex/pkg/database"
	"github.com/cortexhq/cortex/pkg/models"
	"github.com/cortexhq/cortex/pkg/queue"
	"github.com/cortexhq/cortex/pkg/registry"
)

// DispatchResponse is returned by POST /api/v1/agents/:id/messages.
type DispatchResponse struct {
	JobID     string           `json:"job_id"`
	SessionID string           `json:"session_id"`
	Status    models.JobStatus `json:"status"`
	Message   string           `json:"message"`
}

// CancelResponse is returned by POST /api/v1/jobs/:id/cancel.
type CancelResponse struct {
	JobID   string           `json:"job_id"`
	Status  models.JobStatus `json:"status"`
	Message string           `json:"message"`
}

// HealthResponse is returned by GET /healthz.
type HealthResponse struct {
	Status        string                 `json:"status"`
	Version       string                 `json:"version"`
	Database      *database.HealthStatus `json:"database"`
	Configuration ConfigurationStats     `json:"configuration"`
	WorkerPool    *queue.PoolHealth      `json:"worker_pool,omitempty"`
	Streams       *StreamStats           `json:"streams,omitempty"`
}

// ConfigurationStats contains counts of loaded configuration items.
type ConfigurationStats struct {
	Backends       int `json:"backends"`
	LocalBackends  int `json:"local_backends"`
	RemoteBackends int `json:"remote_backends"`
}

// StreamStats reports the SSE fan-out state.
type StreamStats struct {
	ActiveConnections int `json:"active_connections"`
}

// BackendHealthResponse is returned by GET /health/backends.
type BackendHealthResponse struct {
	Backends []registry.BackendHealth `json:"backends"`
	Total    int                      `json:"total"`
}
