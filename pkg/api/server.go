// Package api exposes the control plane over HTTP: agent and job lifecycle
// operations, approval decisions, the SSE stream endpoint, and the health
// and metrics surfaces. Handlers stay thin; every rule that matters lives in
// the service layer and handlers only bind, validate shape, and map errors.
package api

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	echo "github.com/labstack/echo/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cortexhq/cortex/pkg/config"
	"github.com/cortexhq/cortex/pkg/database"
	"github.com/cortexhq/cortex/pkg/events"
	"github.com/cortexhq/cortex/pkg/queue"
	"github.com/cortexhq/cortex/pkg/registry"
	"github.com/cortexhq/cortex/pkg/services"
)

// QueueHealth is implemented by queue backends that can report worker pool
// health. The in-memory queue does not; healthz simply omits the section.
type QueueHealth interface {
	Health(ctx context.Context) *queue.PoolHealth
}

// Server is the HTTP API server. Construct with NewServer, then Start.
type Server struct {
	cfg       *config.Config
	db        *database.Client
	agents    *services.AgentService
	jobs      *services.JobService
	approvals *services.ApprovalService
	sessions  *services.SessionService
	registry  *registry.Registry
	streams   *events.Manager
	logger    *slog.Logger

	queueHealth QueueHealth

	echo    *echo.Echo
	httpSrv *http.Server
}

// NewServer creates the API server and registers all routes.
func NewServer(
	cfg *config.Config,
	db *database.Client,
	agents *services.AgentService,
	jobs *services.JobService,
	approvals *services.ApprovalService,
	sessions *services.SessionService,
	reg *registry.Registry,
	streams *events.Manager,
	logger *slog.Logger,
) *Server {
	s := &Server{
		cfg:       cfg,
		db:        db,
		agents:    agents,
		jobs:      jobs,
		approvals: approvals,
		sessions:  sessions,
		registry:  reg,
		streams:   streams,
		logger:    logger.With("component", "api"),
	}
	s.echo = s.buildRouter()
	return s
}

// SetQueueHealth installs the optional worker pool health source reported
// under healthz.
func (s *Server) SetQueueHealth(q QueueHealth) {
	s.queueHealth = q
}

func (s *Server) buildRouter() *echo.Echo {
	e := echo.New()

	e.Use(securityHeaders())
	if s.cfg != nil && s.cfg.Server != nil && len(s.cfg.Server.CORSOrigins) > 0 {
		e.Use(corsHeaders(s.cfg.Server.CORSOrigins))
	}
	e.Use(bearerAuth(s.authToken()))

	// Probes and scrape targets.
	e.GET("/healthz", s.healthzHandler)
	e.GET("/health/backends", s.backendHealthHandler)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	// Agents.
	e.POST("/api/v1/agents", s.createAgentHandler)
	e.GET("/api/v1/agents", s.listAgentsHandler)
	e.GET("/api/v1/agents/:id", s.getAgentHandler)
	e.PATCH("/api/v1/agents/:id/status", s.updateAgentStatusHandler)
	e.DELETE("/api/v1/agents/:id", s.deleteAgentHandler)
	e.POST("/api/v1/agents/:id/messages", s.dispatchMessageHandler)

	// Jobs.
	e.POST("/api/v1/jobs", s.createJobHandler)
	e.GET("/api/v1/jobs", s.listJobsHandler)
	e.GET("/api/v1/jobs/:id", s.getJobHandler)
	e.POST("/api/v1/jobs/:id/cancel", s.cancelJobHandler)
	e.POST("/api/v1/jobs/:id/dead-letter", s.deadLetterJobHandler)

	// Approvals. The token route must sit before the :id routes would
	// otherwise swallow "decide" as an id.
	e.POST("/api/v1/approvals/decide", s.decideByTokenHandler)
	e.GET("/api/v1/approvals", s.listApprovalsHandler)
	e.GET("/api/v1/approvals/:id", s.getApprovalHandler)
	e.POST("/api/v1/approvals/:id/decide", s.decideApprovalHandler)
	e.GET("/api/v1/approvals/:id/audit", s.approvalAuditHandler)

	// Sessions.
	e.GET("/api/v1/sessions/:id", s.getSessionHandler)
	e.GET("/api/v1/sessions/:id/messages", s.listSessionMessagesHandler)

	// Event stream.
	e.GET("/api/v1/stream/:channel", s.streamHandler)

	return e
}

// authToken resolves the static API token from the configured environment
// variable. Empty means auth is disabled.
func (s *Server) authToken() string {
	if s.cfg == nil || s.cfg.Server == nil || s.cfg.Server.AuthTokenEnv == "" {
		return ""
	}
	return os.Getenv(s.cfg.Server.AuthTokenEnv)
}

// Start begins serving on addr and blocks until the listener fails or
// Shutdown is called.
func (s *Server) Start(addr string) error {
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.echo,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s.httpSrv.ListenAndServe()
}

// StartWithListener serves on an existing listener. Tests use it to bind an
// ephemeral port before the server goroutine starts.
func (s *Server) StartWithListener(ln net.Listener) error {
	s.httpSrv = &http.Server{
		Handler:           s.echo,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s.httpSrv.Serve(ln)
}

// Shutdown stops accepting connections and waits for in-flight requests up
// to the context deadline. SSE connections end when the event manager shuts
// down; the caller sequences that separately.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}
