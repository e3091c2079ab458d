package api

import (
	"net/http"
	"strconv"

	echo "github.com/labstack/echo/v5"

	"github.com/cortexhq/cortex/pkg/models"
)

// dispatchMessageHandler handles POST /api/v1/agents/:id/messages.
// Records the user turn in the (agent, user) session and schedules the job
// that answers it, returning immediately with the job id.
func (s *Server) dispatchMessageHandler(c *echo.Context) error {
	agentID := c.Param("id")
	if agentID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "agent id is required")
	}

	var req DispatchMessageRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Content == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "content is required")
	}
	userID := req.UserAccountID
	if userID == "" {
		userID = extractActor(c)
	}

	job, err := s.sessions.DispatchMessage(c.Request().Context(), models.DispatchMessageRequest{
		AgentID:       agentID,
		UserAccountID: userID,
		Content:       req.Content,
		Payload:       req.Payload,
	})
	if err != nil {
		return mapServiceError(err)
	}

	resp := &DispatchResponse{
		JobID:   job.ID,
		Status:  job.Status,
		Message: "Message dispatched for processing",
	}
	if job.SessionID != nil {
		resp.SessionID = *job.SessionID
	}
	return c.JSON(http.StatusAccepted, resp)
}

// getSessionHandler handles GET /api/v1/sessions/:id.
func (s *Server) getSessionHandler(c *echo.Context) error {
	sessionID := c.Param("id")
	if sessionID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "session id is required")
	}

	session, err := s.sessions.GetSession(c.Request().Context(), sessionID)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, session)
}

// listSessionMessagesHandler handles GET /api/v1/sessions/:id/messages.
// Without a limit the full history comes back in chronological order.
func (s *Server) listSessionMessagesHandler(c *echo.Context) error {
	sessionID := c.Param("id")
	if sessionID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "session id is required")
	}

	limit := 0
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid limit: must be 1-1000")
		}
		limit = n
	}

	messages, err := s.sessions.ListMessages(c.Request().Context(), sessionID, limit)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, messages)
}
