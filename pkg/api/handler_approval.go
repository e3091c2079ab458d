package api

import (
	"net/http"
	"strconv"

	echo "github.com/labstack/echo/v5"

	"github.com/cortexhq/cortex/pkg/models"
)

// listApprovalsHandler handles GET /api/v1/approvals.
func (s *Server) listApprovalsHandler(c *echo.Context) error {
	filters := models.ApprovalFilters{
		JobID:   c.QueryParam("job_id"),
		AgentID: c.QueryParam("agent_id"),
	}

	if v := c.QueryParam("status"); v != "" {
		switch models.ApprovalStatus(v) {
		case models.ApprovalStatusPending, models.ApprovalStatusApproved,
			models.ApprovalStatusRejected, models.ApprovalStatusExpired:
			filters.Status = v
		default:
			return echo.NewHTTPError(http.StatusBadRequest, "invalid status: "+v)
		}
	}
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 200 {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid limit: must be 1-200")
		}
		filters.Limit = n
	}
	if v := c.QueryParam("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid offset: must be >= 0")
		}
		filters.Offset = n
	}

	result, err := s.approvals.List(c.Request().Context(), filters)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, result)
}

// getApprovalHandler handles GET /api/v1/approvals/:id.
func (s *Server) getApprovalHandler(c *echo.Context) error {
	requestID := c.Param("id")
	if requestID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "approval request id is required")
	}

	req, err := s.approvals.GetRequest(c.Request().Context(), requestID)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, req)
}

// decideApprovalHandler handles POST /api/v1/approvals/:id/decide.
// The acting user comes from the proxy headers, never from the body: a
// caller cannot attribute a decision to someone else.
func (s *Server) decideApprovalHandler(c *echo.Context) error {
	requestID := c.Param("id")
	if requestID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "approval request id is required")
	}

	var req DecideApprovalRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	decision := models.Decision(req.Decision)
	if !decision.Valid() {
		return echo.NewHTTPError(http.StatusBadRequest,
			"invalid decision: must be APPROVED or REJECTED")
	}

	result, err := s.approvals.Decide(c.Request().Context(), requestID, models.DecideInput{
		Decision:      decision,
		DecidedBy:     extractActor(c),
		Channel:       "api",
		Reason:        req.Reason,
		ActorMetadata: req.ActorMetadata,
	})
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, result)
}

// decideByTokenHandler handles POST /api/v1/approvals/decide. The plaintext
// token identifies the request and authorizes the decision in one step; it
// is consumed whether or not the decision wins the race.
func (s *Server) decideByTokenHandler(c *echo.Context) error {
	var req DecideByTokenRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Token == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "token is required")
	}
	decision := models.Decision(req.Decision)
	if !decision.Valid() {
		return echo.NewHTTPError(http.StatusBadRequest,
			"invalid decision: must be APPROVED or REJECTED")
	}

	result, err := s.approvals.DecideByToken(c.Request().Context(), req.Token, models.DecideInput{
		Decision:      decision,
		DecidedBy:     extractActor(c),
		Channel:       "token",
		Reason:        req.Reason,
		ActorMetadata: req.ActorMetadata,
	})
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, result)
}

// approvalAuditHandler handles GET /api/v1/approvals/:id/audit. The response
// carries the entries plus chain_valid, the server-side verification of the
// hash chain over the decided entries.
func (s *Server) approvalAuditHandler(c *echo.Context) error {
	requestID := c.Param("id")
	if requestID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "approval request id is required")
	}

	trail, err := s.approvals.GetAuditTrail(c.Request().Context(), requestID)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, trail)
}
