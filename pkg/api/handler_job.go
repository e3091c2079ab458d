package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/cortexhq/cortex/pkg/models"
)

// createJobHandler handles POST /api/v1/jobs.
// Creates the job in SCHEDULED and enqueues its execution; the response
// carries the persisted row, not an execution result.
func (s *Server) createJobHandler(c *echo.Context) error {
	var req models.CreateJobRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	job, err := s.jobs.Create(c.Request().Context(), req)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusAccepted, job)
}

// listJobsHandler handles GET /api/v1/jobs.
func (s *Server) listJobsHandler(c *echo.Context) error {
	filters := models.JobFilters{
		AgentID:   c.QueryParam("agent_id"),
		SessionID: c.QueryParam("session_id"),
	}

	if v := c.QueryParam("status"); v != "" {
		for _, st := range strings.Split(v, ",") {
			if !models.JobStatus(st).Valid() {
				return echo.NewHTTPError(http.StatusBadRequest, "invalid status: "+st)
			}
		}
		filters.Status = v
	}
	if v := c.QueryParam("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid since: must be RFC3339")
		}
		filters.Since = &t
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

	result, err := s.jobs.List(c.Request().Context(), filters)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, result)
}

// getJobHandler handles GET /api/v1/jobs/:id.
func (s *Server) getJobHandler(c *echo.Context) error {
	jobID := c.Param("id")
	if jobID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "job id is required")
	}

	job, err := s.jobs.Get(c.Request().Context(), jobID)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, job)
}

// cancelJobHandler handles POST /api/v1/jobs/:id/cancel.
func (s *Server) cancelJobHandler(c *echo.Context) error {
	jobID := c.Param("id")
	if jobID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "job id is required")
	}

	// The body is optional; cancel with no reason is fine.
	var req CancelJobRequest
	if c.Request().ContentLength > 0 {
		if err := c.Bind(&req); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
	}

	job, err := s.jobs.Cancel(c.Request().Context(), jobID, req.Reason)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, &CancelResponse{
		JobID:   job.ID,
		Status:  job.Status,
		Message: "Job cancellation requested",
	})
}

// deadLetterJobHandler handles POST /api/v1/jobs/:id/dead-letter.
func (s *Server) deadLetterJobHandler(c *echo.Context) error {
	jobID := c.Param("id")
	if jobID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "job id is required")
	}

	job, err := s.jobs.MarkDeadLetter(c.Request().Context(), jobID)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, job)
}
