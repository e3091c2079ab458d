package api

import (
	"errors"
	"net/http"
	"strconv"

	echo "github.com/labstack/echo/v5"

	"github.com/cortexhq/cortex/pkg/events"
)

// streamHandler handles GET /api/v1/stream/:channel. It hands the response
// to the event manager, which serves SSE frames until the client goes away
// or the manager shuts down. A Last-Event-ID header resumes the stream:
// buffered events with greater ids replay first, then the live tail.
func (s *Server) streamHandler(c *echo.Context) error {
	if s.streams == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "event streaming not available")
	}
	channel := c.Param("channel")
	if channel == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "channel is required")
	}

	lastEventID := int64(-1)
	if v := c.Request().Header.Get("Last-Event-ID"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil || id < 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid Last-Event-ID header")
		}
		lastEventID = id
	}

	err := s.streams.Connect(c.Request().Context(), c.Response(), channel, lastEventID)
	if err != nil {
		if errors.Is(err, events.ErrTooManyConnections) {
			return echo.NewHTTPError(http.StatusServiceUnavailable, "too many stream connections")
		}
		if errors.Is(err, events.ErrManagerClosed) {
			return echo.NewHTTPError(http.StatusServiceUnavailable, "event streaming shutting down")
		}
		return err
	}
	return nil
}
