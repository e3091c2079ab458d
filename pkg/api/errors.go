package api

import (
	"errors"
	"log/slog"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/cortexhq/cortex/pkg/services"
)

// mapServiceError maps service-layer errors to HTTP error responses.
func mapServiceError(err error) *echo.HTTPError {
	var validErr *services.ValidationError
	if errors.As(err, &validErr) {
		return echo.NewHTTPError(http.StatusBadRequest, validErr.Error())
	}
	if de, ok := services.AsDecideError(err); ok {
		return mapDecideError(de)
	}
	if errors.Is(err, services.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "resource not found")
	}
	if errors.Is(err, services.ErrNotCancellable) {
		return echo.NewHTTPError(http.StatusConflict, "job is not in a cancellable state")
	}
	if errors.Is(err, services.ErrConcurrentModification) {
		return echo.NewHTTPError(http.StatusConflict, "resource changed concurrently, re-read and retry")
	}
	if errors.Is(err, services.ErrAlreadyExists) {
		return echo.NewHTTPError(http.StatusConflict, "resource already exists")
	}
	if errors.Is(err, services.ErrInvalidInput) {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	// Unexpected error
	slog.Error("Unexpected service error", "error", err)
	return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
}

// mapDecideError keeps each decide precondition distinguishable on the wire:
// a spent token and a missing request must not look alike to the caller.
func mapDecideError(de *services.DecideError) *echo.HTTPError {
	switch de.Code {
	case services.DecideNotFound:
		return echo.NewHTTPError(http.StatusNotFound, "approval request not found")
	case services.DecideAlreadyDecided:
		return echo.NewHTTPError(http.StatusConflict, "approval request already decided")
	case services.DecideExpired:
		return echo.NewHTTPError(http.StatusGone, "approval request expired")
	case services.DecideNotAuthorized:
		return echo.NewHTTPError(http.StatusForbidden, "not authorized to decide this request")
	default:
		slog.Error("Unknown decide error code", "code", de.Code, "request_id", de.RequestID)
		return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
	}
}
