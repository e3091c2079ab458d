package registry

import "errors"

var (
	// ErrUnknownBackend is returned when an operation names a backend id
	// that was never registered.
	ErrUnknownBackend = errors.New("unknown backend")

	// ErrAlreadyRegistered is returned when a backend id is registered twice.
	ErrAlreadyRegistered = errors.New("backend already registered")

	// ErrNoBackendAvailable is returned by RouteTask when no registered
	// backend can take the task right now.
	ErrNoBackendAvailable = errors.New("no backend available")

	// ErrPermitTimeout is returned when a permit could not be acquired
	// within the caller's timeout.
	ErrPermitTimeout = errors.New("permit acquisition timed out")
)
