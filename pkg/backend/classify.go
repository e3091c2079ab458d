package backend

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os/exec"
	"strings"
	"syscall"
)

// Classification buckets a failure by how the platform should react to it.
type Classification string

const (
	// ClassTransient failures are worth retrying with backoff.
	ClassTransient Classification = "TRANSIENT"
	// ClassPermanent failures will not succeed on retry.
	ClassPermanent Classification = "PERMANENT"
	// ClassTimeout failures exhausted the task deadline.
	ClassTimeout Classification = "TIMEOUT"
	// ClassResource failures indicate exhaustion such as rate limits.
	ClassResource Classification = "RESOURCE"
)

// Retryable reports whether a failure with this classification should be
// retried. TIMEOUT is terminal: rerunning an already slow task wastes a slot.
func (c Classification) Retryable() bool {
	return c == ClassTransient || c == ClassResource
}

// ClassifiedError attaches a classification to an underlying error.
type ClassifiedError struct {
	Classification Classification
	Err            error
}

func (e *ClassifiedError) Error() string {
	return fmt.Sprintf("%s: %v", e.Classification, e.Err)
}

func (e *ClassifiedError) Unwrap() error { return e.Err }

// NewClassifiedError wraps err with an explicit classification.
func NewClassifiedError(class Classification, err error) *ClassifiedError {
	return &ClassifiedError{Classification: class, Err: err}
}

// Classify maps an error to its failure classification. Explicit
// classifications attached via ClassifiedError win; otherwise the error is
// inspected for well-known shapes and message fragments.
func Classify(err error) Classification {
	if err == nil {
		return ""
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Classification
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTimeout
	}
	if errors.Is(err, context.Canceled) {
		return ClassTransient
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return ClassTransient
	}
	if errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ETIMEDOUT) {
		return ClassTransient
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return ClassPermanent
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, "rate limit", "too many requests", "quota exceeded", "resource exhausted", "overloaded", "out of memory"):
		return ClassResource
	case containsAny(msg, "timeout", "timed out", "deadline exceeded"):
		return ClassTimeout
	case containsAny(msg, "connection refused", "connection reset", "broken pipe", "temporarily unavailable", "service unavailable", "no such host"):
		return ClassTransient
	}

	return ClassPermanent
}

// ClassifyHTTPStatus maps a remote backend HTTP status to a classification.
func ClassifyHTTPStatus(status int) Classification {
	switch {
	case status == 429:
		return ClassResource
	case status >= 500:
		return ClassTransient
	case status == 408:
		return ClassTimeout
	default:
		return ClassPermanent
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
