// Package calendar talks to the external calendar provider: OAuth token
// refresh and event create/update/delete.
package calendar

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

var (
	// ErrTimeout marks a provider call that hit its deadline.
	ErrTimeout = errors.New("calendar: request timed out")
	// ErrNotConnected is returned when a call is made without credentials.
	ErrNotConnected = errors.New("calendar: missing access token or calendar id")
)

// APIError is a non-2xx response from the provider.
type APIError struct {
	Operation  string
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("calendar %s: status %d", e.Operation, e.StatusCode)
	}
	return fmt.Sprintf("calendar %s: status %d: %s", e.Operation, e.StatusCode, e.Message)
}

// IsTransient reports whether err is likely to succeed on a later attempt:
// timeouts, network failures, throttling and server-side errors.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == http.StatusRequestTimeout,
			apiErr.StatusCode == http.StatusTooManyRequests,
			apiErr.StatusCode >= 500:
			return true
		}
		return false
	}
	if errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// wrapTransport converts client-side deadline failures into ErrTimeout.
func wrapTransport(op string, err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Errorf("calendar %s: %w: %v", op, ErrTimeout, err)
	}
	return fmt.Errorf("calendar %s: %w", op, err)
}
