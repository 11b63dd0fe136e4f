package chat

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidRequest is returned for blank user input; nothing reaches the upstream
	ErrInvalidRequest = errors.New("user input is required")

	// ErrUpstreamUnavailable means the health gate refused the session or the breaker is open
	ErrUpstreamUnavailable = errors.New("upstream unavailable")

	// ErrUpstreamConnectivity covers refused, reset and non-success upstream responses
	ErrUpstreamConnectivity = errors.New("upstream connectivity failure")

	// ErrUpstreamTimeout means the upstream exceeded its time limit
	ErrUpstreamTimeout = errors.New("upstream request timed out")

	// ErrTransport means the event could not be written to the client
	ErrTransport = errors.New("client transport failure")
)

// User-facing messages. Clients never see anything else in an error event.
const (
	MessageUpstreamUnavailable = "upstream unavailable"
	MessageConnectivity        = "Unable to connect to the model server. Please ensure it is running and accessible."
	MessageTimeout             = "Request timed out. Please try again."
	MessageInternal            = "An unexpected error occurred. Please try again."
)

// UpstreamError carries the upstream response detail for logs
type UpstreamError struct {
	StatusCode int
	Body       string
	Err        error
}

func (e *UpstreamError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("upstream error (status %d): %s", e.StatusCode, e.Body)
	}
	if e.Err != nil {
		return fmt.Sprintf("upstream error: %v", e.Err)
	}
	return "upstream error"
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// UserMessage maps a classified fault to the fixed client-safe message
func UserMessage(err error) string {
	switch {
	case errors.Is(err, ErrUpstreamUnavailable):
		return MessageUpstreamUnavailable
	case errors.Is(err, ErrUpstreamTimeout):
		return MessageTimeout
	case errors.Is(err, ErrUpstreamConnectivity):
		return MessageConnectivity
	default:
		return MessageInternal
	}
}
