package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// API error codes carried in error response bodies.
const (
	// CodeHumanVerificationRequired marks a request the server refuses to
	// process until the client presents a human-verification proof.
	CodeHumanVerificationRequired = 9001
)

// APIError is the structured error body returned by the API.
type APIError struct {
	Code    int             `json:"Code"`
	Message string          `json:"Error"`
	Details json.RawMessage `json:"Details,omitempty"`
}

// HTTPError is a non-2xx response. Never retried automatically except for
// the transient subset reported by IsRetryable and the 401/verification
// flows handled inside the pipeline.
type HTTPError struct {
	Status int
	API    *APIError
}

func (e *HTTPError) Error() string {
	if e.API != nil && e.API.Message != "" {
		return fmt.Sprintf("api: http %d: %s (code %d)", e.Status, e.API.Message, e.API.Code)
	}
	return fmt.Sprintf("api: http %d", e.Status)
}

// StatusCode reports the HTTP status; also consumed by the session manager
// to classify refresh failures without importing this package.
func (e *HTTPError) StatusCode() int { return e.Status }

// ConnectionError is a transport-level failure. Transient and retryable.
type ConnectionError struct {
	Err error
}

func (e *ConnectionError) Error() string { return fmt.Sprintf("api: connection: %v", e.Err) }
func (e *ConnectionError) Unwrap() error { return e.Err }

// ParseError is a malformed server payload. Fatal: it indicates a
// correctness violation, never swallowed or retried.
type ParseError struct {
	Err error
}

func (e *ParseError) Error() string { return fmt.Sprintf("api: parse: %v", e.Err) }
func (e *ParseError) Unwrap() error { return e.Err }

// IsRetryable classifies an error for requeue decisions: true for
// connection errors and the transient HTTP subset (429 and 5xx).
// Background workers use this to decide requeue versus permanent failure.
func IsRetryable(err error) bool {
	var connErr *ConnectionError
	if errors.As(err, &connErr) {
		return true
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.Status == http.StatusTooManyRequests || httpErr.Status >= 500
	}
	return false
}
