package kiro

import (
	"errors"
	"fmt"
)

// ErrUpstreamUnavailable is returned by the request driver once the retry
// budget is exhausted on transient failures.
var ErrUpstreamUnavailable = errors.New("upstream unavailable after retries")

// AuthError indicates the refresh token was rejected by the auth endpoint.
// It is terminal: the client must re-authenticate with Kiro.
type AuthError struct {
	Message string
}

func (e *AuthError) Error() string {
	return "kiro auth failed: " + e.Message
}

// NetworkError wraps transport-level failures talking to Kiro endpoints.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("kiro network error during %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// UpstreamError carries a non-retryable upstream HTTP failure. The original
// status code and body are preserved so the handler can echo them to the
// client as a 502.
type UpstreamError struct {
	StatusCode int
	Body       string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream returned %d: %s", e.StatusCode, e.Body)
}
