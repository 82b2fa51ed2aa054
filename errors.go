package fetchcache

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"go.trai.ch/zerr"
)

var (
	// ErrAborted is returned when a request was intentionally canceled.
	// It is never retried, never written to the cache and never shown to subscribers.
	ErrAborted = errors.New("request aborted")

	// ErrTimeout is returned when a waiter's per-request timeout fired before the request settled.
	ErrTimeout = errors.New("request timed out")

	// ErrInvalidOptions is returned by Options.Validate.
	ErrInvalidOptions = zerr.New("invalid options")
)

// NetworkError is a transport failure where no response was received.
type NetworkError struct {
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error: %v", e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// HTTPError is a non-2xx response.
type HTTPError struct {
	Status int
	URL    string
}

func (e *HTTPError) Error() string {
	if e.URL == "" {
		return fmt.Sprintf("http error: %d %s", e.Status, http.StatusText(e.Status))
	}
	return fmt.Sprintf("http error: %d %s (%s)", e.Status, http.StatusText(e.Status), e.URL)
}

// ParseError is a response body that is not valid JSON.
type ParseError struct {
	Err error
}

func (e *ParseError) Error() string {
	if e.Err == nil {
		return "parse error: malformed JSON body"
	}
	return fmt.Sprintf("parse error: %v", e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// RetriesExhaustedError wraps the last error of a request that failed on every attempt.
type RetriesExhaustedError struct {
	Attempts int
	Err      error
}

func (e *RetriesExhaustedError) Error() string {
	return fmt.Sprintf("giving up after %d attempts: %v", e.Attempts, e.Err)
}

func (e *RetriesExhaustedError) Unwrap() error {
	return e.Err
}

// IsAbort reports whether the error is an intentional cancellation.
func IsAbort(err error) bool {
	return errors.Is(err, ErrAborted) || errors.Is(err, context.Canceled)
}

// StatusCode returns the HTTP status attached to the error, or 0 if there is none.
func StatusCode(err error) int {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.Status
	}
	return 0
}

// retryable reports whether a failed attempt may be retried.
// Network errors and the configured statuses are retryable,
// parse errors and all other statuses are terminal.
func (o Options) retryable(err error) bool {
	if IsAbort(err) {
		return false
	}
	var parseErr *ParseError
	if errors.As(err, &parseErr) {
		return false
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		statuses := o.RetryableStatuses
		if statuses == nil {
			return defaultRetryableStatus(httpErr.Status)
		}
		for _, status := range statuses {
			if status == httpErr.Status {
				return true
			}
		}
		return false
	}
	// anything else did not produce a response
	return true
}

func defaultRetryableStatus(status int) bool {
	return status == http.StatusRequestTimeout ||
		status == http.StatusTooManyRequests ||
		status >= 500
}
