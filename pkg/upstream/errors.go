package upstream

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"
)

// ErrorClass represents a classification of upstream failures.
type ErrorClass string

const (
	// ErrorClassTimeout represents requests that exceeded their deadline.
	ErrorClassTimeout ErrorClass = "timeout"

	// ErrorClassRateLimit represents 429 responses and locally gated requests.
	ErrorClassRateLimit ErrorClass = "rate_limit"

	// ErrorClassNotFound represents 404 and 410 responses.
	ErrorClassNotFound ErrorClass = "not_found"

	// ErrorClassClient represents other 4xx client errors.
	ErrorClassClient ErrorClass = "client"

	// ErrorClassServer represents 5xx server errors.
	ErrorClassServer ErrorClass = "server"

	// ErrorClassNetwork represents transport errors.
	ErrorClassNetwork ErrorClass = "network"
)

// Common errors returned by the client.
var (
	// ErrRetryExhausted is returned when all retry attempts are exhausted.
	ErrRetryExhausted = errors.New("retry attempts exhausted")

	// ErrContextCancelled is returned when the context is cancelled during retry.
	ErrContextCancelled = errors.New("context cancelled")

	// ErrCircuitOpen is returned while the circuit breaker rejects requests.
	ErrCircuitOpen = errors.New("upstream circuit open")

	// ErrRateLimited is returned when the shared rate limit state blocks a request.
	ErrRateLimited = errors.New("upstream rate limited")
)

// FetchError represents a failed upstream request.
type FetchError struct {
	StatusCode int
	Class      ErrorClass
	Message    string
	RetryAfter time.Duration
	Err        error
}

// Error implements the error interface.
func (e *FetchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("upstream %s error (status %d): %s: %v",
			e.Class, e.StatusCode, e.Message, e.Err)
	}
	return fmt.Sprintf("upstream %s error (status %d): %s",
		e.Class, e.StatusCode, e.Message)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *FetchError) Unwrap() error {
	return e.Err
}

// ClassOf returns the class of err, looking through wrapping. Deadline
// errors are timeouts; anything unrecognised is a network error.
func ClassOf(err error) ErrorClass {
	if err == nil {
		return ""
	}
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Class
	}
	return classifyTransport(err)
}

// classifyStatus maps a non-success HTTP status to an error class.
func classifyStatus(code int) ErrorClass {
	switch {
	case code == http.StatusTooManyRequests:
		return ErrorClassRateLimit
	case code == http.StatusNotFound || code == http.StatusGone:
		return ErrorClassNotFound
	case code == http.StatusRequestTimeout || code == http.StatusGatewayTimeout:
		return ErrorClassTimeout
	case code >= 400 && code < 500:
		return ErrorClassClient
	case code >= 500:
		return ErrorClassServer
	default:
		return ErrorClassClient
	}
}

// classifyTransport maps an error from http.Client.Do to an error class.
func classifyTransport(err error) ErrorClass {
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorClassTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return ErrorClassTimeout
	}
	return ErrorClassNetwork
}

// shouldRetry determines if an error should be retried based on its classification.
func shouldRetry(errorClass ErrorClass) bool {
	switch errorClass {
	case ErrorClassServer, ErrorClassRateLimit, ErrorClassNetwork:
		return true
	default:
		// 4xx and timeouts are not retried; a timed-out page would burn the
		// same budget again.
		return false
	}
}

// countsAsFailure reports whether err should count against the circuit breaker.
func countsAsFailure(err error) bool {
	if err == nil {
		return false
	}
	switch ClassOf(err) {
	case ErrorClassClient, ErrorClassNotFound, ErrorClassRateLimit:
		return false
	default:
		return true
	}
}
