package githost

import (
	"fmt"
	"time"
)

// APIError is the generic failure response from the hosting API.
type APIError struct {
	Status  int
	Message string
	URL     string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %d %s", e.URL, e.Status, e.Message)
}

func (e *APIError) StatusCode() int { return e.Status }

// NotFoundError branches logic rather than triggering retries: an absent
// repository or file is a valid state, not a transient failure.
type NotFoundError struct {
	APIError
}

// ServerError is a 5xx response, retryable with backoff.
type ServerError struct {
	APIError
}

// RateLimitError covers HTTP 429 and the secondary rate-limit signal
// (403 with retry guidance). It carries the server's Retry-After value so
// the retry executor can honor it over the backoff schedule.
type RateLimitError struct {
	APIError
	RetryAfterSeconds int
	Info              *RateLimitInfo
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited: %d %s (retry after %ds)", e.Status, e.Message, e.RetryAfterSeconds)
}

func (e *RateLimitError) RetryAfter() time.Duration {
	return time.Duration(e.RetryAfterSeconds) * time.Second
}
