package recall

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// APIError is returned for every non-2xx provisioning API response.
type APIError struct {
	Operation  string
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	body := e.Body
	if len(body) > 256 {
		body = body[:256] + "..."
	}
	return fmt.Sprintf("provisioning %s: %s %s: status %d: %s", e.Operation, e.Method, e.Path, e.StatusCode, body)
}

// StatusCode extracts the HTTP status from an APIError chain, or 0.
func StatusCode(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}

// IsConflict reports a 409, returned by add-bot when the same dedup key is already in flight.
func IsConflict(err error) bool {
	return StatusCode(err) == http.StatusConflict
}

func IsNotFound(err error) bool {
	return StatusCode(err) == http.StatusNotFound
}

// IsDisconnected reports the statuses that mean the calendar link is gone or unauthorised.
func IsDisconnected(err error) bool {
	switch StatusCode(err) {
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
		return true
	}
	return false
}

// IsTransient reports network failures, 5xx and 429.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	code := StatusCode(err)
	if code == 0 {
		return true
	}
	return shouldRetry(code, nil)
}
