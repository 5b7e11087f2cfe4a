package youtube

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// ErrNotAuthenticated means the request carried no signed-in user.
var ErrNotAuthenticated = errors.New("not authenticated")

// ErrInvalidInput rejects malformed requests before any network call.
var ErrInvalidInput = errors.New("invalid input")

// RateLimitedError reports a denied admission and how long until the window
// lapses.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	seconds := int64(e.RetryAfter.Seconds())
	if seconds < 1 {
		seconds = 1
	}
	return fmt.Sprintf("rate limit exceeded, try again in %ds", seconds)
}

// APIError is a non-success response from the YouTube Data API, reduced to
// what the rest of the system needs. Raw provider payloads stop here.
type APIError struct {
	StatusCode int
	Reason     string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("youtube api: status %d reason %q: %s", e.StatusCode, e.Reason, e.Message)
}

// UserMessage translates the provider error into the one line a user should
// see.
func (e *APIError) UserMessage() string {
	switch {
	case e.StatusCode == http.StatusUnauthorized:
		return "session expired, please sign in again"
	case e.StatusCode == http.StatusForbidden && isQuotaReason(e.Reason):
		return "youtube quota exceeded, try again later"
	case e.StatusCode == http.StatusForbidden:
		return "permission denied"
	case e.StatusCode == http.StatusNotFound:
		return "not found"
	case e.StatusCode == http.StatusTooManyRequests:
		return "too many requests, try again later"
	case e.Message != "":
		return e.Message
	default:
		return "youtube request failed"
	}
}

func isQuotaReason(reason string) bool {
	switch strings.ToLower(reason) {
	case "quotaexceeded", "dailylimitexceeded", "ratelimitexceeded", "userratelimitexceeded":
		return true
	}
	return false
}
