package common

import (
	"errors"
	"fmt"
)

var (
	// ErrAuth covers rejected credentials: 401/403 responses or explicit
	// exchange auth error codes. Connections hit by it need new keys; the
	// job queue must not retry it.
	ErrAuth = errors.New("exchange authentication failed")

	// ErrRateLimited is returned without issuing the request when the
	// exchange's rolling-window budget is exhausted, and for 429 replies.
	// Transient: the job queue's backoff absorbs it.
	ErrRateLimited = errors.New("exchange rate limit exceeded")

	// ErrUnsupportedExchange marks a lookup for an exchange nobody
	// registered. Programming/config error, never retried.
	ErrUnsupportedExchange = errors.New("unsupported exchange")
)

// APIError is any non-auth, non-429 HTTP failure from an exchange.
type APIError struct {
	Exchange   string
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s api error: status %d: %s", e.Exchange, e.StatusCode, e.Message)
}

// AuthError wraps ErrAuth with exchange context so callers can both match
// errors.Is(err, ErrAuth) and report which venue rejected the keys.
type AuthError struct {
	Exchange string
	Detail   string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s authentication failed: %s", e.Exchange, e.Detail)
}

func (e *AuthError) Unwrap() error { return ErrAuth }

// RateLimitError wraps ErrRateLimited with exchange context.
type RateLimitError struct {
	Exchange string
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s rate limit exceeded", e.Exchange)
}

func (e *RateLimitError) Unwrap() error { return ErrRateLimited }

// IsTransient reports whether an exchange error is worth retrying.
// Auth failures are terminal until the user supplies new credentials.
func IsTransient(err error) bool {
	if errors.Is(err, ErrAuth) || errors.Is(err, ErrUnsupportedExchange) {
		return false
	}
	return true
}
