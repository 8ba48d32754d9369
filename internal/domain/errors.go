package domain

import (
	"errors"
	"fmt"
	"time"
)

// ErrBackendAuth indicates the backend rejected the configured credentials.
var ErrBackendAuth = errors.New("backend authentication failed")

// ErrBackendUnavailable indicates the backend could not be reached or
// returned a server-side failure.
var ErrBackendUnavailable = errors.New("backend unavailable")

// ErrCacheMiss indicates no cached entry was found.
var ErrCacheMiss = errors.New("cache miss")

// RateLimitError reports that a backend itself rejected a call for rate
// limiting. RetryAfter carries the backend's requested delay, or zero if
// the backend did not specify one.
type RateLimitError struct {
	Backend    string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("backend %s rate limited, retry after %s", e.Backend, e.RetryAfter)
	}
	return fmt.Sprintf("backend %s rate limited", e.Backend)
}
