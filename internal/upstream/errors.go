package upstream

import (
	"errors"
	"fmt"
)

// ErrBadNextLink is returned when a pagination response carries a
// rel="next" link whose URL cannot be parsed or has no cursor token.
// Stopping silently there would truncate the dataset, so the page walk
// fails loudly instead.
var ErrBadNextLink = errors.New("upstream: next link present but no page token could be extracted")

// ErrNoCredentials is returned when the tenant has no stored token set.
var ErrNoCredentials = errors.New("upstream: no credentials stored for tenant")

// AuthError means authentication is broken beyond the client's ability
// to repair: a refresh failed, or a refreshed token was rejected again.
// The tenant needs to reconnect.
type AuthError struct {
	Reason string
	Err    error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("upstream auth: %s: %v", e.Reason, e.Err)
	}
	return "upstream auth: " + e.Reason
}

func (e *AuthError) Unwrap() error { return e.Err }

// RateLimitError means the upstream kept answering 429 past the
// throttle retry budget.
type RateLimitError struct {
	Throttles int
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("upstream: rate limited %d times, giving up", e.Throttles)
}

// APIError is a non-success upstream response. Transient marks 5xx and
// network failures that exhausted their retry budget; permanent 4xx
// responses are never retried.
type APIError struct {
	StatusCode int
	Body       string
	Transient  bool
	Err        error
}

func (e *APIError) Error() string {
	switch {
	case e.Err != nil && e.StatusCode == 0:
		return fmt.Sprintf("upstream request failed: %v", e.Err)
	case e.Transient:
		return fmt.Sprintf("upstream returned %d after retries: %s", e.StatusCode, e.Body)
	default:
		return fmt.Sprintf("upstream returned %d: %s", e.StatusCode, e.Body)
	}
}

func (e *APIError) Unwrap() error { return e.Err }
