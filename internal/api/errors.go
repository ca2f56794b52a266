package api

import (
	"errors"
	"fmt"
)

// Kind classifies an API failure by what the caller should do about it.
type Kind string

const (
	// KindAuth - credentials rejected (401/403). Not retryable.
	KindAuth Kind = "auth"
	// KindNotFound - the resource does not exist upstream (404).
	KindNotFound Kind = "not_found"
	// KindValidation - the API rejected the request (other 4xx).
	KindValidation Kind = "validation"
	// KindRateLimited - throttle limit hit (429). Retryable after backoff.
	KindRateLimited Kind = "rate_limited"
	// KindQuotaExhausted - daily quota spent (429). Retrying is pointless
	// until the quota window resets.
	KindQuotaExhausted Kind = "quota_exhausted"
	// KindServer - upstream 5xx. Retryable.
	KindServer Kind = "server"
	// KindDecode - the response body was not the JSON we expected.
	KindDecode Kind = "decode"
)

// Error is a classified API failure.
type Error struct {
	Kind       Kind
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("api %s (HTTP %d): %s", e.Kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("api %s: %s", e.Kind, e.Message)
}

// IsKind reports whether err wraps an *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var apiErr *Error
	return errors.As(err, &apiErr) && apiErr.Kind == kind
}

// ErrorKind returns the kind of the *Error wrapped in err, or "" if err is
// not an API error.
func ErrorKind(err error) Kind {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}
	return ""
}
