package http //nolint:revive // intentional naming for domain clarity

import (
	"errors"
	"fmt"
	nethttp "net/http"
)

// Sentinel errors for downloads.
var (
	// ErrEmptyURL is returned when Download is called with an empty URL.
	ErrEmptyURL = errors.New("http: empty url")

	// ErrTransient matches every failure that is worth retrying.
	ErrTransient = errors.New("http: transient failure")

	// ErrGatewayTimeout is returned when the server answers 504 on every attempt.
	ErrGatewayTimeout = fmt.Errorf("%w: gateway timeout", ErrTransient)

	// ErrAttemptTimeout is returned when an attempt exceeds its deadline.
	ErrAttemptTimeout = fmt.Errorf("%w: attempt timed out", ErrTransient)
)

// StatusError reports a non-success HTTP status.
//
// A 504 status unwraps to ErrGatewayTimeout, so errors.Is(err, ErrTransient)
// holds for it. Every other status is permanent.
type StatusError struct {
	URL        string
	StatusCode int
	Status     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("http: %s: unexpected status %s", e.URL, e.Status)
}

// Unwrap exposes ErrGatewayTimeout for 504 responses.
func (e *StatusError) Unwrap() error {
	if e.StatusCode == nethttp.StatusGatewayTimeout {
		return ErrGatewayTimeout
	}
	return nil
}
