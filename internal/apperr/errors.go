// Package apperr holds the error taxonomy shared by the payment, region and
// provisioning layers. Callers classify with errors.Is against the sentinels.
package apperr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

var (
	// ErrNotFound is returned for unknown plans, packages, subscriptions or
	// credentials. Never retried.
	ErrNotFound = errors.New("not found")
	// ErrGatewayUnavailable means a payment or region backend is unreachable
	// or not configured. Recoverable: offer the alternative or retry later.
	ErrGatewayUnavailable = errors.New("gateway unavailable")
	// ErrTransient covers timeouts, rate limits and 5xx answers.
	ErrTransient = errors.New("transient failure")
	// ErrRejected means the backend explicitly refused the request.
	ErrRejected = errors.New("rejected")
	// ErrConflict signals an attempt to consume an already consumed resource.
	ErrConflict = errors.New("conflict")
	// ErrInvalidTransition is returned when a flow event arrives in a state
	// that does not accept it.
	ErrInvalidTransition = errors.New("invalid transition")
)

// Wrap attaches kind to err so that errors.Is matches both.
func Wrap(kind, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, kind) {
		return err
	}
	return fmt.Errorf("%w: %w", kind, err)
}

// IsRetryable reports whether err should be retried by a bounded backoff loop.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransient)
}

// FromHTTPStatus maps a non-2xx response to the taxonomy.
func FromHTTPStatus(status int, body []byte) error {
	cause := fmt.Errorf("api error: %s (status: %d)", truncate(body, 256), status)
	switch {
	case status == http.StatusTooManyRequests, status >= 500:
		return Wrap(ErrTransient, cause)
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return Wrap(ErrGatewayUnavailable, cause)
	case status == http.StatusNotFound:
		return Wrap(ErrNotFound, cause)
	default:
		return Wrap(ErrRejected, cause)
	}
}

// FromTransport classifies an error returned by an HTTP client Do call.
// Timeouts and dial/read failures are transient; anything else (bad URL,
// TLS verification) means the backend is unavailable.
func FromTransport(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Wrap(ErrTransient, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Wrap(ErrTransient, err)
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return Wrap(ErrTransient, err)
	}
	return Wrap(ErrGatewayUnavailable, err)
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
