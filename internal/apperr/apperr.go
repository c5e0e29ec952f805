// Package apperr defines the error sentinels shared across the service
// and maps them to stable kinds.
package apperr

import (
	"context"
	"errors"
)

var (
	ErrInvalidSignature  = errors.New("invalid signature")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrBadRequest        = errors.New("bad request")
	ErrOrderNotFound     = errors.New("order not found")
	ErrItemNotFound      = errors.New("item not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrProviderRejected  = errors.New("provider rejected request")
)

// transientError marks an error as safe to retry later.
type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// Transient wraps err so that IsTransient reports true for it.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsTransient reports whether err was marked transient or is a deadline.
// Everything else is treated as permanent.
func IsTransient(err error) bool {
	var t *transientError
	return errors.As(err, &t) || errors.Is(err, context.DeadlineExceeded)
}

// Kind classifies err for logs and API responses.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""

	case errors.Is(err, ErrInvalidSignature):
		return "invalid_signature"

	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"

	case errors.Is(err, ErrBadRequest):
		return "bad_request"

	case errors.Is(err, ErrOrderNotFound):
		return "order_not_found"

	case errors.Is(err, ErrItemNotFound):
		return "item_not_found"

	case errors.Is(err, ErrInvalidTransition):
		return "invalid_transition"

	case errors.Is(err, ErrProviderRejected):
		return "provider_rejected"

	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"

	case errors.Is(err, context.Canceled):
		return "canceled"

	case IsTransient(err):
		return "unavailable"

	default:
		return "internal"
	}
}
