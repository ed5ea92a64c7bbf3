// Package apperr holds the error taxonomy shared by the REST handlers, the
// authorization middleware and the real-time channel.
package apperr

import (
	"errors"
	"net/http"
)

var (
	// ErrUnauthenticated: no, invalid or expired credential. Safe to retry after re-authentication.
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrForbidden: valid identity without the required role or ownership.
	ErrForbidden = errors.New("forbidden")
	// ErrReconciliationConflict: a creation race left no record to reuse.
	ErrReconciliationConflict = errors.New("reconciliation conflict")
	// ErrProviderUnavailable: the identity provider could not be reached.
	ErrProviderUnavailable = errors.New("identity provider unavailable")

	ErrInvalidInput = errors.New("invalid input")
	ErrNotFound     = errors.New("not found")
)

// Status maps an error (possibly wrapped) to the HTTP status clients see.
// Reconciliation and provider failures are reported as 401 so unauthenticated
// callers learn nothing about infrastructure state.
func Status(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrUnauthenticated),
		errors.Is(err, ErrReconciliationConflict),
		errors.Is(err, ErrProviderUnavailable):
		return http.StatusUnauthorized
	case errors.Is(err, ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// Code is the stable machine-readable error code written in response bodies.
// All authentication failures share one code to avoid an oracle.
func Code(err error) string {
	switch Status(err) {
	case http.StatusUnauthorized:
		return "unauthenticated"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusBadRequest:
		return "invalid_input"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusOK:
		return ""
	default:
		return "internal"
	}
}
