// Package errdefs holds the error taxonomy shared by every conversion and
// splitting package. Package errors wrap one of these sentinels so callers can
// classify a failure with errors.Is without knowing where it came from.
package errdefs

import (
	"context"
	"errors"
	"net/http"
)

var (
	// ErrParse marks malformed input (bad JSON, XML, binary or number tokens).
	ErrParse = errors.New("parse error")
	// ErrValidation marks well-formed input that is semantically invalid.
	ErrValidation = errors.New("validation error")
	// ErrConversion marks a format-to-format transform that failed.
	ErrConversion = errors.New("conversion error")
	// ErrExternal marks a failed call to the spatial database or survey server.
	ErrExternal = errors.New("external dependency error")
	// ErrNotFound marks a lookup of something that does not exist.
	ErrNotFound = errors.New("not found")
)

// Retryable reports whether the caller may retry the operation.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrExternal) || errors.Is(err, context.DeadlineExceeded)
}

// HTTPStatus maps an error to the status code the API layer should return.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrParse), errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrConversion):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrExternal):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
