package errdefs

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, http.StatusOK},
		{"parse", fmt.Errorf("%w: bad json", ErrParse), http.StatusBadRequest},
		{"validation", fmt.Errorf("wrapped: %w", fmt.Errorf("%w: crs", ErrValidation)), http.StatusBadRequest},
		{"conversion", fmt.Errorf("%w: empty", ErrConversion), http.StatusUnprocessableEntity},
		{"not found", fmt.Errorf("%w: entity abc", ErrNotFound), http.StatusNotFound},
		{"external", fmt.Errorf("%w: db down", ErrExternal), http.StatusBadGateway},
		{"timeout", fmt.Errorf("split: %w", context.DeadlineExceeded), http.StatusGatewayTimeout},
		{"unknown", errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, HTTPStatus(tt.err))
		})
	}
}

func TestRetryable(t *testing.T) {
	assert.False(t, Retryable(nil))
	assert.False(t, Retryable(fmt.Errorf("%w: x", ErrValidation)))
	assert.True(t, Retryable(fmt.Errorf("%w: x", ErrExternal)))
	assert.True(t, Retryable(context.DeadlineExceeded))
}
