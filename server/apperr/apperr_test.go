package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	assert.Equal(t, KindNotFound, KindOf(New(KindNotFound, "gone")))
	assert.Equal(t, KindInternal, KindOf(errors.New("plain")))

	// Kind survives wrapping through fmt.
	wrapped := fmt.Errorf("context: %w", New(KindUpstream, "boom"))
	assert.Equal(t, KindUpstream, KindOf(wrapped))
}

func TestWrapNil(t *testing.T) {
	assert.Nil(t, Wrap(KindInternal, "nothing", nil))
}

func TestHTTPStatus(t *testing.T) {
	cases := map[Kind]int{
		KindInternal:        http.StatusInternalServerError,
		KindValidation:      http.StatusBadRequest,
		KindNotFound:        http.StatusNotFound,
		KindVersionMismatch: http.StatusConflict,
		KindUnauthorized:    http.StatusUnauthorized,
		KindForbidden:       http.StatusForbidden,
		KindRateLimited:     http.StatusTooManyRequests,
		KindUpstream:        http.StatusBadGateway,
		KindTimeout:         http.StatusGatewayTimeout,
	}
	for kind, want := range cases {
		assert.Equal(t, want, kind.HTTPStatus(), kind.String())
	}
}

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(New(KindUpstream, "502")))
	assert.True(t, Retryable(New(KindRateLimited, "429")))
	assert.True(t, Retryable(New(KindTimeout, "deadline")))

	assert.False(t, Retryable(New(KindValidation, "bad input")))
	assert.False(t, Retryable(New(KindNotFound, "missing")))
	assert.False(t, Retryable(New(KindUnauthorized, "401")))
	assert.False(t, Retryable(errors.New("plain")))
}

func TestErrorMessage(t *testing.T) {
	err := Wrap(KindUpstream, "query tasks", errors.New("connection reset"))
	assert.Contains(t, err.Error(), "upstream_failure")
	assert.Contains(t, err.Error(), "query tasks")
	assert.Contains(t, err.Error(), "connection reset")
	assert.Equal(t, "connection reset", errors.Unwrap(err).Error())
}
