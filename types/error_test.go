package types

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_ChainingAndHelpers(t *testing.T) {
	t.Parallel()

	root := errors.New("root")
	err := NewError(ErrProvider, "click failed").
		WithCause(root).
		WithHTTPStatus(502).
		WithRetryable(true).
		WithProvider("chromedp")

	assert.Equal(t, ErrProvider, GetErrorCode(err))
	assert.True(t, IsRetryable(err))
	assert.True(t, errors.Is(err, root))
	assert.Contains(t, err.Error(), "[PROVIDER_ERROR] click failed: root")
}

func TestIsCode_Wrapped(t *testing.T) {
	t.Parallel()

	err := fmt.Errorf("acquire: %w", NewError(ErrPoolExhausted, "no idle worker"))
	assert.True(t, IsCode(err, ErrPoolExhausted))
	assert.False(t, IsCode(err, ErrPoolClosed))
	assert.False(t, IsCode(nil, ErrPoolClosed))
	assert.False(t, IsRetryable(errors.New("plain")))
}

func TestHTTPStatusFor(t *testing.T) {
	t.Parallel()

	assert.Equal(t, http.StatusBadRequest, HTTPStatusFor(ErrValidation))
	assert.Equal(t, http.StatusNotFound, HTTPStatusFor(ErrNotFound))
	assert.Equal(t, http.StatusServiceUnavailable, HTTPStatusFor(ErrPoolExhausted))
	assert.Equal(t, http.StatusGatewayTimeout, HTTPStatusFor(ErrTimeout))
	assert.Equal(t, http.StatusInternalServerError, HTTPStatusFor(ErrInternalError))
}
