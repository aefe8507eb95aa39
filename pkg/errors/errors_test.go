package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppError_Error(t *testing.T) {
	err := NewAppError(ErrCodeInvalidInput, "test error", 400)
	assert.Equal(t, "INVALID_INPUT: test error", err.Error())
}

func TestAppError_WithCause(t *testing.T) {
	cause := errors.New("dial tcp: refused")
	err := WrapError(cause, ErrCodeBadGateway, "relay unreachable", http.StatusBadGateway)

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "dial tcp: refused")
}

func TestAppError_WithContext(t *testing.T) {
	err := NewAppError(ErrCodeInvalidInput, "bad destination", 400)
	err.WithContext("destination_id", "yt").WithContext("attempt", 2)

	assert.Equal(t, "yt", err.Context["destination_id"])
	assert.Equal(t, 2, err.Context["attempt"])
}

func TestConstructors_StatusCodes(t *testing.T) {
	cases := []struct {
		err    *AppError
		code   ErrorCode
		status int
	}{
		{NewInvalidInputError("x"), ErrCodeInvalidInput, http.StatusBadRequest},
		{NewNotFoundError("session"), ErrCodeNotFound, http.StatusNotFound},
		{NewUnauthorizedError("x"), ErrCodeUnauthorized, http.StatusUnauthorized},
		{NewSessionEndedError(), ErrCodeSessionEnded, http.StatusGone},
		{NewSessionFullError(), ErrCodeSessionFull, http.StatusConflict},
		{NewControlDeniedError("x"), ErrCodeControlDenied, http.StatusForbidden},
		{NewRelayUnavailableError(errors.New("x")), ErrCodeRelayUnavailable, http.StatusBadGateway},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.code, tc.err.Code)
		assert.Equal(t, tc.status, tc.err.HTTPStatus)
	}
	assert.Equal(t, "session not found", NewNotFoundError("session").Message)
}

func TestGetAppError_ThroughWrapping(t *testing.T) {
	appErr := NewSessionEndedError()
	wrapped := fmt.Errorf("failed to join: %w", appErr)

	got := GetAppError(wrapped)
	require.NotNil(t, got)
	assert.Same(t, appErr, got)
	assert.True(t, IsAppError(wrapped))
	assert.True(t, HasCode(wrapped, ErrCodeSessionEnded))
	assert.False(t, HasCode(wrapped, ErrCodeNotFound))

	assert.Nil(t, GetAppError(errors.New("plain")))
	assert.False(t, IsAppError(errors.New("plain")))
}
