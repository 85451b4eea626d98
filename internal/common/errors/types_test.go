package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAppError_Error(t *testing.T) {
	tests := []struct {
		name     string
		appError *AppError
		want     string
	}{
		{
			name:     "basic error",
			appError: &AppError{Type: ErrTypeConfig, Message: "configuration is invalid"},
			want:     "config: configuration is invalid",
		},
		{
			name:     "error with code",
			appError: &AppError{Type: ErrTypeAuth, Message: "authentication failed", Code: "AUTH001"},
			want:     "authentication: authentication failed: code=AUTH001",
		},
		{
			name:     "error with cause",
			appError: &AppError{Type: ErrTypeConnection, Message: "dial failed", Cause: errors.New("network timeout")},
			want:     "connection: dial failed: cause=network timeout",
		},
		{
			name: "context keys are sorted",
			appError: &AppError{
				Type:    ErrTypeValidation,
				Message: "field validation failed",
				Context: map[string]interface{}{"value": "invalid", "field": "username"},
			},
			want: "validation: field validation failed: context={field=username, value=invalid}",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.appError.Error())
		})
	}
}

func TestTransportError(t *testing.T) {
	cause := errors.New("connection reset")
	err := TransportError("orders", cause)

	assert.Equal(t, ErrTypeTransport, err.Type)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "orders", err.Context["route_id"])
}

func TestIsTypeFollowsWrapping(t *testing.T) {
	wrapped := fmt.Errorf("determine route: %w", NoActiveRouteError())

	assert.True(t, IsType(wrapped, ErrTypeNoActiveRoute))
	assert.False(t, IsType(wrapped, ErrTypeTransport))
	assert.False(t, IsType(nil, ErrTypeTransport))
	assert.False(t, IsType(errors.New("plain"), ErrTypeInternal))
}

func TestGetType(t *testing.T) {
	assert.Equal(t, ErrorType(""), GetType(nil))
	assert.Equal(t, ErrTypeInternal, GetType(errors.New("plain")))
	assert.Equal(t, ErrTypeUnknownRoute, GetType(fmt.Errorf("x: %w", UnknownRouteError("r9"))))
}

func TestAppErrorIsMatchesTypeAndMessage(t *testing.T) {
	sentinel := NoActiveRouteError()
	assert.ErrorIs(t, NoActiveRouteError(), sentinel)
	assert.NotErrorIs(t, TimeoutError("dispatch"), sentinel)
}

func TestWithContextAndCode(t *testing.T) {
	err := ValidationError("bad").WithContext("field", "id").WithCode("V1")
	assert.Equal(t, "id", err.Context["field"])
	assert.Equal(t, "V1", err.Code)
}
