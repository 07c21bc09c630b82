package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAppError(t *testing.T) {
	t.Run("Error returns formatted string", func(t *testing.T) {
		err := New(ErrCodeNotFound, "Session not found")
		assert.Equal(t, "NOT_FOUND: Session not found", err.Error())
	})

	t.Run("Error with cause includes cause", func(t *testing.T) {
		cause := errors.New("connection refused")
		err := Wrap(ErrCodeStore, "Queue store error", cause)
		assert.Contains(t, err.Error(), "STORE_ERROR")
		assert.Contains(t, err.Error(), "connection refused")
	})

	t.Run("WithCause adds cause to error", func(t *testing.T) {
		cause := errors.New("original error")
		err := New(ErrCodeInternal, "Something went wrong").WithCause(cause)
		assert.Equal(t, cause, err.Unwrap())
	})

	t.Run("WithDetails adds details to error", func(t *testing.T) {
		details := map[string]string{"field": "region"}
		err := New(ErrCodeValidation, "Validation failed").WithDetails(details)
		assert.Equal(t, details, err.Details)
	})
}

func TestErrorConstructors(t *testing.T) {
	tests := []struct {
		name         string
		constructor  func() *AppError
		expectedCode ErrorCode
	}{
		{"Unauthorized", func() *AppError { return Unauthorized("test") }, ErrCodeUnauthorized},
		{"Forbidden", func() *AppError { return Forbidden("test") }, ErrCodeForbidden},
		{"Banned", Banned, ErrCodeBanned},
		{"NotFound", func() *AppError { return NotFound("Session") }, ErrCodeNotFound},
		{"Conflict", func() *AppError { return Conflict("busy") }, ErrCodeConflict},
		{"AlreadyInSession", AlreadyInSession, ErrCodeAlreadyInSession},
		{"InvalidState", func() *AppError { return InvalidState("not ended") }, ErrCodeInvalidState},
		{"InsufficientBalance", InsufficientBalance, ErrCodeInsufficientBalance},
		{"ValidationError", func() *AppError { return ValidationError("test") }, ErrCodeValidation},
		{"InvalidInput", func() *AppError { return InvalidInput("choice", "unknown") }, ErrCodeInvalidInput},
		{"MissingRequired", func() *AppError { return MissingRequired("region") }, ErrCodeMissingRequired},
		{"RateLimitExceeded", RateLimitExceeded, ErrCodeRateLimitExceeded},
		{"Internal", func() *AppError { return Internal("test") }, ErrCodeInternal},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.constructor()
			assert.Equal(t, tc.expectedCode, err.Code)
			assert.NotEmpty(t, err.Message)
		})
	}
}

func TestConflictIsRetryable(t *testing.T) {
	err := Conflict("lock held")
	details, ok := err.Details.(map[string]any)
	assert.True(t, ok)
	assert.Equal(t, true, details["retryable"])
}

func TestWrappedCauses(t *testing.T) {
	cause := errors.New("timeout")

	assert.Equal(t, cause, Database(cause).Unwrap())
	assert.Equal(t, cause, Store(cause).Unwrap())

	ext := External("call credentials", cause)
	assert.Equal(t, ErrCodeExternal, ext.Code)
	assert.Contains(t, ext.Message, "call credentials")
}

func TestAsAppError(t *testing.T) {
	t.Run("extracts AppError through fmt wrapping", func(t *testing.T) {
		original := NotFound("Session")
		wrapped := fmt.Errorf("submit choice: %w", original)

		extracted, ok := AsAppError(wrapped)
		assert.True(t, ok)
		assert.Equal(t, original, extracted)
		assert.True(t, IsAppError(wrapped))
	})

	t.Run("returns false for non-AppError", func(t *testing.T) {
		extracted, ok := AsAppError(errors.New("standard error"))
		assert.False(t, ok)
		assert.Nil(t, extracted)
	})
}

func TestGetCodeAndHasCode(t *testing.T) {
	assert.Equal(t, ErrCodeBanned, GetCode(Banned()))
	assert.Equal(t, ErrCodeInternal, GetCode(errors.New("standard error")))

	assert.True(t, HasCode(fmt.Errorf("join: %w", InsufficientBalance()), ErrCodeInsufficientBalance))
	assert.False(t, HasCode(Banned(), ErrCodeConflict))
	assert.False(t, HasCode(nil, ErrCodeConflict))
}
