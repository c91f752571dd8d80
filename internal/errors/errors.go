// Package errors defines the service error taxonomy shared by the domain
// services and the HTTP layer.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Code identifies an error category for API consumers.
type Code string

const (
	CodeCapacityExceeded Code = "CAPACITY_EXCEEDED"
	CodeInvalidPosition  Code = "INVALID_POSITION"
	CodeInvalidReorder   Code = "INVALID_REORDER"
	CodeNotFound         Code = "NOT_FOUND"
	CodeValidation       Code = "VALIDATION_FAILED"
	CodeUnauthorized     Code = "UNAUTHORIZED"
	CodeForbidden        Code = "FORBIDDEN"
	CodeInvalidToken     Code = "INVALID_TOKEN"
	CodeAuthLockout      Code = "AUTH_LOCKOUT"
	CodeRateLimited      Code = "RATE_LIMITED"
	CodeInternal         Code = "INTERNAL"
)

// ServiceError carries an API-facing code and HTTP status alongside the
// underlying cause.
type ServiceError struct {
	Code       Code
	Message    string
	HTTPStatus int
	Details    map[string]interface{}
	cause      error
}

func (e *ServiceError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *ServiceError) Unwrap() error { return e.cause }

// WithDetails attaches a key/value pair for the API error payload.
func (e *ServiceError) WithDetails(key string, value interface{}) *ServiceError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

func newError(code Code, status int, message string, cause error) *ServiceError {
	return &ServiceError{Code: code, Message: message, HTTPStatus: status, cause: cause}
}

// CapacityExceeded signals that a parent already holds its maximum number of
// children. Not retryable without removing a child first.
func CapacityExceeded(kind string, max int) *ServiceError {
	return newError(CodeCapacityExceeded, http.StatusConflict,
		fmt.Sprintf("maximum number of %s (%d) reached", kind, max), nil)
}

// InvalidPosition signals an out-of-range insert position.
func InvalidPosition(position, count int) *ServiceError {
	return newError(CodeInvalidPosition, http.StatusBadRequest,
		fmt.Sprintf("position %d out of range for collection of %d", position, count), nil)
}

// InvalidReorder signals a reorder request that is not a valid permutation of
// the parent's children.
func InvalidReorder(reason string) *ServiceError {
	return newError(CodeInvalidReorder, http.StatusBadRequest, reason, nil)
}

// NotFound signals a missing entity.
func NotFound(kind, id string) *ServiceError {
	return newError(CodeNotFound, http.StatusNotFound,
		fmt.Sprintf("%s %s not found", kind, id), nil)
}

// Validation signals rejected input.
func Validation(message string) *ServiceError {
	return newError(CodeValidation, http.StatusBadRequest, message, nil)
}

// Unauthorized signals a missing or unusable credential.
func Unauthorized(message string) *ServiceError {
	return newError(CodeUnauthorized, http.StatusUnauthorized, message, nil)
}

// Forbidden signals an authenticated caller acting on a resource it does not
// own.
func Forbidden(message string) *ServiceError {
	return newError(CodeForbidden, http.StatusForbidden, message, nil)
}

// InvalidToken wraps a JWT parse/validation failure.
func InvalidToken(cause error) *ServiceError {
	return newError(CodeInvalidToken, http.StatusUnauthorized, "invalid or expired authentication token", cause)
}

// AuthLockout signals too many failed authentication attempts.
func AuthLockout(retryAfter string) *ServiceError {
	e := newError(CodeAuthLockout, http.StatusTooManyRequests,
		"account temporarily locked due to multiple failed attempts", nil)
	return e.WithDetails("retry_after", retryAfter)
}

// RateLimitExceeded signals that the caller exhausted its request budget.
func RateLimitExceeded(limit int, window string) *ServiceError {
	e := newError(CodeRateLimited, http.StatusTooManyRequests, "rate limit exceeded, please try again later", nil)
	return e.WithDetails("limit", limit).WithDetails("window", window)
}

// Internal wraps an unexpected failure.
func Internal(message string, cause error) *ServiceError {
	return newError(CodeInternal, http.StatusInternalServerError, message, cause)
}

// GetServiceError returns the *ServiceError in err's chain, or nil.
func GetServiceError(err error) *ServiceError {
	var se *ServiceError
	if errors.As(err, &se) {
		return se
	}
	return nil
}

// IsCode reports whether err carries the given service error code.
func IsCode(err error, code Code) bool {
	se := GetServiceError(err)
	return se != nil && se.Code == code
}
