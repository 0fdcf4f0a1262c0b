package utils

import (
	"fmt"
	"net/http"
)

const (
	CodeValidation = "validation_error"
	CodeForbidden  = "forbidden"
	CodeNotFound   = "not_found"
	CodeConflict   = "conflict"
	CodeInternal   = "internal_error"
)

// AppError carries the HTTP status a service failure should surface as.
type AppError struct {
	Status int
	Code   string
	Err    error
}

func (e *AppError) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	if e.Code != "" {
		return e.Code
	}
	return fmt.Sprintf("api error (%d)", e.Status)
}

func (e *AppError) Unwrap() error { return e.Err }

func NewAppError(status int, code string, err error) *AppError {
	return &AppError{Status: status, Code: code, Err: err}
}

func NewValidationError(format string, args ...interface{}) *AppError {
	return NewAppError(http.StatusBadRequest, CodeValidation, fmt.Errorf(format, args...))
}

func NewForbiddenError(format string, args ...interface{}) *AppError {
	return NewAppError(http.StatusForbidden, CodeForbidden, fmt.Errorf(format, args...))
}

func NewNotFoundError(format string, args ...interface{}) *AppError {
	return NewAppError(http.StatusNotFound, CodeNotFound, fmt.Errorf(format, args...))
}

func NewConflictError(format string, args ...interface{}) *AppError {
	return NewAppError(http.StatusConflict, CodeConflict, fmt.Errorf(format, args...))
}

func NewInternalError(err error) *AppError {
	return NewAppError(http.StatusInternalServerError, CodeInternal, err)
}
