// Package errors defines the application error taxonomy shared by the
// lifecycle manager, the HTTP layer, and the CLI.
//
// Every error that crosses a package boundary carries a stable Code so the
// API layer can map it to a status and the UI can branch on it without
// string matching.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Code is a stable, machine-readable error classification.
type Code string

const (
	CodeValidation          Code = "VALIDATION_ERROR"
	CodeUnauthorized        Code = "UNAUTHORIZED"
	CodeNotFound            Code = "NOT_FOUND"
	CodeResourceUnavailable Code = "RESOURCE_UNAVAILABLE"
	CodeProcessSpawn        Code = "PROCESS_SPAWN_ERROR"
	CodeProcessExit         Code = "PROCESS_EXIT_ERROR"
	CodeResultsUnreadable   Code = "RESULTS_UNREADABLE"
	CodeMethodNotAllowed    Code = "METHOD_NOT_ALLOWED"
	CodeInternal            Code = "INTERNAL_ERROR"
)

// AppError is the error type surfaced across component boundaries.
type AppError struct {
	Code    Code
	Message string
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates an AppError with the given code and message.
func New(code Code, format string, args ...any) *AppError {
	return &AppError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to an underlying error.
func Wrap(code Code, err error, format string, args ...any) *AppError {
	return &AppError{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// CodeOf extracts the Code from err, or CodeInternal when err is not an
// AppError.
func CodeOf(err error) Code {
	var app *AppError
	if errors.As(err, &app) {
		return app.Code
	}
	return CodeInternal
}

// HTTPStatus maps an error code to its HTTP response status.
func HTTPStatus(code Code) int {
	switch code {
	case CodeValidation:
		return http.StatusBadRequest
	case CodeUnauthorized:
		return http.StatusForbidden
	case CodeNotFound:
		return http.StatusNotFound
	case CodeMethodNotAllowed:
		return http.StatusMethodNotAllowed
	case CodeResourceUnavailable:
		return http.StatusServiceUnavailable
	case CodeProcessSpawn, CodeProcessExit, CodeResultsUnreadable:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
