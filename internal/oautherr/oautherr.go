// Package oautherr defines the error taxonomy shared by the core services.
// Errors carry a stable machine-readable code plus a kind that maps onto an
// HTTP class at the API boundary.
package oautherr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for transport mapping.
type Kind int

const (
	KindValidation Kind = iota
	KindConflict
	KindNotFound
	KindForbidden
	KindCapacity
	KindAuthentication
	KindInfrastructure
)

// Error is a coded domain error. Code is stable API surface; Message is
// human-oriented and may change.
type Error struct {
	Code    string
	Kind    Kind
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return e.Code + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.cause }

// HTTPStatus maps the error kind onto an HTTP status code.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindValidation, KindCapacity:
		return http.StatusBadRequest
	case KindConflict:
		return http.StatusConflict
	case KindNotFound:
		return http.StatusNotFound
	case KindForbidden:
		return http.StatusForbidden
	case KindAuthentication:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

// New builds a coded error.
func New(kind Kind, code, format string, args ...any) *Error {
	return &Error{Code: code, Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a cause to a coded error.
func Wrap(kind Kind, code string, cause error) *Error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return &Error{Code: code, Kind: kind, Message: msg, cause: cause}
}

// AsError extracts an *Error from err, or nil.
func AsError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return nil
}

// CodeIs reports whether err carries the given code.
func CodeIs(err error, code string) bool {
	e := AsError(err)
	return e != nil && e.Code == code
}

// Convenience constructors for the common kinds.

func Validation(code, format string, args ...any) *Error {
	return New(KindValidation, code, format, args...)
}

func Conflict(code, format string, args ...any) *Error {
	return New(KindConflict, code, format, args...)
}

func NotFound(code, format string, args ...any) *Error {
	return New(KindNotFound, code, format, args...)
}

func Forbidden(code, format string, args ...any) *Error {
	return New(KindForbidden, code, format, args...)
}

func Capacity(code, format string, args ...any) *Error {
	return New(KindCapacity, code, format, args...)
}

func Authentication(code, format string, args ...any) *Error {
	return New(KindAuthentication, code, format, args...)
}

func Infrastructure(code string, cause error) *Error {
	return Wrap(KindInfrastructure, code, cause)
}
