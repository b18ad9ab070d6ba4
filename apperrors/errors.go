// Package apperrors provides a coded error type shared by the service layers
// and mapped to HTTP statuses at the fiber boundary.
package apperrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Code classifies an error for the HTTP boundary
type Code uint8

const (
	CodeInternal Code = iota
	CodeMalformedInput
	CodeInvalidSignature
	CodeExpired
	CodeMalformedUser
	CodeInvalidArgument
	CodePreconditionFailed
	CodeNotFound
	CodeForbidden
	CodeInvalidTransition
	CodeStorageUnavailable
	CodeQueueUnavailable
	CodeStoreUnavailable
)

// HTTPStatus turns a Code into the status code returned to clients
func HTTPStatus(c Code) int {
	switch c {
	case CodeMalformedInput, CodeInvalidArgument, CodePreconditionFailed:
		return http.StatusBadRequest
	case CodeInvalidSignature, CodeExpired, CodeMalformedUser:
		return http.StatusUnauthorized
	case CodeForbidden:
		return http.StatusForbidden
	case CodeNotFound:
		return http.StatusNotFound
	case CodeInvalidTransition:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// Error carries a code, a client-safe message and an optional cause
type Error struct {
	code Code
	msg  string
	op   string
	orig error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	prefix := e.msg
	if e.op != "" {
		prefix = e.op + ": " + e.msg
	}
	if e.orig != nil {
		return fmt.Sprintf("%s: %v", prefix, e.orig)
	}
	return prefix
}

func (e *Error) Unwrap() error { return e.orig }

// Code returns the error code
func (e *Error) Code() Code { return e.code }

// Message returns the short message that is safe to show to a client
func (e *Error) Message() string { return e.msg }

// Is matches another *Error with the same code and message, which lets
// package-level sentinels work with errors.Is after Wrap.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.orig == nil && t.op == "" && t.code == e.code && t.msg == e.msg
}

// New creates an error without a cause
func New(code Code, msg string) *Error {
	return &Error{code: code, msg: msg}
}

// Newf creates an error with a formatted message
func Newf(code Code, format string, args ...any) *Error {
	return &Error{code: code, msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a cause and an operation tag to a sentinel, keeping its code and message
func Wrap(sentinel *Error, op string, cause error) *Error {
	return &Error{code: sentinel.code, msg: sentinel.msg, op: op, orig: cause}
}

// CodeOf extracts the code from err, CodeInternal when err is not an *Error
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.code
	}
	return CodeInternal
}

// PublicMessage returns the message a client may see. 5xx errors collapse to
// a generic text so that causes stay in the server log.
func PublicMessage(err error) string {
	var e *Error
	if !errors.As(err, &e) {
		return "Internal server error"
	}
	if HTTPStatus(e.code) >= http.StatusInternalServerError {
		switch e.code {
		case CodeStorageUnavailable:
			return "Storage is unavailable"
		case CodeQueueUnavailable, CodeStoreUnavailable:
			return "Verification queue is unavailable"
		default:
			return "Internal server error"
		}
	}
	return e.msg
}
