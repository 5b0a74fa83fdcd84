// Package edgeerr defines the typed error taxonomy shared across the
// control plane: storage, device, command, automation, agent, and
// extension subsystems all return *Error rather than ad-hoc errors.
package edgeerr

import (
	"errors"
	"fmt"
)

// Code classifies an error into one of the taxonomy buckets callers are
// expected to branch on.
type Code string

const (
	NotFound         Code = "not_found"
	InvalidArgument  Code = "invalid_argument"
	InvalidState     Code = "invalid_state"
	Unavailable      Code = "unavailable"
	Timeout          Code = "timeout"
	CapacityExceeded Code = "capacity_exceeded"
	Integrity        Code = "integrity"
	Extension        Code = "extension"
	Io               Code = "io"
	Backend          Code = "backend"
)

// Error is the typed error carried across every package boundary in the
// control plane.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an *Error with no wrapped cause.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf builds an *Error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to an underlying cause.
func Wrap(code Code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Code == code
}

// CodeOf extracts the Code from err, returning "" if err is not an *Error.
func CodeOf(err error) Code {
	var e *Error
	if !errors.As(err, &e) {
		return ""
	}
	return e.Code
}
