// Package errs defines the reason codes every failed state transition
// reports. A call either fully applies or fails with one of these codes;
// nothing in between is ever visible to callers.
package errs

import (
	"errors"
	"fmt"
)

// Code classifies why a transition was rejected.
type Code int32

const (
	CodeUnknown Code = iota
	CodeMalformedInput
	CodeInvalidState
	CodeInsufficientHealth
	CodeInsufficientFunds
	CodeUnauthorized
	CodeNotLiquidatable
	CodeNotBankrupt
	CodeFatal
)

func (c Code) String() string {
	switch c {
	case CodeMalformedInput:
		return "MalformedInput"
	case CodeInvalidState:
		return "InvalidState"
	case CodeInsufficientHealth:
		return "InsufficientHealth"
	case CodeInsufficientFunds:
		return "InsufficientFunds"
	case CodeUnauthorized:
		return "Unauthorized"
	case CodeNotLiquidatable:
		return "NotLiquidatable"
	case CodeNotBankrupt:
		return "NotBankrupt"
	case CodeFatal:
		return "Fatal"
	default:
		return "Unknown"
	}
}

// Error carries a reason code plus context. Fatal-coded errors mark
// invariant violations (clock regression, double event consumption) and
// must abort the whole call without local recovery.
type Error struct {
	Code Code
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err with a reason code.
func New(code Code, err error) error {
	return &Error{Code: code, Err: err}
}

// Newf formats a fresh coded error.
func Newf(code Code, format string, args ...any) error {
	return &Error{Code: code, Err: fmt.Errorf(format, args...)}
}

// CodeOf extracts the reason code, CodeUnknown if err carries none.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeUnknown
}

// IsFatal reports whether err is an invariant violation.
func IsFatal(err error) bool {
	return CodeOf(err) == CodeFatal
}
