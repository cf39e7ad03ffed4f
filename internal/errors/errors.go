// Package errors defines the coded error taxonomy shared by the workflow
// service. Every error that leaves a service-layer operation is an *Error so
// callers can branch on Code instead of inspecting persistence exceptions.
package errors

import (
	stderrors "errors"
	"fmt"
)

// Code classifies an error.
type Code string

const (
	ErrCodeDefinition          Code = "DEFINITION_ERROR"
	ErrCodeInvalidState        Code = "INVALID_STATE"
	ErrCodeAlreadyDecided      Code = "ALREADY_DECIDED"
	ErrCodeUnsupportedStep     Code = "UNSUPPORTED_STEP"
	ErrCodeConditionEvaluation Code = "CONDITION_EVALUATION_ERROR"
	ErrCodePersistence         Code = "PERSISTENCE_ERROR"
	ErrCodeNotFound            Code = "NOT_FOUND"
	ErrCodeInvalidInput        Code = "INVALID_INPUT"
	ErrCodeUnauthorized        Code = "UNAUTHORIZED"
	ErrCodeConflict            Code = "CONFLICT"
	ErrCodeInternal            Code = "INTERNAL"
)

// Error is a coded error with an optional cause.
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

// Is reports whether target is an *Error with the same code, so that
// stderrors.Is(err, &Error{Code: ErrCodeNotFound}) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code && t.Message == ""
}

// New creates a coded error.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates a coded error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to err. A nil err yields nil.
func Wrap(err error, code Code, message string) error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: message, Err: err}
}

// CodeOf returns the code of the outermost *Error in err's chain, or
// ErrCodeInternal when there is none.
func CodeOf(err error) Code {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Code
	}
	return ErrCodeInternal
}

// Is reports whether err carries the given code anywhere in its chain.
func Is(err error, code Code) bool {
	for err != nil {
		var e *Error
		if !stderrors.As(err, &e) {
			return false
		}
		if e.Code == code {
			return true
		}
		err = e.Err
	}
	return false
}

// ── constructors ─────────────────────────────────────────────────────────────

func Definition(format string, args ...any) *Error {
	return Newf(ErrCodeDefinition, format, args...)
}

func InvalidState(format string, args ...any) *Error {
	return Newf(ErrCodeInvalidState, format, args...)
}

func AlreadyDecided(requestID, status string) *Error {
	return Newf(ErrCodeAlreadyDecided, "approval request %s already %s", requestID, status)
}

func UnsupportedStep(stepID, stepType string) *Error {
	return Newf(ErrCodeUnsupportedStep, "step %s has unsupported type %q", stepID, stepType)
}

func ConditionEvaluation(err error, stepID string) error {
	return Wrap(err, ErrCodeConditionEvaluation, fmt.Sprintf("condition of step %s failed", stepID))
}

func Persistence(err error, message string) error {
	return Wrap(err, ErrCodePersistence, message)
}

func NotFound(resource, id string) *Error {
	return Newf(ErrCodeNotFound, "%s %s not found", resource, id)
}

func InvalidInput(field, message string) *Error {
	return Newf(ErrCodeInvalidInput, "%s: %s", field, message)
}

func Unauthorized(message string) *Error {
	return New(ErrCodeUnauthorized, message)
}

func Conflict(message string) *Error {
	return New(ErrCodeConflict, message)
}

func Internal(err error, message string) error {
	return Wrap(err, ErrCodeInternal, message)
}
