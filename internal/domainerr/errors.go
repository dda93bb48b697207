// Package domainerr defines the error taxonomy shared by the mutation pipeline.
//
// Validation, safety and capacity failures are detected before any document
// mutation and are returned to the caller as-is. Only operation failures are
// eligible for replay through the retry manager.
package domainerr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure.
type Kind string

const (
	KindValidation Kind = "validation"
	KindNotFound   Kind = "not_found"
	KindSafety     Kind = "safety_violation"
	KindCapacity   Kind = "capacity"
	KindOperation  Kind = "operation"
	KindNetwork    Kind = "network"
)

// Sentinels for errors.Is checks against a kind.
var (
	ErrValidation = errors.New("validation error")
	ErrNotFound   = errors.New("not found")
	ErrSafety     = errors.New("safety violation")
	ErrCapacity   = errors.New("capacity exceeded")
	ErrOperation  = errors.New("operation failed")
	ErrNetwork    = errors.New("network error")
)

var sentinels = map[Kind]error{
	KindValidation: ErrValidation,
	KindNotFound:   ErrNotFound,
	KindSafety:     ErrSafety,
	KindCapacity:   ErrCapacity,
	KindOperation:  ErrOperation,
	KindNetwork:    ErrNetwork,
}

type Error struct {
	Kind    Kind
	Code    string
	Message string
	Details any
	Cause   error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Is matches the sentinel for the error's kind.
func (e *Error) Is(target error) bool {
	if e == nil {
		return false
	}
	return sentinels[e.Kind] == target
}

func New(kind Kind, code, message string, details any) *Error {
	return &Error{Kind: kind, Code: code, Message: message, Details: details}
}

func Validation(code, message string, details any) *Error {
	return New(KindValidation, code, message, details)
}

func NotFound(code, message string, details any) *Error {
	return New(KindNotFound, code, message, details)
}

func Safety(code, message string, details any) *Error {
	return New(KindSafety, code, message, details)
}

func Capacity(code, message string, details any) *Error {
	return New(KindCapacity, code, message, details)
}

// Operation wraps an execution failure that happened after validation passed.
func Operation(code, message string, cause error) *Error {
	return &Error{Kind: KindOperation, Code: code, Message: message, Cause: cause}
}

// Network wraps a failed remote update exchange.
func Network(code, message string, cause error) *Error {
	return &Error{Kind: KindNetwork, Code: code, Message: message, Cause: cause}
}

// KindOf reports the kind of err, or "" when err carries no taxonomy.
func KindOf(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return ""
}

// Retryable reports whether err may be replayed by the retry manager.
func Retryable(err error) bool {
	return KindOf(err) == KindOperation
}
