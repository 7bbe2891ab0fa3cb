package token

import (
	"errors"
	"fmt"
)

type Code string

const (
	CodeValidation             Code = "VALIDATION_ERROR"
	CodeSlotCapacityExceeded   Code = "SLOT_CAPACITY_EXCEEDED"
	CodeSlotNotAvailable       Code = "SLOT_NOT_AVAILABLE"
	CodeSlotNotFound           Code = "SLOT_NOT_FOUND"
	CodeTokenNotFound          Code = "TOKEN_NOT_FOUND"
	CodeTokenAlreadyProcessed  Code = "TOKEN_ALREADY_PROCESSED"
	CodeSchedulingConflict     Code = "SCHEDULING_CONFLICT"
	CodeConcurrentModification Code = "CONCURRENT_MODIFICATION"
	CodeOperationInProgress    Code = "OPERATION_IN_PROGRESS"
	CodeMaxRetriesExceeded     Code = "MAX_RETRIES_EXCEEDED"
	CodeServiceUnavailable     Code = "SERVICE_UNAVAILABLE"
	CodeInternal               Code = "INTERNAL_SERVER_ERROR"
)

type Category string

const (
	CategoryValidation  Category = "validation"
	CategoryBusiness    Category = "business"
	CategoryConcurrency Category = "concurrency"
	CategorySystem      Category = "system"
)

// CategoryOf classifies an error code for retry and propagation decisions.
func CategoryOf(code Code) Category {
	switch code {
	case CodeValidation:
		return CategoryValidation
	case CodeConcurrentModification, CodeOperationInProgress:
		return CategoryConcurrency
	case CodeMaxRetriesExceeded, CodeServiceUnavailable, CodeInternal:
		return CategorySystem
	default:
		return CategoryBusiness
	}
}

// Error is the domain error: a code plus whatever context helps the caller
// act on it. Two Errors match under errors.Is when their codes are equal.
type Error struct {
	Code        Code
	Message     string
	Details     map[string]any
	Suggestions []string
	cause       error
}

func NewError(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.cause
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// Category returns the classification of this error's code.
func (e *Error) Category() Category {
	return CategoryOf(e.Code)
}

// WithDetail attaches a key/value pair to the details map.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// WithSuggestion appends a suggested action for the caller.
func (e *Error) WithSuggestion(s string) *Error {
	e.Suggestions = append(e.Suggestions, s)
	return e
}

// WithCause wraps an underlying error.
func (e *Error) WithCause(err error) *Error {
	e.cause = err
	return e
}

// Matching templates for errors.Is.
var (
	ErrSlotNotFound         = &Error{Code: CodeSlotNotFound, Message: "slot not found"}
	ErrTokenNotFound        = &Error{Code: CodeTokenNotFound, Message: "token not found"}
	ErrVersionConflict      = &Error{Code: CodeConcurrentModification, Message: "concurrent modification"}
	ErrCapacityExceeded     = &Error{Code: CodeSlotCapacityExceeded, Message: "slot capacity exceeded"}
	ErrSlotNotAvailable     = &Error{Code: CodeSlotNotAvailable, Message: "slot not available"}
	ErrAlreadyProcessed     = &Error{Code: CodeTokenAlreadyProcessed, Message: "token already processed"}
	ErrOperationInProgress  = &Error{Code: CodeOperationInProgress, Message: "operation already in progress"}
	ErrSchedulingConflict   = &Error{Code: CodeSchedulingConflict, Message: "scheduling conflict"}
)

// CodeOf extracts the domain code from an error chain, defaulting to
// INTERNAL_SERVER_ERROR for unrecognised errors.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// AsError returns the *Error in the chain, or wraps err as an internal one.
func AsError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return NewError(CodeInternal, "internal error").WithCause(err)
}

// IsTransient reports whether the error should be retried by the
// concurrency controller. Only version and write conflicts qualify; all
// validation and business errors surface immediately.
func IsTransient(err error) bool {
	return errors.Is(err, ErrVersionConflict)
}
