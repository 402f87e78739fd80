// Package errors provides the structured error system used across the
// BookKeeper daemon, with stable error codes, categories, and causes.
package errors

import (
	"fmt"
	"time"
)

// ErrorCode identifies a class of failure. Codes are part of the public
// contract: clients and the HTTP surface dispatch on them.
type ErrorCode string

const (
	// Placement errors
	ErrCodeTopologyUnavailable ErrorCode = "TOPOLOGY_UNAVAILABLE"

	// Fetch errors
	ErrCodeFetchFailed  ErrorCode = "FETCH_FAILED"
	ErrCodeFetchTimeout ErrorCode = "FETCH_TIMEOUT"

	// Lifecycle errors
	ErrCodeNotRunning     ErrorCode = "NOT_RUNNING"
	ErrCodeAlreadyRunning ErrorCode = "ALREADY_RUNNING"
	ErrCodeStartupFailure ErrorCode = "STARTUP_FAILURE"

	// Storage errors
	ErrCodeEvictionIO ErrorCode = "EVICTION_IO"
	ErrCodeDiskIO     ErrorCode = "DISK_IO"

	// Request validation errors
	ErrCodeInvalidRange  ErrorCode = "INVALID_RANGE"
	ErrCodeInvalidConfig ErrorCode = "INVALID_CONFIG"
)

// ErrorCategory groups codes for logging and metrics labels.
type ErrorCategory string

const (
	CategoryPlacement ErrorCategory = "placement"
	CategoryFetch     ErrorCategory = "fetch"
	CategoryLifecycle ErrorCategory = "lifecycle"
	CategoryStorage   ErrorCategory = "storage"
	CategoryRequest   ErrorCategory = "request"
)

// Error is a structured error with a stable code, a category derived from
// the code, and an optional wrapped cause.
type Error struct {
	Code      ErrorCode     `json:"code"`
	Category  ErrorCategory `json:"category"`
	Message   string        `json:"message"`
	Component string        `json:"component,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
	Retryable bool          `json:"retryable"`
	Cause     error         `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Component != "" {
		return fmt.Sprintf("[%s] %s: %s", e.Component, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/errors.As chains.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches on the error code so callers can compare against sentinel
// errors built with New.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// WithComponent tags the error with the component that produced it.
func (e *Error) WithComponent(component string) *Error {
	e.Component = component
	return e
}

// New creates a structured error with the given code.
func New(code ErrorCode, message string) *Error {
	return &Error{
		Code:      code,
		Category:  categoryOf(code),
		Message:   message,
		Timestamp: time.Now(),
		Retryable: retryableOf(code),
	}
}

// Newf creates a structured error with a formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap creates a structured error that records cause as its origin.
func Wrap(code ErrorCode, message string, cause error) *Error {
	e := New(code, message)
	e.Cause = cause
	return e
}

// CodeOf returns the code carried by err, walking the Unwrap chain.
// The empty code is returned for non-structured errors.
func CodeOf(err error) ErrorCode {
	for err != nil {
		if e, ok := err.(*Error); ok {
			return e.Code
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return ""
}

// IsCode reports whether err carries the given code anywhere in its chain.
func IsCode(err error, code ErrorCode) bool {
	return CodeOf(err) == code
}

// IsFetchFailed reports whether err is a fetch failure (including timeouts).
func IsFetchFailed(err error) bool {
	code := CodeOf(err)
	return code == ErrCodeFetchFailed || code == ErrCodeFetchTimeout
}

// IsNotRunning reports whether err is a lifecycle rejection.
func IsNotRunning(err error) bool {
	return IsCode(err, ErrCodeNotRunning)
}

// IsTopologyUnavailable reports whether err is a placement rejection.
func IsTopologyUnavailable(err error) bool {
	return IsCode(err, ErrCodeTopologyUnavailable)
}

func categoryOf(code ErrorCode) ErrorCategory {
	switch code {
	case ErrCodeTopologyUnavailable:
		return CategoryPlacement
	case ErrCodeFetchFailed, ErrCodeFetchTimeout:
		return CategoryFetch
	case ErrCodeNotRunning, ErrCodeAlreadyRunning, ErrCodeStartupFailure:
		return CategoryLifecycle
	case ErrCodeEvictionIO, ErrCodeDiskIO:
		return CategoryStorage
	default:
		return CategoryRequest
	}
}

func retryableOf(code ErrorCode) bool {
	switch code {
	case ErrCodeFetchFailed, ErrCodeFetchTimeout, ErrCodeEvictionIO, ErrCodeNotRunning:
		// Retryable by a new caller-initiated request; the daemon itself
		// never retries these internally.
		return true
	default:
		return false
	}
}
