// Package errors provides structured error handling for the extractor
package errors

import (
	"errors"
	"fmt"
	"runtime"
	"time"
)

// ErrorType represents the category of error
type ErrorType string

const (
	// ErrorTypeInternal represents internal system errors
	ErrorTypeInternal ErrorType = "internal"
	// ErrorTypeAuthentication represents a credential that cannot be used or renewed
	ErrorTypeAuthentication ErrorType = "authentication"
	// ErrorTypeTransient represents upstream failures that persisted through all retries
	ErrorTypeTransient ErrorType = "transient"
	// ErrorTypeProtocol represents responses that do not match the expected shape
	ErrorTypeProtocol ErrorType = "protocol"
	// ErrorTypeConfig represents configuration errors
	ErrorTypeConfig ErrorType = "config"
	// ErrorTypeState represents persisted state read/write errors
	ErrorTypeState ErrorType = "state"
	// ErrorTypeOutput represents output writer errors
	ErrorTypeOutput ErrorType = "output"
)

// Error represents a structured error with context
type Error struct {
	Type    ErrorType
	Message string
	Cause   error
	Details map[string]interface{}
	Stack   []StackFrame

	// retryAfter is a server supplied minimum wait before the next attempt.
	retryAfter time.Duration
	// retryable marks an error that a retry policy may attempt again.
	retryable bool
}

// StackFrame represents a single frame in the call stack
type StackFrame struct {
	Function string
	File     string
	Line     int
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// WithDetail adds a key-value detail to the error
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithRetryAfter marks the error retryable and records the minimum wait.
func (e *Error) WithRetryAfter(d time.Duration) *Error {
	e.retryable = true
	e.retryAfter = d
	return e
}

// AsRetryable marks the error as eligible for another attempt.
func (e *Error) AsRetryable() *Error {
	e.retryable = true
	return e
}

// New creates a new error with the given type and message
func New(errType ErrorType, message string) *Error {
	return &Error{
		Type:    errType,
		Message: message,
		Stack:   captureStack(2),
	}
}

// Newf creates a new error with a formatted message
func Newf(errType ErrorType, format string, args ...interface{}) *Error {
	return &Error{
		Type:    errType,
		Message: fmt.Sprintf(format, args...),
		Stack:   captureStack(2),
	}
}

// Wrap wraps an existing error with additional context
func Wrap(err error, errType ErrorType, message string) *Error {
	if err == nil {
		return nil
	}

	// If already our error type, preserve the stack
	var existingErr *Error
	if errors.As(err, &existingErr) {
		return &Error{
			Type:    errType,
			Message: message,
			Cause:   err,
			Stack:   existingErr.Stack,
		}
	}

	return &Error{
		Type:    errType,
		Message: message,
		Cause:   err,
		Stack:   captureStack(2),
	}
}

// Wrapf wraps an existing error with a formatted message
func Wrapf(err error, errType ErrorType, format string, args ...interface{}) *Error {
	if err == nil {
		return nil
	}
	return Wrap(err, errType, fmt.Sprintf(format, args...))
}

// IsRetryable returns true if the outermost structured error was marked retryable
func IsRetryable(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.retryable
}

// RetryAfter returns the server supplied wait hint, if any
func RetryAfter(err error) time.Duration {
	var e *Error
	if !errors.As(err, &e) {
		return 0
	}
	return e.retryAfter
}

// IsType checks if the error is of the given type
func IsType(err error, errType ErrorType) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Type == errType
}

// TypeOf returns the type of the outermost structured error, or internal
func TypeOf(err error) ErrorType {
	var e *Error
	if !errors.As(err, &e) {
		return ErrorTypeInternal
	}
	return e.Type
}

// IsUserError reports whether the error stems from configuration, credentials
// or the upstream service rather than a defect in the extractor.
func IsUserError(err error) bool {
	switch TypeOf(err) {
	case ErrorTypeAuthentication, ErrorTypeConfig, ErrorTypeProtocol, ErrorTypeTransient:
		return true
	default:
		return false
	}
}

// Is and As re-export the standard library helpers so callers need one import.
var (
	Is   = errors.Is
	As   = errors.As
	Join = errors.Join
)

// captureStack captures the current call stack
func captureStack(skip int) []StackFrame {
	const maxFrames = 32
	frames := make([]StackFrame, 0, maxFrames)

	for i := skip; i < maxFrames+skip; i++ {
		pc, file, line, ok := runtime.Caller(i)
		if !ok {
			break
		}

		fn := runtime.FuncForPC(pc)
		if fn == nil {
			continue
		}

		frames = append(frames, StackFrame{
			Function: fn.Name(),
			File:     file,
			Line:     line,
		})
	}

	return frames
}
