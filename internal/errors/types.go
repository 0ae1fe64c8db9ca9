// Package errors classifies the failures assetpipe can hit so that callers
// can decide between recovering (the dev watch loop) and aborting (build).
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorType represents different categories of errors.
type ErrorType string

const (
	// ErrorTypeConfig is malformed configuration or task wiring. Detected at
	// startup; the process never begins running tasks.
	ErrorTypeConfig ErrorType = "config"
	// ErrorTypeTransform is a single input that failed to compile or
	// re-encode.
	ErrorTypeTransform ErrorType = "transform"
	// ErrorTypeIO is a read, write or delete failure.
	ErrorTypeIO ErrorType = "io"
	// ErrorTypeNetwork is a listener or connection failure.
	ErrorTypeNetwork ErrorType = "network"
	ErrorTypeInternal ErrorType = "internal"
)

// PipeError is a structured error type with context.
type PipeError struct {
	Type     ErrorType
	Code     string
	Message  string
	Cause    error
	Task     string
	FilePath string
	Line     int
	Column   int
}

// Error implements the error interface.
func (e *PipeError) Error() string {
	var parts []string

	if e.Code != "" {
		parts = append(parts, fmt.Sprintf("[%s]", e.Code))
	}

	if e.Task != "" {
		parts = append(parts, "task:"+e.Task)
	}

	if e.FilePath != "" {
		location := e.FilePath
		if e.Line > 0 {
			location += fmt.Sprintf(":%d", e.Line)
			if e.Column > 0 {
				location += fmt.Sprintf(":%d", e.Column)
			}
		}
		parts = append(parts, location)
	}

	if e.Message != "" {
		parts = append(parts, e.Message)
	}

	result := strings.Join(parts, " ")

	if e.Cause != nil {
		result += fmt.Sprintf(": %v", e.Cause)
	}

	return result
}

// Unwrap returns the underlying cause error.
func (e *PipeError) Unwrap() error {
	return e.Cause
}

// Is implements error comparison on type and code.
func (e *PipeError) Is(target error) bool {
	var t *PipeError
	if errors.As(target, &t) {
		return e.Type == t.Type && e.Code == t.Code
	}

	return false
}

// WithLocation adds file location information.
func (e *PipeError) WithLocation(filePath string, line, column int) *PipeError {
	e.FilePath = filePath
	e.Line = line
	e.Column = column

	return e
}

// WithTask records the task the error surfaced in. An existing task name is
// kept so the innermost task wins.
func (e *PipeError) WithTask(task string) *PipeError {
	if e.Task == "" {
		e.Task = task
	}

	return e
}

// NewConfigError creates a configuration error.
func NewConfigError(code, message string) *PipeError {
	return &PipeError{
		Type:    ErrorTypeConfig,
		Code:    code,
		Message: message,
	}
}

// NewTransformError creates a transformation error for a single input.
func NewTransformError(code, filePath string, cause error) *PipeError {
	return &PipeError{
		Type:     ErrorTypeTransform,
		Code:     code,
		FilePath: filePath,
		Cause:    cause,
	}
}

// NewIOError creates an I/O error.
func NewIOError(code, message string, cause error) *PipeError {
	return &PipeError{
		Type:    ErrorTypeIO,
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// NewNetworkError creates a network error.
func NewNetworkError(code, message string, cause error) *PipeError {
	return &PipeError{
		Type:    ErrorTypeNetwork,
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// NewInternalError creates an internal error.
func NewInternalError(code, message string, cause error) *PipeError {
	return &PipeError{
		Type:    ErrorTypeInternal,
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

func isType(err error, typ ErrorType) bool {
	var pe *PipeError
	for err != nil {
		if !errors.As(err, &pe) {
			return false
		}
		if pe.Type == typ {
			return true
		}
		err = pe.Cause
	}

	return false
}

// IsConfigError checks if an error is a configuration error.
func IsConfigError(err error) bool { return isType(err, ErrorTypeConfig) }

// IsTransformError checks if an error came from a failed transformation.
func IsTransformError(err error) bool { return isType(err, ErrorTypeTransform) }

// IsIOError checks if an error is a filesystem error.
func IsIOError(err error) bool { return isType(err, ErrorTypeIO) }

// IsNetworkError checks if an error is a network error.
func IsNetworkError(err error) bool { return isType(err, ErrorTypeNetwork) }
