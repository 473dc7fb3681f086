package engine

import (
	"errors"
	"fmt"
)

// ErrorClass separates problems contained within a single resource from
// problems that mean the manifest itself is broken.
type ErrorClass string

const (
	// ErrorClassResource indicates a recoverable per-resource problem.
	// The call is aborted, logged and reported as "no change"; the run goes on.
	ErrorClassResource ErrorClass = "resource"

	// ErrorClassFatal indicates a configuration-authoring bug or an unhealthy host.
	// It propagates to the manifest layer and fails the run.
	ErrorClassFatal ErrorClass = "fatal"
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification for propagation.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code identifies the error category for programmatic handling.
	Code string `json:"code,omitempty"`

	// Path is the filesystem path being reconciled, if applicable.
	Path string `json:"path,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	msg := e.Message
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %s", msg, e.Err.Error())
	}
	if e.Path != "" && e.Operation != "" {
		return fmt.Sprintf("[%s] %s (path=%s, operation=%s)", e.Code, msg, e.Path, e.Operation)
	}
	if e.Path != "" {
		return fmt.Sprintf("[%s] %s (path=%s)", e.Code, msg, e.Path)
	}
	return fmt.Sprintf("[%s] %s", e.Code, msg)
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewResourceError creates a recoverable per-resource error.
func NewResourceError(code, message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassResource,
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// NewFatalError creates an error that must reach the manifest layer.
func NewFatalError(code, message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassFatal,
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// WithPath adds path context to an error.
func (e *EngineError) WithPath(path string) *EngineError {
	e.Path = path
	return e
}

// WithOperation adds operation context to an error.
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// IsFatal returns true if the error must propagate to the manifest.
func IsFatal(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassFatal
	}
	return false
}

// IsResource returns true if the error is contained within one resource.
func IsResource(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassResource
	}
	return false
}

// IsCode returns true if err carries the given error code.
func IsCode(err error, code string) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// CodeOf returns the error code carried by err, or ErrCodeInternal.
func CodeOf(err error) string {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Code
	}
	return ErrCodeInternal
}

// Error codes.
const (
	ErrCodeValidation       = "VALIDATION_ERROR"
	ErrCodeSymlinkRefusal   = "SYMLINK_REFUSAL"
	ErrCodeBackupFailed     = "BACKUP_FAILED"
	ErrCodeUnknownPrincipal = "UNKNOWN_PRINCIPAL"
	ErrCodeSyntax           = "SYNTAX_ERROR"
	ErrCodeBusy             = "BUSY"
	ErrCodeMountpoint       = "MOUNTPOINT"
	ErrCodePolicyDenied     = "POLICY_DENIED"
	ErrCodeConflict         = "CONFLICT"
	ErrCodeNotADirectory    = "NOT_A_DIRECTORY"
	ErrCodeTemplate         = "TEMPLATE_ERROR"
	ErrCodeInvalidArgument  = "INVALID_ARGUMENT"
	ErrCodeIO               = "IO_ERROR"
	ErrCodeInternal         = "INTERNAL_ERROR"
)
