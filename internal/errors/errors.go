// Package errors defines the structured error type shared across previewd.
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorType represents different categories of errors.
type ErrorType string

const (
	ErrorTypeConfig   ErrorType = "config"
	ErrorTypeWatch    ErrorType = "watch"
	ErrorTypeBuild    ErrorType = "build"
	ErrorTypeServe    ErrorType = "serve"
	ErrorTypeResource ErrorType = "resource"
	ErrorTypeSecurity ErrorType = "security"
	ErrorTypeInternal ErrorType = "internal"
)

// PreviewError is a structured error type with context.
type PreviewError struct {
	Type        ErrorType
	Code        string
	Message     string
	Cause       error
	Context     map[string]interface{}
	ProjectID   string
	Recoverable bool
}

// Error implements the error interface.
func (e *PreviewError) Error() string {
	var parts []string

	if e.Code != "" {
		parts = append(parts, fmt.Sprintf("[%s]", e.Code))
	}

	if e.ProjectID != "" {
		parts = append(parts, "project:"+e.ProjectID)
	}

	parts = append(parts, e.Message)

	result := strings.Join(parts, " ")

	if e.Cause != nil {
		result += fmt.Sprintf(": %v", e.Cause)
	}

	return result
}

// Unwrap returns the underlying cause error.
func (e *PreviewError) Unwrap() error {
	return e.Cause
}

// Is implements error comparison.
func (e *PreviewError) Is(target error) bool {
	var t *PreviewError
	if errors.As(target, &t) {
		return e.Type == t.Type && e.Code == t.Code
	}

	return false
}

// WithContext adds context information to the error.
func (e *PreviewError) WithContext(key string, value interface{}) *PreviewError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value

	return e
}

// WithProject tags the error with the project it belongs to.
func (e *PreviewError) WithProject(projectID string) *PreviewError {
	e.ProjectID = projectID

	return e
}

// Error creation functions

// NewConfigError creates a configuration error.
func NewConfigError(code, message string) *PreviewError {
	return &PreviewError{
		Type:        ErrorTypeConfig,
		Code:        code,
		Message:     message,
		Recoverable: false,
	}
}

// NewWatchError creates a filesystem watch error.
func NewWatchError(code, message string, cause error) *PreviewError {
	return &PreviewError{
		Type:        ErrorTypeWatch,
		Code:        code,
		Message:     message,
		Cause:       cause,
		Recoverable: false,
	}
}

// NewBuildError creates a build error.
func NewBuildError(code, message string, cause error) *PreviewError {
	return &PreviewError{
		Type:        ErrorTypeBuild,
		Code:        code,
		Message:     message,
		Cause:       cause,
		Recoverable: true,
	}
}

// NewServeError creates an HTTP serving error.
func NewServeError(code, message string, cause error) *PreviewError {
	return &PreviewError{
		Type:        ErrorTypeServe,
		Code:        code,
		Message:     message,
		Cause:       cause,
		Recoverable: false,
	}
}

// NewResourceError creates a resource exhaustion error.
func NewResourceError(code, message string, cause error) *PreviewError {
	return &PreviewError{
		Type:        ErrorTypeResource,
		Code:        code,
		Message:     message,
		Cause:       cause,
		Recoverable: true,
	}
}

// NewSecurityError creates a security error.
func NewSecurityError(code, message string) *PreviewError {
	return &PreviewError{
		Type:        ErrorTypeSecurity,
		Code:        code,
		Message:     message,
		Recoverable: false,
	}
}

// NewInternalError creates an internal error.
func NewInternalError(code, message string, cause error) *PreviewError {
	return &PreviewError{
		Type:        ErrorTypeInternal,
		Code:        code,
		Message:     message,
		Cause:       cause,
		Recoverable: false,
	}
}

// Error recovery and handling utilities

// IsRecoverable checks if an error is recoverable.
func IsRecoverable(err error) bool {
	var pe *PreviewError
	if errors.As(err, &pe) {
		return pe.Recoverable
	}

	return false
}

// IsType checks whether an error carries the given category.
func IsType(err error, errorType ErrorType) bool {
	var pe *PreviewError
	if errors.As(err, &pe) {
		return pe.Type == errorType
	}

	return false
}

// IsBuildError checks if an error is build-related.
func IsBuildError(err error) bool {
	return IsType(err, ErrorTypeBuild)
}

// IsWatchError checks if an error is watch-related.
func IsWatchError(err error) bool {
	return IsType(err, ErrorTypeWatch)
}

// IsResourceError checks if an error signals resource exhaustion.
func IsResourceError(err error) bool {
	return IsType(err, ErrorTypeResource)
}

// IsSecurityError checks if an error is security-related.
func IsSecurityError(err error) bool {
	return IsType(err, ErrorTypeSecurity)
}

// Common error codes.
const (
	ErrCodeConfigInvalid    = "ERR_CONFIG_INVALID"
	ErrCodeProjectExists    = "ERR_PROJECT_EXISTS"
	ErrCodeProjectNotFound  = "ERR_PROJECT_NOT_FOUND"
	ErrCodeRootInvalid      = "ERR_ROOT_INVALID"
	ErrCodeWatchFailed      = "ERR_WATCH_FAILED"
	ErrCodeWatchClosed      = "ERR_WATCH_CLOSED"
	ErrCodeBuildFailed      = "ERR_BUILD_FAILED"
	ErrCodeBuildTimeout     = "ERR_BUILD_TIMEOUT"
	ErrCodeBindFailed       = "ERR_BIND_FAILED"
	ErrCodePortExhausted    = "ERR_PORT_EXHAUSTED"
	ErrCodePathTraversal    = "ERR_PATH_TRAVERSAL"
	ErrCodeInvalidOrigin    = "ERR_INVALID_ORIGIN"
	ErrCodePermissionDenied = "ERR_PERMISSION_DENIED"
	ErrCodeInternalError    = "ERR_INTERNAL"
)

// Helper functions for common errors

// ErrProjectNotFound creates a lookup failure for an unknown project ID.
func ErrProjectNotFound(id string) *PreviewError {
	return NewConfigError(ErrCodeProjectNotFound, "project not found: "+id)
}

// ErrProjectExists creates a duplicate registration error.
func ErrProjectExists(id string) *PreviewError {
	return NewConfigError(ErrCodeProjectExists, "project already registered: "+id)
}

// ErrRootInvalid creates an error for a project root that is not a readable directory.
func ErrRootInvalid(path string, cause error) *PreviewError {
	err := NewConfigError(ErrCodeRootInvalid, "project root is not a readable directory: "+path)
	err.Cause = cause

	return err
}

// ErrPathTraversal creates a path traversal security error.
func ErrPathTraversal(path string) *PreviewError {
	return NewSecurityError(ErrCodePathTraversal, "path traversal attempt: "+path)
}

// ErrInvalidOrigin creates an invalid origin security error.
func ErrInvalidOrigin(origin string) *PreviewError {
	return NewSecurityError(ErrCodeInvalidOrigin, "invalid origin: "+origin)
}

// ErrPermissionDenied creates an access policy rejection error.
func ErrPermissionDenied(path string) *PreviewError {
	return NewSecurityError(ErrCodePermissionDenied, "access denied: "+path)
}

// ErrBuildFailed creates a build failure error.
func ErrBuildFailed(projectID string, cause error) *PreviewError {
	return NewBuildError(ErrCodeBuildFailed, "build failed", cause).WithProject(projectID)
}

// ErrBuildTimeout creates a build timeout error.
func ErrBuildTimeout(projectID string) *PreviewError {
	return NewBuildError(ErrCodeBuildTimeout, "build timed out", nil).WithProject(projectID)
}

// ErrBindFailed creates a listener binding error.
func ErrBindFailed(addr string, cause error) *PreviewError {
	return NewResourceError(ErrCodeBindFailed, "failed to bind preview listener on "+addr, cause)
}
