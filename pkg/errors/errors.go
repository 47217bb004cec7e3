// Package errors provides a structured error system for blockfs with error codes, categories, and context.
package errors

import (
	stderr "errors"
	"fmt"
	"runtime"
	"strings"
	"time"
)

// ErrorCode represents a structured error code for blockfs operations.
type ErrorCode string

// Error code constants grouped by category.
const (
	// Configuration errors
	ErrCodeInvalidConfig    ErrorCode = "INVALID_CONFIG"
	ErrCodeConfigValidation ErrorCode = "CONFIG_VALIDATION"
	ErrCodeConfigLoad       ErrorCode = "CONFIG_LOAD"

	// Transport errors
	ErrCodeTransportFailure ErrorCode = "TRANSPORT_FAILURE"
	ErrCodeProtocolError    ErrorCode = "PROTOCOL_ERROR"

	// Storage errors
	ErrCodeBlockNotFound ErrorCode = "BLOCK_NOT_FOUND"
	ErrCodeStorageWrite  ErrorCode = "STORAGE_WRITE"
	ErrCodeStorageRead   ErrorCode = "STORAGE_READ"

	// Filesystem errors
	ErrCodeEntryNotFound    ErrorCode = "ENTRY_NOT_FOUND"
	ErrCodeEntryExists      ErrorCode = "ENTRY_EXISTS"
	ErrCodeNotDirectory     ErrorCode = "NOT_DIRECTORY"
	ErrCodeNotFile          ErrorCode = "NOT_FILE"
	ErrCodeInvalidParameter ErrorCode = "INVALID_PARAMETER"
	ErrCodeMountFailed      ErrorCode = "MOUNT_FAILED"

	// Operation errors
	ErrCodeConflict          ErrorCode = "CONFLICT"
	ErrCodeOperationTimeout  ErrorCode = "OPERATION_TIMEOUT"
	ErrCodeOperationCanceled ErrorCode = "OPERATION_CANCELED"
	ErrCodeRetryExhausted    ErrorCode = "RETRY_EXHAUSTED"

	// Internal errors
	ErrCodeInternalError ErrorCode = "INTERNAL_ERROR"
)

// ErrorCategory represents the general category of an error.
type ErrorCategory string

const (
	CategoryConfiguration ErrorCategory = "configuration"
	CategoryTransport     ErrorCategory = "transport"
	CategoryStorage       ErrorCategory = "storage"
	CategoryFilesystem    ErrorCategory = "filesystem"
	CategoryOperation     ErrorCategory = "operation"
	CategoryInternal      ErrorCategory = "internal"
)

// BlockFSError represents a structured error with context and metadata.
type BlockFSError struct {
	Code     ErrorCode              `json:"code"`
	Category ErrorCategory          `json:"category"`
	Message  string                 `json:"message"`
	Details  map[string]interface{} `json:"details,omitempty"`

	Cause     error     `json:"-"`
	Timestamp time.Time `json:"timestamp"`

	Component string `json:"component"`
	Operation string `json:"operation,omitempty"`

	Retryable bool   `json:"retryable"`
	Stack     string `json:"stack,omitempty"`
}

// Error implements the error interface.
func (e *BlockFSError) Error() string {
	msg := e.Message
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	if e.Component != "" {
		if e.Operation != "" {
			return fmt.Sprintf("[%s:%s] %s: %s", e.Component, e.Operation, e.Code, msg)
		}
		return fmt.Sprintf("[%s] %s: %s", e.Component, e.Code, msg)
	}
	return fmt.Sprintf("%s: %s", e.Code, msg)
}

// Unwrap returns the underlying cause error for error wrapping compatibility.
func (e *BlockFSError) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target error (for errors.Is compatibility).
func (e *BlockFSError) Is(target error) bool {
	if other, ok := target.(*BlockFSError); ok {
		return e.Code == other.Code
	}
	return false
}

// String returns a detailed string representation for logging.
func (e *BlockFSError) String() string {
	var parts []string

	parts = append(parts, fmt.Sprintf("Code=%s", e.Code))
	parts = append(parts, fmt.Sprintf("Category=%s", e.Category))
	parts = append(parts, fmt.Sprintf("Message=%q", e.Message))

	if e.Component != "" {
		parts = append(parts, fmt.Sprintf("Component=%s", e.Component))
	}
	if e.Operation != "" {
		parts = append(parts, fmt.Sprintf("Operation=%s", e.Operation))
	}
	if e.Retryable {
		parts = append(parts, "Retryable=true")
	}
	for k, v := range e.Details {
		parts = append(parts, fmt.Sprintf("%s=%v", k, v))
	}
	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("Cause=%q", e.Cause.Error()))
	}

	return fmt.Sprintf("BlockFSError{%s}", strings.Join(parts, ", "))
}

// NewError creates a new blockfs error with default values.
func NewError(code ErrorCode, message string) *BlockFSError {
	return &BlockFSError{
		Code:      code,
		Category:  GetCategory(code),
		Message:   message,
		Timestamp: time.Now(),
		Details:   make(map[string]interface{}),
		Retryable: IsRetryableByDefault(code),
	}
}

// Newf creates a new blockfs error with a formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) *BlockFSError {
	return NewError(code, fmt.Sprintf(format, args...))
}

// GetCategory determines the category based on the error code.
func GetCategory(code ErrorCode) ErrorCategory {
	switch code {
	case ErrCodeInvalidConfig, ErrCodeConfigValidation, ErrCodeConfigLoad:
		return CategoryConfiguration
	case ErrCodeTransportFailure, ErrCodeProtocolError:
		return CategoryTransport
	case ErrCodeBlockNotFound, ErrCodeStorageWrite, ErrCodeStorageRead:
		return CategoryStorage
	case ErrCodeEntryNotFound, ErrCodeEntryExists, ErrCodeNotDirectory, ErrCodeNotFile,
		ErrCodeInvalidParameter, ErrCodeMountFailed:
		return CategoryFilesystem
	case ErrCodeConflict, ErrCodeOperationTimeout, ErrCodeOperationCanceled, ErrCodeRetryExhausted:
		return CategoryOperation
	default:
		return CategoryInternal
	}
}

// IsRetryableByDefault determines if an error is retryable by default.
// Only the caller decides whether to act on this hint; nothing in the
// block or inode layers retries on its own.
func IsRetryableByDefault(code ErrorCode) bool {
	switch code {
	case ErrCodeTransportFailure, ErrCodeOperationTimeout, ErrCodeConflict:
		return true
	default:
		return false
	}
}

// CaptureStack captures the current stack trace for debugging.
func CaptureStack(skip int) string {
	const depth = 10
	var pcs [depth]uintptr
	n := runtime.Callers(skip+2, pcs[:])
	frames := runtime.CallersFrames(pcs[:n])

	var stack []string
	for {
		frame, more := frames.Next()
		if !strings.Contains(frame.File, "errors.go") {
			stack = append(stack, fmt.Sprintf("%s:%d %s", frame.File, frame.Line, frame.Function))
		}
		if !more {
			break
		}
	}
	return strings.Join(stack, "\n")
}

// WithDetail adds detailed information to an error
func (e *BlockFSError) WithDetail(key string, value interface{}) *BlockFSError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithComponent sets the component for an error
func (e *BlockFSError) WithComponent(component string) *BlockFSError {
	e.Component = component
	return e
}

// WithOperation sets the operation for an error
func (e *BlockFSError) WithOperation(operation string) *BlockFSError {
	e.Operation = operation
	return e
}

// WithCause sets the underlying cause
func (e *BlockFSError) WithCause(cause error) *BlockFSError {
	e.Cause = cause
	return e
}

// WithStack captures the current stack trace
func (e *BlockFSError) WithStack() *BlockFSError {
	e.Stack = CaptureStack(2)
	return e
}

// CodeOf returns the code of the first BlockFSError in err's chain,
// or the empty code when there is none.
func CodeOf(err error) ErrorCode {
	var bfsErr *BlockFSError
	if stderr.As(err, &bfsErr) {
		return bfsErr.Code
	}
	return ""
}

// HasCode reports whether err carries the given code anywhere in its chain.
func HasCode(err error, code ErrorCode) bool {
	return stderr.Is(err, &BlockFSError{Code: code})
}

// IsNotFound reports whether err means a block or a directory entry is absent.
func IsNotFound(err error) bool {
	return HasCode(err, ErrCodeBlockNotFound) || HasCode(err, ErrCodeEntryNotFound)
}

// IsTransportFailure reports whether err is a network-level failure.
func IsTransportFailure(err error) bool {
	return HasCode(err, ErrCodeTransportFailure)
}
