package lifecycle

import (
	"errors"
	"fmt"
)

// ErrorCode classifies a failed lifecycle operation.
type ErrorCode string

const (
	// ErrCodeValidation indicates a malformed request. No side effects occurred.
	ErrCodeValidation ErrorCode = "VALIDATION_ERROR"

	// ErrCodePermissionDenied indicates the requester may not create channels.
	ErrCodePermissionDenied ErrorCode = "PERMISSION_DENIED"

	// ErrCodePlatform indicates a chat platform call failed.
	ErrCodePlatform ErrorCode = "PLATFORM_ERROR"

	// ErrCodeStoreInvariant indicates the store rejected a write that should
	// never conflict, such as a reused resource id.
	ErrCodeStoreInvariant ErrorCode = "STORE_INVARIANT_VIOLATION"

	// ErrCodeInternal is returned by GetErrorCode for foreign errors.
	ErrCodeInternal ErrorCode = "INTERNAL_ERROR"
)

var (
	// ErrNoScopeContext is returned when a request carries no owning guild.
	ErrNoScopeContext = errors.New("command must be used inside a server")
	// ErrInvalidVisibility is returned for visibility values other than private or public.
	ErrInvalidVisibility = errors.New("visibility must be private or public")
)

// Error is a structured lifecycle error. Message is safe to show the requester.
type Error struct {
	Code    ErrorCode
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error, allowing errors.Is and errors.As to work.
func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// ValidationError creates a validation error.
func ValidationError(message string, err error) *Error {
	return NewError(ErrCodeValidation, message, err)
}

// PermissionDenied creates a permission error carrying the user-facing message.
func PermissionDenied(message string) *Error {
	return NewError(ErrCodePermissionDenied, message, nil)
}

// PlatformError creates a platform error.
func PlatformError(message string, err error) *Error {
	return NewError(ErrCodePlatform, message, err)
}

// StoreInvariantViolation creates a store invariant error.
func StoreInvariantViolation(message string, err error) *Error {
	return NewError(ErrCodeStoreInvariant, message, err)
}

// GetErrorCode extracts the ErrorCode from err, or ErrCodeInternal.
func GetErrorCode(err error) ErrorCode {
	var lcErr *Error
	if errors.As(err, &lcErr) {
		return lcErr.Code
	}
	return ErrCodeInternal
}

// UserMessage returns text suitable for replying to the requester.
func UserMessage(err error) string {
	var lcErr *Error
	if errors.As(err, &lcErr) && lcErr.Message != "" {
		return lcErr.Message
	}
	return "Something went wrong while creating the channel."
}
