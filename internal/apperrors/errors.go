// Package apperrors provides structured application errors with
// machine-readable codes and HTTP status mapping.
package apperrors

import (
	"errors"
	"fmt"
)

// Sentinel errors for classification via errors.Is().
var (
	ErrVerification      = errors.New("verification error")
	ErrNotFound          = errors.New("not found")
	ErrForbidden         = errors.New("forbidden")
	ErrConflict          = errors.New("conflict")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrNotSupported      = errors.New("not supported by provider")
	ErrInternal          = errors.New("internal error")
)

// Machine-readable codes surfaced to clients so they can differentiate
// capability mismatches from generic bad requests.
const (
	CodeVerification      = "VERIFICATION_FAILED"
	CodeNotFound          = "NOT_FOUND"
	CodeForbidden         = "FORBIDDEN"
	CodeDuplicate         = "DUPLICATE"
	CodeInsufficientFunds = "PAYMENT_REQUIRED"
	CodeNotSupported      = "FEATURE_NOT_SUPPORTED_BY_PROVIDER"
	CodeInternal          = "INTERNAL_ERROR"
)

// Error is a structured error with request context.
type Error struct {
	Sentinel error  // wrapped sentinel for errors.Is() classification
	Code     string // machine-readable code
	Message  string // human-readable message
	Field    string // offending parameter, for verification errors
	Resource string // resource type, for not found/conflict
	Cause    error  // underlying error
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Sentinel
}

// Verification creates a user-correctable verification error. Field names
// the offending parameter when one exists.
func Verification(field, format string, args ...any) error {
	return &Error{
		Sentinel: ErrVerification,
		Code:     CodeVerification,
		Message:  fmt.Sprintf(format, args...),
		Field:    field,
	}
}

// NotFound creates a not found error. It is also deliberately used for
// authorization failures where resource existence must not be leaked.
func NotFound(resource string) error {
	return &Error{
		Sentinel: ErrNotFound,
		Code:     CodeNotFound,
		Message:  fmt.Sprintf("%s not found", resource),
		Resource: resource,
	}
}

// Forbidden creates a forbidden error, used when resource existence is
// already implied by the request.
func Forbidden(message string) error {
	return &Error{
		Sentinel: ErrForbidden,
		Code:     CodeForbidden,
		Message:  message,
	}
}

// Duplicate creates a conflict error for an operation that already happened.
func Duplicate(resource, reason string) error {
	return &Error{
		Sentinel: ErrConflict,
		Code:     CodeDuplicate,
		Message:  reason,
		Resource: resource,
	}
}

// InsufficientFunds creates a payment-required error.
func InsufficientFunds() error {
	return &Error{
		Sentinel: ErrInsufficientFunds,
		Code:     CodeInsufficientFunds,
		Message:  "Insufficient funds",
	}
}

// NotSupported creates a capability-mismatch error with a distinct code so
// clients can tell it apart from a generic bad request.
func NotSupported(feature string) error {
	return &Error{
		Sentinel: ErrNotSupported,
		Code:     CodeNotSupported,
		Message:  fmt.Sprintf("%s is not supported by the provider", feature),
	}
}

// Internal creates an internal error wrapping an underlying cause.
func Internal(op string, cause error) error {
	return &Error{
		Sentinel: ErrInternal,
		Code:     CodeInternal,
		Message:  fmt.Sprintf("%s: %v", op, cause),
		Cause:    cause,
	}
}

// CodeOf extracts the machine-readable code from any error.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}
