package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeValidation          = "VALIDATION_ERROR"
	ErrCodeNotFound            = "NOT_FOUND"
	ErrCodeConflict            = "CONFLICT"
	ErrCodeInvalidTransition   = "INVALID_TRANSITION"
	ErrCodeAlreadyInProgress   = "ALREADY_IN_PROGRESS"
	ErrCodeAuthTagMismatch     = "AUTH_TAG_MISMATCH"
	ErrCodeLocked              = "LOCKED"
	ErrCodeUnauthenticated     = "UNAUTHENTICATED"
	ErrCodeCeremonyCancelled   = "CEREMONY_CANCELLED"
	ErrCodeCeremonyTimeout     = "CEREMONY_TIMEOUT"
	ErrCodeCeremonyUnsupported = "CEREMONY_UNSUPPORTED"
	ErrCodeCeremonyFailed      = "CEREMONY_FAILED"
	ErrCodeStore               = "STORE_ERROR"
	ErrCodeCrypto              = "CRYPTO_ERROR"
)

// PairvaultError is the structured error type returned by every core package.
type PairvaultError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	Cause   error          `json:"-"`
}

func (e *PairvaultError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *PairvaultError) Unwrap() error {
	return e.Cause
}

// NewError creates a new PairvaultError.
func NewError(code, message string) *PairvaultError {
	return &PairvaultError{Code: code, Message: message}
}

// NewErrorf creates a new PairvaultError with a formatted message.
func NewErrorf(code, format string, args ...any) *PairvaultError {
	return &PairvaultError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithCause attaches an underlying cause.
func (e *PairvaultError) WithCause(err error) *PairvaultError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *PairvaultError) WithDetails(details map[string]any) *PairvaultError {
	e.Details = details
	return e
}

// CodeOf returns the code of the first PairvaultError in err's chain, or "".
func CodeOf(err error) string {
	var pe *PairvaultError
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ""
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code string) bool {
	return err != nil && CodeOf(err) == code
}

// IsCeremonyError reports whether err came out of an authenticator ceremony.
func IsCeremonyError(err error) bool {
	switch CodeOf(err) {
	case ErrCodeCeremonyCancelled, ErrCodeCeremonyTimeout, ErrCodeCeremonyUnsupported, ErrCodeCeremonyFailed:
		return true
	}
	return false
}

// IsRecoverable reports whether the caller may simply retry the operation.
// Lockouts and store failures are not recoverable from the caller's side.
func IsRecoverable(err error) bool {
	switch CodeOf(err) {
	case ErrCodeLocked, ErrCodeStore, ErrCodeCrypto:
		return false
	case "":
		return false
	}
	return true
}
