package domain

import (
	"errors"
	"fmt"
)

// DomainError represents a domain error with a structured error code.
// Codes follow the MS-<AREA>-<NNNN> format; the numeric suffix mirrors the
// HTTP status family the error maps to.
type DomainError struct {
	Code    string // Error code (e.g., "MS-STORE-5001")
	Message string // Human-readable message
	Details string // Optional additional details
	Cause   error  // Underlying error (if any)
}

// Error implements the error interface.
func (e *DomainError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("[%s] %s: %s", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Unwrap() support.
func (e *DomainError) Unwrap() error {
	return e.Cause
}

// Is matches another DomainError by code.
func (e *DomainError) Is(target error) bool {
	t, ok := target.(*DomainError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// NewDomainError creates a new DomainError with the given code and message.
func NewDomainError(code, message string) *DomainError {
	return &DomainError{
		Code:    code,
		Message: message,
	}
}

// WithDetails returns a copy of the error with additional details.
func (e *DomainError) WithDetails(details string) *DomainError {
	return &DomainError{
		Code:    e.Code,
		Message: e.Message,
		Details: details,
		Cause:   e.Cause,
	}
}

// WithDetailsf is WithDetails with fmt.Sprintf formatting.
func (e *DomainError) WithDetailsf(format string, args ...any) *DomainError {
	return e.WithDetails(fmt.Sprintf(format, args...))
}

// WithCause returns a copy of the error wrapping the given cause.
func (e *DomainError) WithCause(cause error) *DomainError {
	return &DomainError{
		Code:    e.Code,
		Message: e.Message,
		Details: e.Details,
		Cause:   cause,
	}
}

// IsDomainError checks if an error is a DomainError with the given code.
// If code is empty, it only checks if the error is a DomainError.
func IsDomainError(err error, code string) bool {
	var de *DomainError
	if errors.As(err, &de) {
		if code == "" {
			return true
		}
		return de.Code == code
	}
	return false
}

// GetErrorCode extracts the error code from an error if it's a DomainError.
func GetErrorCode(err error) string {
	var de *DomainError
	if errors.As(err, &de) {
		return de.Code
	}
	return ""
}

// Sync and storage faults.
var (
	// ErrRemoteSource covers transient connectivity and protocol errors
	// raised by the remote mail store.
	ErrRemoteSource = NewDomainError("MS-REMOTE-5030", "remote mail source unavailable")

	// ErrMalformedContent marks text that could not be serialized verbatim.
	ErrMalformedContent = NewDomainError("MS-CONTENT-4220", "malformed content")

	// ErrConsistencyAnomaly marks an event or snapshot that contradicts the
	// current materialized state.
	ErrConsistencyAnomaly = NewDomainError("MS-SYNC-4090", "consistency anomaly")

	// ErrStorage indicates the event log or snapshot store failed.
	ErrStorage = NewDomainError("MS-STORE-5001", "storage error")

	// ErrSnapshotNotFound indicates a partition has no snapshot yet.
	ErrSnapshotNotFound = NewDomainError("MS-SNAP-4040", "snapshot not found")
)

// Argument errors.
var (
	// ErrInvalidArgument indicates an invalid argument.
	ErrInvalidArgument = NewDomainError("MS-ARG-1001", "invalid argument")

	// ErrMissingArgument indicates a required argument is missing.
	ErrMissingArgument = NewDomainError("MS-ARG-1002", "missing required argument")
)

// System errors.
var (
	// ErrInternal indicates an unexpected internal failure.
	ErrInternal = NewDomainError("MS-SYS-5000", "internal server error")

	// ErrBadRequest indicates a malformed request.
	ErrBadRequest = NewDomainError("MS-SYS-4000", "bad request")
)
