// Package errors defines common error types for the fieldsync engine.
package errors

import (
	"errors"
	"fmt"
)

// Sentinel errors for common error conditions.
var (
	// Storage errors
	ErrNotFound      = errors.New("resource not found")
	ErrStorageClosed = errors.New("storage is closed")
	ErrCorruptChunk  = errors.New("chunk data unreadable")

	// Track recording errors
	ErrInvalidFix     = errors.New("invalid location fix")
	ErrStaleTimestamp = errors.New("fix timestamp older than last accepted")
	ErrSessionActive  = errors.New("recording session already active")
	ErrNoSession      = errors.New("no recording session")
	ErrSaveInProgress = errors.New("save already in progress")

	// Location service errors
	ErrPermissionDenied   = errors.New("location permission denied")
	ErrServiceUnavailable = errors.New("location service unavailable")
	ErrTimeout            = errors.New("operation timed out")

	// Project sync errors
	ErrPartitionFetch = errors.New("partition fetch failed")
	ErrDecryptFailed  = errors.New("cannot decrypt record")
	ErrUploadTooLarge = errors.New("upload exceeds size limit")
	ErrConflict       = errors.New("conflict detected")

	// Validation errors
	ErrInvalidInput = errors.New("invalid input")
)

// FieldSyncError is a custom error type with additional context.
type FieldSyncError struct {
	Op      string // Operation that failed
	Kind    error  // Category of error
	Err     error  // Underlying error
	Details string // Additional details
}

// Error implements the error interface.
func (e *FieldSyncError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s: %s (%s)", e.Op, e.Kind, e.Err, e.Details)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

// Unwrap returns the underlying error.
func (e *FieldSyncError) Unwrap() error {
	return e.Err
}

// Is reports whether target matches this error.
func (e *FieldSyncError) Is(target error) bool {
	return errors.Is(e.Kind, target) || errors.Is(e.Err, target)
}

// E creates a new FieldSyncError.
func E(op string, kind error, err error, details ...string) error {
	e := &FieldSyncError{
		Op:   op,
		Kind: kind,
		Err:  err,
	}
	if len(details) > 0 {
		e.Details = details[0]
	}
	return e
}

// Wrap wraps an error with operation context.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return &FieldSyncError{
		Op:  op,
		Err: err,
	}
}

// IsNotFound checks if the error is a not found error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsTimeout checks if the error is a timeout error.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// IsPermissionDenied checks if the error is a permission error.
func IsPermissionDenied(err error) bool {
	return errors.Is(err, ErrPermissionDenied)
}

// IsConflict checks if the error is a conflict error.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}
