package ir

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned when a keyed record or lock does not exist.
	ErrNotFound = errors.New("not found")

	// ErrNotHolder is returned when a release names a holder that no longer owns the lock.
	ErrNotHolder = errors.New("not lock holder")
)

// ValidationError reports a malformed key, identifier or payload. Never retried.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation: %s: %s", e.Field, e.Message)
	}
	return "validation: " + e.Message
}

// NewValidationError creates a ValidationError for field.
func NewValidationError(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// ConflictError reports an optimistic transition whose precondition no longer holds.
// The caller re-reads and retries.
type ConflictError struct {
	Key             DedupKey
	Expected        []Status
	Actual          Status
	ExpectedVersion int64
	ActualVersion   int64
}

func (e *ConflictError) Error() string {
	if e.ExpectedVersion > 0 && e.ExpectedVersion != e.ActualVersion {
		return fmt.Sprintf("conflict: %s at version %d, expected %d", e.Key, e.ActualVersion, e.ExpectedVersion)
	}
	return fmt.Sprintf("conflict: %s is %q, expected one of %v", e.Key, e.Actual, e.Expected)
}

// LockBusyError reports that another run holds the resource. It is a normal
// outcome: the run exits early with a "skipped" audit entry.
type LockBusyError struct {
	Resource string
	Holder   string
	Age      time.Duration
}

func (e *LockBusyError) Error() string {
	return fmt.Sprintf("lock busy: %s held by %s for %s", e.Resource, e.Holder, e.Age.Round(time.Second))
}

// DeliveryClass is the retry classification of a send failure.
type DeliveryClass int

const (
	// DeliveryRetryable covers timeouts, rate limits and transient server errors.
	DeliveryRetryable DeliveryClass = iota
	// DeliveryFatal covers authentication, validation and malformed payloads.
	DeliveryFatal
)

func (c DeliveryClass) String() string {
	if c == DeliveryFatal {
		return "fatal"
	}
	return "retryable"
}

// DeliveryError reports a failed external send after classification and retries.
type DeliveryError struct {
	Class    DeliveryClass
	Reason   Reason
	Attempts int
	Last     error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("%s (%s) after %d attempt(s): %v", e.Reason, e.Class, e.Attempts, e.Last)
}

func (e *DeliveryError) Unwrap() error {
	return e.Last
}

// IntegrityError reports a manifest or content-hash mismatch. Reported, never auto-resolved.
type IntegrityError struct {
	Path     string
	Expected string
	Actual   string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("integrity: %s hash %s, manifest says %s", e.Path, e.Actual, e.Expected)
}

// StorageError reports an unreachable or corrupt durable store. Fatal for the run.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// IsValidation returns true if err is or wraps a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsConflict returns true if err is or wraps a ConflictError.
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}

// IsLockBusy returns true if err is or wraps a LockBusyError.
func IsLockBusy(err error) bool {
	var le *LockBusyError
	return errors.As(err, &le)
}

// IsDelivery returns true if err is or wraps a DeliveryError.
func IsDelivery(err error) bool {
	var de *DeliveryError
	return errors.As(err, &de)
}

// IsIntegrity returns true if err is or wraps an IntegrityError.
func IsIntegrity(err error) bool {
	var ie *IntegrityError
	return errors.As(err, &ie)
}

// IsStorage returns true if err is or wraps a StorageError.
func IsStorage(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}
