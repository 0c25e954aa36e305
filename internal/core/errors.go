package core

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned for unknown job ids and for jobs owned by
	// another tenant.
	ErrNotFound = errors.New("job not found")

	// ErrInvalidTransition is returned when an operation is not allowed
	// from the job's current status.
	ErrInvalidTransition = errors.New("invalid job state transition")

	// ErrUnknownImportType is returned for import types that are not registered.
	ErrUnknownImportType = errors.New("unknown import type")

	// ErrTooManyImports is returned when no worker slot frees up in time.
	ErrTooManyImports = errors.New("too many concurrent imports, please try again later")

	// ErrInvalidOptions is returned for malformed import options.
	ErrInvalidOptions = errors.New("invalid import options")

	// ErrInvalidCounters is returned when a progress update would break
	// processed = success + errors or processed <= total.
	ErrInvalidCounters = errors.New("invalid job counters")

	// ErrFileTooLarge is returned when an upload exceeds the configured limit.
	ErrFileTooLarge = errors.New("file too large")

	// ErrNoFile is returned when an upload request carries no file.
	ErrNoFile = errors.New("no file provided")

	// ErrSubscriptionClosed is returned by Subscription.Next after Close.
	ErrSubscriptionClosed = errors.New("subscription closed")
)

// StructuralError means the file as a whole cannot be processed.
// The job moves straight to Error without processing any row.
type StructuralError struct {
	Reason string
	Err    error
}

func (e *StructuralError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Reason, e.Err)
	}
	return e.Reason
}

func (e *StructuralError) Unwrap() error { return e.Err }

// Structural wraps err as a StructuralError with the given reason.
func Structural(reason string, err error) error {
	return &StructuralError{Reason: reason, Err: err}
}

// TransportError is a push delivery failure. It only ever affects the
// subscriber it happened to, never the job.
type TransportError struct {
	SubscriberID string
	Reason       string
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("subscription %s dropped: %s", e.SubscriberID, e.Reason)
}

// PersistenceError is a storage failure for a single record.
type PersistenceError struct {
	Key string
	Err error
}

func (e *PersistenceError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("persist record: %v", e.Err)
	}
	return fmt.Sprintf("persist record %q: %v", e.Key, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }
