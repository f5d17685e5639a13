package notesync

import (
	"errors"
	"fmt"
)

// Common errors returned by the sync engine.
var (
	// ErrNotFound is returned when a record is not in the local cache.
	ErrNotFound = errors.New("record not found")

	// ErrEntryNotFound is returned when an outbox entry does not exist.
	ErrEntryNotFound = errors.New("outbox entry not found")

	// ErrEntryNotBlocked is returned when resolving an entry that is not blocked.
	ErrEntryNotBlocked = errors.New("outbox entry is not blocked")

	// ErrOutOfOrderCursor is returned when a cursor advance would move the
	// watermark backwards. The stored cursor is left untouched.
	ErrOutOfOrderCursor = errors.New("cursor advance out of order")

	// ErrStoreClosed is returned when operating on a closed store.
	ErrStoreClosed = errors.New("store is closed")

	// ErrStoreCorrupt is returned when the persistence layer yields rows the
	// engine cannot interpret. Reconciliation fails closed for that owner.
	ErrStoreCorrupt = errors.New("local store corrupt")

	// ErrOffline is returned when a network operation is attempted without a
	// configured server.
	ErrOffline = errors.New("operation unavailable in offline mode")

	// ErrSyncInProgress is returned when a reconciliation cycle is already
	// running for the owner; the trigger is coalesced into a rerun.
	ErrSyncInProgress = errors.New("reconciliation already running")

	// ErrEmptyBody is returned when a note has no body.
	ErrEmptyBody = errors.New("note body cannot be empty")

	// ErrTitleTooLong is returned when a title exceeds MaxTitleLength.
	ErrTitleTooLong = errors.New("title exceeds maximum length")

	// ErrBodyTooLong is returned when a body exceeds MaxBodyLength.
	ErrBodyTooLong = errors.New("body exceeds maximum length")

	// ErrTooManyTags is returned when a note carries more than MaxTags tags.
	ErrTooManyTags = errors.New("too many tags")
)

// ValidationError is returned when configuration validation fails.
// Extractable via errors.As().
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// TransientError wraps a network or timeout failure that is safe to retry.
// Outbox entries stay pending and the reconciliation cycle backs off.
type TransientError struct {
	Operation string
	Err       error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient: %s: %v", e.Operation, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err is retryable.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// ConflictError is a server 409 on a record-mutating endpoint. It always
// carries the server's current snapshot for the conflict resolver.
type ConflictError struct {
	EntityID       string
	ServerSnapshot *Record
	Message        string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict on %s: %s", e.EntityID, e.Message)
}

// AsConflict extracts a ConflictError from err, if any.
func AsConflict(err error) (*ConflictError, bool) {
	var ce *ConflictError
	ok := errors.As(err, &ce)
	return ce, ok
}

// RejectedError is a permanent server rejection (validation or policy).
// The entry is blocked and surfaced; it is never retried automatically.
type RejectedError struct {
	EntityID   string
	StatusCode int
	Code       string
	Message    string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("rejected %s (HTTP %d, %s): %s", e.EntityID, e.StatusCode, e.Code, e.Message)
}

// IsRejected reports whether err is a permanent server rejection.
func IsRejected(err error) bool {
	var re *RejectedError
	return errors.As(err, &re)
}
