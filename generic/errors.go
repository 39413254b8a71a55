/*
errors.go - Centralized error types for the offline sync layer

PURPOSE:
  All error types in one place for consistency and discoverability.
  Components wrap these with context; callers classify with errors.Is.

ERROR CATEGORIES:
  1. Remote errors   - RemoteUnavailable (retry later), RemoteRejected (don't)
  2. Local errors    - LocalStorageFailure, schema violations
  3. Sync errors     - SyncReplayFailure (op retained, table paused)
  4. Session errors  - Unauthenticated

PROPAGATION:
  Store and remote errors travel up as wrapped values. The collection
  package is the boundary: it turns them into returned errors plus a
  notifier message. Nothing here panics.

SEE ALSO:
  - remote/client.go: maps HTTP status codes onto RemoteError
  - syncer/engine.go: produces ReplayError
  - collection/collection.go: converts errors into notifications
*/
package generic

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrRemoteUnavailable is returned when the backend could not be reached or
	// timed out. Reads fall back to the mirror; writes are queued.
	ErrRemoteUnavailable = errors.New("remote store unavailable")

	// ErrRemoteRejected is returned when the backend answered with a definitive
	// refusal (validation, permission). Retrying will not help.
	ErrRemoteRejected = errors.New("remote store rejected the request")

	// ErrLocalStorage is returned when the on-device store failed an I/O.
	ErrLocalStorage = errors.New("local storage failure")

	// ErrSyncReplay is returned when a queued operation failed remote replay.
	ErrSyncReplay = errors.New("sync replay failed")

	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrUnauthenticated is returned when no valid session is present.
	ErrUnauthenticated = errors.New("not authenticated")

	// ErrSchema is returned when a record does not match its table schema.
	ErrSchema = errors.New("schema violation")

	// ErrTableUnknown is returned when a table has no registered schema.
	ErrTableUnknown = errors.New("unknown table")

	// ErrStaleRead is returned when a read resolved after a newer one was applied.
	ErrStaleRead = errors.New("stale read discarded")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// RemoteError describes a failed remote call.
type RemoteError struct {
	Op      string // "select", "insert", "rpc:generate_invoice", ...
	Table   Table
	Status  int // HTTP status, 0 for transport failures
	Code    string
	Message string
	Err     error
}

func (e *RemoteError) Error() string {
	target := string(e.Table)
	if target == "" {
		target = "-"
	}
	if e.Status == 0 {
		return fmt.Sprintf("remote %s %s: %v", e.Op, target, e.Err)
	}
	return fmt.Sprintf("remote %s %s: status %d: %s", e.Op, target, e.Status, e.Message)
}

// Unwrap exposes the classification sentinel and the transport cause.
func (e *RemoteError) Unwrap() []error {
	errs := []error{e.kind()}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

func (e *RemoteError) kind() error {
	switch {
	case e.Status == 0, e.Status == 408, e.Status == 429, e.Status >= 500:
		return ErrRemoteUnavailable
	case e.Status == 404:
		return ErrNotFound
	case e.Status == 401:
		return ErrUnauthenticated
	default:
		return ErrRemoteRejected
	}
}

// ReplayError wraps the failure of one queued operation.
type ReplayError struct {
	Op  PendingOperation
	Err error
}

func (e *ReplayError) Error() string {
	return fmt.Sprintf("replay %s: %v", e.Op, e.Err)
}

func (e *ReplayError) Unwrap() []error {
	return []error{ErrSyncReplay, e.Err}
}

// SchemaError provides details about a schema violation.
type SchemaError struct {
	Table  Table
	Column string
	Reason string
}

func (e *SchemaError) Error() string {
	if e.Column == "" {
		return fmt.Sprintf("%s: %s", e.Table, e.Reason)
	}
	return fmt.Sprintf("%s.%s: %s", e.Table, e.Column, e.Reason)
}

func (e *SchemaError) Unwrap() error { return ErrSchema }

// StorageError wraps an embedded-store failure.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("local storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() []error {
	return []error{ErrLocalStorage, e.Err}
}

// Warning is a non-fatal condition reported alongside a usable result,
// e.g. a read that fell back to the mirror.
type Warning struct {
	Message string
	Err     error
}

func (w *Warning) Error() string {
	if w.Err == nil {
		return w.Message
	}
	return fmt.Sprintf("%s: %v", w.Message, w.Err)
}

func (w *Warning) Unwrap() error { return w.Err }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on a later attempt.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrRemoteUnavailable)
}

// IsRejected returns true if the backend definitively refused the request.
func IsRejected(err error) bool {
	return errors.Is(err, ErrRemoteRejected) || errors.Is(err, ErrUnauthenticated)
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsWarning reports whether err is only a non-fatal warning.
func IsWarning(err error) bool {
	var w *Warning
	return errors.As(err, &w)
}
