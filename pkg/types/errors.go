package types

import (
	"errors"
	"fmt"
)

// Lookup and misuse errors.
var (
	ErrNotFound        = errors.New("document not found")
	ErrInvalidID       = errors.New("invalid document id")
	ErrInvalidEntity   = errors.New("entity must be a non-nil pointer")
	ErrDesignNotFound  = errors.New("no document design registered for type")
	ErrTransactionDone = errors.New("transaction already completed or closed")
)

// Taxonomy sentinels. The structured errors below match them with errors.Is.
var (
	ErrConcurrency      = errors.New("concurrency conflict")
	ErrIdentityConflict = errors.New("identity conflict")
	ErrTypeMismatch     = errors.New("type mismatch")
	ErrSaveInProgress   = errors.New("save changes already in progress")
	ErrTransport        = errors.New("backend transport failure")
)

// ConcurrencyError reports a write that affected a different number of rows
// than expected, meaning the etag no longer matched or the row was gone.
// Retrying is a caller policy.
type ConcurrencyError struct {
	Table    string
	ID       string
	Expected int64
	Actual   int64
}

func (e *ConcurrencyError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("concurrency conflict on %s: expected %d affected rows, got %d", e.Table, e.Expected, e.Actual)
	}
	return fmt.Sprintf("concurrency conflict on %s/%s: expected %d affected rows, got %d", e.Table, e.ID, e.Expected, e.Actual)
}

// Is matches ErrConcurrency.
func (e *ConcurrencyError) Is(target error) bool { return target == ErrConcurrency }

// IdentityConflictError reports an attempt to track two instances under one
// key, or one instance under two keys.
type IdentityConflictError struct {
	Table  string
	ID     string
	Reason string
}

func (e *IdentityConflictError) Error() string {
	return fmt.Sprintf("identity conflict on %s/%s: %s", e.Table, e.ID, e.Reason)
}

// Is matches ErrIdentityConflict.
func (e *IdentityConflictError) Is(target error) bool { return target == ErrIdentityConflict }

// TypeMismatchError reports a stored or tracked document whose concrete type
// is not assignable to the type the caller asked for.
type TypeMismatchError struct {
	ID        string
	Requested string
	Actual    string
}

func (e *TypeMismatchError) Error() string {
	return fmt.Sprintf("document %s is a %s, which is not assignable to %s", e.ID, e.Actual, e.Requested)
}

// Is matches ErrTypeMismatch.
func (e *TypeMismatchError) Is(target error) bool { return target == ErrTypeMismatch }

// TransportError wraps a backend failure. The in-flight transaction must be
// assumed rolled back.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

// Unwrap returns the driver error.
func (e *TransportError) Unwrap() error { return e.Err }

// Is matches ErrTransport.
func (e *TransportError) Is(target error) bool { return target == ErrTransport }
