// Package persistence provides standardized error types for storage operations.
package persistence

import (
	"errors"
	"fmt"
)

// Standard persistence error types that all implementations should use.
var (
	// ErrRunNotFound indicates a pipeline run was not found by the given identifier.
	ErrRunNotFound = errors.New("pipeline run not found")

	// ErrVersionConflict indicates a run save lost an optimistic concurrency race.
	ErrVersionConflict = errors.New("pipeline run version conflict")

	// ErrEntryNotFound indicates an audit log entry was not found by the given identifier.
	ErrEntryNotFound = errors.New("audit log entry not found")

	// ErrEntryExists indicates an append targeted an entry ID that is already written.
	ErrEntryExists = errors.New("audit log entry already exists")
)

// RunError wraps run-related storage errors with operation context.
type RunError struct {
	Op    string // Operation being performed (e.g., "Save", "GetByID")
	RunID string
	Err   error
}

func (e *RunError) Error() string {
	return fmt.Sprintf("%s operation failed for run %s: %v", e.Op, e.RunID, e.Err)
}

func (e *RunError) Unwrap() error {
	return e.Err
}

func (e *RunError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewRunError creates a run storage error with context.
func NewRunError(op, runID string, err error) *RunError {
	return &RunError{Op: op, RunID: runID, Err: err}
}

// EntryError wraps audit-entry storage errors with operation context.
type EntryError struct {
	Op      string
	EntryID string
	Err     error
}

func (e *EntryError) Error() string {
	return fmt.Sprintf("%s operation failed for audit entry %s: %v", e.Op, e.EntryID, e.Err)
}

func (e *EntryError) Unwrap() error {
	return e.Err
}

func (e *EntryError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewEntryError creates an audit-entry storage error with context.
func NewEntryError(op, entryID string, err error) *EntryError {
	return &EntryError{Op: op, EntryID: entryID, Err: err}
}

// IsRunNotFound checks if an error indicates a run was not found.
func IsRunNotFound(err error) bool {
	return errors.Is(err, ErrRunNotFound)
}

// IsVersionConflict checks if an error indicates an optimistic locking conflict.
func IsVersionConflict(err error) bool {
	return errors.Is(err, ErrVersionConflict)
}

// IsEntryNotFound checks if an error indicates an audit entry was not found.
func IsEntryNotFound(err error) bool {
	return errors.Is(err, ErrEntryNotFound)
}
