package models

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Sentinel errors shared across the engine.
var (
	// ErrInitialization means the change feed subscription could not be
	// opened; sync for that user does not start.
	ErrInitialization = errors.New("sync initialization failed")

	// ErrAccessDenied means an ownership check failed. Never retried.
	ErrAccessDenied = errors.New("access denied")

	// ErrNoRollbackAvailable means the structural step has no revert.
	ErrNoRollbackAvailable = errors.New("no rollback available for this migration")
)

// TransientStoreError wraps a network/availability failure from the durable
// store. Writes that hit one are absorbed into the queue and retried; they
// are never surfaced as hard failures to the write caller.
type TransientStoreError struct {
	Op  string
	Err error
}

func (e *TransientStoreError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *TransientStoreError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err should be handled by queueing rather than
// surfaced. Ownership failures are the one class that is always fatal.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrAccessDenied) {
		return false
	}
	var te *TransientStoreError
	return errors.As(err, &te)
}

// BackupError aborts a snapshot: a backup with a partial read is not
// restorable, so nothing is persisted.
type BackupError struct {
	OwnerID  uuid.UUID
	Category Category
	Err      error
}

func (e *BackupError) Error() string {
	if e.Category != "" {
		return fmt.Sprintf("backup for %s failed reading %s: %v", e.OwnerID, e.Category, e.Err)
	}
	return fmt.Sprintf("backup for %s failed: %v", e.OwnerID, e.Err)
}

func (e *BackupError) Unwrap() error {
	return e.Err
}

// MigrationFailure marks a structural or per-user step that threw. The run
// is recorded as failed and, for structural migrations, later steps halt.
type MigrationFailure struct {
	Version int
	Name    string
	OwnerID *uuid.UUID
	Err     error
}

func (e *MigrationFailure) Error() string {
	if e.OwnerID != nil {
		return fmt.Sprintf("migration %q (version %d) failed for user %s: %v", e.Name, e.Version, *e.OwnerID, e.Err)
	}
	return fmt.Sprintf("migration %q (version %d) failed: %v", e.Name, e.Version, e.Err)
}

func (e *MigrationFailure) Unwrap() error {
	return e.Err
}
