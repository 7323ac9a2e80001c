package models

import (
	"time"

	"github.com/google/uuid"
)

// RunStatus is the lifecycle state of a MigrationRun. Runs move
// pending -> in_progress -> completed|failed; terminal states are final and
// a failed run is retried as a brand-new run, never resumed.
type RunStatus string

const (
	RunPending    RunStatus = "pending"
	RunInProgress RunStatus = "in_progress"
	RunCompleted  RunStatus = "completed"
	RunFailed     RunStatus = "failed"
)

// Terminal reports whether the status is final.
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunFailed
}

// MigrationRun is one append-only audit entry. OwnerID is nil for structural
// runs and set for per-user data migrations.
type MigrationRun struct {
	ID           uuid.UUID  `json:"id"`
	OwnerID      *uuid.UUID `json:"owner_id,omitempty"`
	FromVersion  int        `json:"from_version"`
	ToVersion    int        `json:"to_version"`
	Status       RunStatus  `json:"status"`
	StartedAt    time.Time  `json:"started_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
}

// PendingStep describes one structural step that has not been applied yet.
type PendingStep struct {
	Version int    `json:"version"`
	Name    string `json:"name"`
}

// MigrationCheck is the answer to "do we need to migrate?".
type MigrationCheck struct {
	Needed         bool          `json:"needed"`
	CurrentVersion int           `json:"current_version"`
	LatestVersion  int           `json:"latest_version"`
	Pending        []PendingStep `json:"pending"`
}
