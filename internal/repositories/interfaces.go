package repositories

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/studysync-app/studysync/internal/models"
)

// ErrNotFound is returned when a record, backup, or run does not exist.
var ErrNotFound = errors.New("not found")

// RecordRepository is the durable store for SyncRecords. Upsert enforces
// last-writer-wins: a write only replaces the stored row when its version is
// at least the stored version, so stale writes are silently superseded.
type RecordRepository interface {
	Upsert(ctx context.Context, record *models.SyncRecord) error
	Get(ctx context.Context, ownerID uuid.UUID, category models.Category, id string) (*models.SyncRecord, error)
	ListByCategory(ctx context.Context, ownerID uuid.UUID, category models.Category) ([]*models.SyncRecord, error)
}

// BackupRepository persists immutable snapshots. There is no update or
// delete; retention is handled outside the engine.
type BackupRepository interface {
	Create(ctx context.Context, backup *models.Backup) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Backup, error)
}

// MigrationRepository tracks recorded structural versions and the
// MigrationRun audit log. Runs are created in progress and finalized exactly
// once.
type MigrationRepository interface {
	EnsureSchema(ctx context.Context) error
	CurrentVersion(ctx context.Context) (int, error)
	RecordVersion(ctx context.Context, version int) error
	RemoveVersion(ctx context.Context, version int) error
	CreateRun(ctx context.Context, run *models.MigrationRun) error
	FinishRun(ctx context.Context, id uuid.UUID, status models.RunStatus, errMsg string) error
	ListRuns(ctx context.Context, ownerID *uuid.UUID) ([]*models.MigrationRun, error)
}

// Subscription is one open per-user change stream. Events is closed after
// Close returns; Close is safe to call more than once.
type Subscription interface {
	Events() <-chan models.ChangeEvent
	Close() error
}

// ChangeFeed is the store's change notification mechanism. Delivery is
// at-least-once; ordering holds within a single (category, id) stream
// because the store publishes its own writes in commit order.
type ChangeFeed interface {
	Publish(ctx context.Context, event models.ChangeEvent) error
	Subscribe(ctx context.Context, ownerID uuid.UUID) (Subscription, error)
}
