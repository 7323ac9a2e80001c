package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Category partitions a user's synced data. The set is closed; anything
// outside it is rejected before reaching the store.
type Category string

const (
	CategoryProgress    Category = "progress"
	CategorySession     Category = "session"
	CategoryPreferences Category = "preferences"
	CategoryAchievement Category = "achievement"
)

// Categories returns every valid category in a stable order.
func Categories() []Category {
	return []Category{CategoryProgress, CategorySession, CategoryPreferences, CategoryAchievement}
}

func (c Category) Valid() bool {
	switch c {
	case CategoryProgress, CategorySession, CategoryPreferences, CategoryAchievement:
		return true
	}
	return false
}

// SyncRecord is the versioned envelope every sync and backup operation moves
// around. Payload is opaque to the engine; Version is the only
// conflict-resolution signal (highest committed version wins).
type SyncRecord struct {
	ID           string          `json:"id"`
	OwnerID      uuid.UUID       `json:"owner_id"`
	Category     Category        `json:"category"`
	Payload      json.RawMessage `json:"payload"`
	Version      int64           `json:"version"`
	LastModified time.Time       `json:"last_modified"`
	OriginDevice string          `json:"origin_device,omitempty"`
}

func (r *SyncRecord) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("record id is required")
	}
	if r.OwnerID == uuid.Nil {
		return fmt.Errorf("owner id is required")
	}
	if !r.Category.Valid() {
		return fmt.Errorf("invalid category: %q", r.Category)
	}
	if r.Version <= 0 {
		return fmt.Errorf("version must be positive")
	}
	return nil
}

// QueuedWrite is a SyncRecord waiting for confirmation after a failed direct
// write. It stays queued, with Attempts counting up, until a flush commits
// it. QueueID identifies the queue entry itself; entries for the same record
// are never coalesced.
type QueuedWrite struct {
	QueueID    uuid.UUID  `json:"queue_id"`
	Record     SyncRecord `json:"record"`
	Attempts   int        `json:"attempts"`
	EnqueuedAt time.Time  `json:"enqueued_at"`
}

// SyncStatus is the caller-visible health of one user's sync session.
type SyncStatus struct {
	Online                bool      `json:"online"`
	QueuedCount           int       `json:"queued_count"`
	LastSyncedAt          time.Time `json:"last_synced_at"`
	HasActiveSubscription bool      `json:"has_active_subscription"`
}

// ChangeEvent is one remote write notification from the store's change feed.
type ChangeEvent struct {
	OwnerID      uuid.UUID `json:"owner_id"`
	Category     Category  `json:"category"`
	ID           string    `json:"id"`
	Version      int64     `json:"version"`
	OriginDevice string    `json:"origin_device,omitempty"`
}
