package models

import (
	"time"

	"github.com/google/uuid"
)

type BackupKind string

const (
	BackupFull        BackupKind = "full"
	BackupIncremental BackupKind = "incremental"
)

// Backup is an immutable full-state snapshot of one user's records, grouped
// by category. It is only ever written once and read back as a restore
// source; retention is an external policy concern.
type Backup struct {
	ID        uuid.UUID                 `json:"id"`
	OwnerID   uuid.UUID                 `json:"owner_id"`
	Kind      BackupKind                `json:"kind"`
	Snapshot  map[Category][]SyncRecord `json:"snapshot"`
	CreatedAt time.Time                 `json:"created_at"`
}

// RecordCount returns the total number of records across all categories.
func (b *Backup) RecordCount() int {
	n := 0
	for _, records := range b.Snapshot {
		n += len(records)
	}
	return n
}
