package repositories

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/studysync-app/studysync/internal/models"
)

func testRecord(ownerID uuid.UUID, id string, version int64, payload string) *models.SyncRecord {
	return &models.SyncRecord{
		ID:       id,
		OwnerID:  ownerID,
		Category: models.CategoryProgress,
		Payload:  json.RawMessage(payload),
		Version:  version,
	}
}

// TestMemoryRecordRepository_StaleWriteSuperseded tests the last-writer-wins
// guard: a lower version never replaces a higher one, and the stale write is
// absorbed silently
func TestMemoryRecordRepository_StaleWriteSuperseded(t *testing.T) {
	repo := NewMemoryRecordRepository(nil)
	ctx := context.Background()
	ownerID := uuid.New()

	require.NoError(t, repo.Upsert(ctx, testRecord(ownerID, "lesson-1", 5, `{"v":5}`)))
	require.NoError(t, repo.Upsert(ctx, testRecord(ownerID, "lesson-1", 3, `{"v":3}`)))

	stored, err := repo.Get(ctx, ownerID, models.CategoryProgress, "lesson-1")
	require.NoError(t, err)
	assert.Equal(t, int64(5), stored.Version)
	assert.JSONEq(t, `{"v":5}`, string(stored.Payload))
}

// TestMemoryRecordRepository_EqualVersionOverwrites tests that a write at
// the stored version replaces it, which keeps backfills idempotent
func TestMemoryRecordRepository_EqualVersionOverwrites(t *testing.T) {
	repo := NewMemoryRecordRepository(nil)
	ctx := context.Background()
	ownerID := uuid.New()

	require.NoError(t, repo.Upsert(ctx, testRecord(ownerID, "lesson-1", 5, `{"v":"first"}`)))
	require.NoError(t, repo.Upsert(ctx, testRecord(ownerID, "lesson-1", 5, `{"v":"second"}`)))

	stored, err := repo.Get(ctx, ownerID, models.CategoryProgress, "lesson-1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":"second"}`, string(stored.Payload))
}

// TestMemoryRecordRepository_GetNotFound tests the missing-record sentinel
func TestMemoryRecordRepository_GetNotFound(t *testing.T) {
	repo := NewMemoryRecordRepository(nil)

	_, err := repo.Get(context.Background(), uuid.New(), models.CategoryProgress, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

// TestMemoryRecordRepository_ValidatesRecords tests that malformed records
// are rejected before storage
func TestMemoryRecordRepository_ValidatesRecords(t *testing.T) {
	repo := NewMemoryRecordRepository(nil)
	ctx := context.Background()

	err := repo.Upsert(ctx, testRecord(uuid.Nil, "lesson-1", 1, `{}`))
	assert.Error(t, err)

	err = repo.Upsert(ctx, testRecord(uuid.New(), "", 1, `{}`))
	assert.Error(t, err)

	err = repo.Upsert(ctx, testRecord(uuid.New(), "lesson-1", 0, `{}`))
	assert.Error(t, err)
}

// TestMemoryRecordRepository_FaultInjection tests that a simulated outage
// classifies as transient and recovery works
func TestMemoryRecordRepository_FaultInjection(t *testing.T) {
	repo := NewMemoryRecordRepository(nil)
	ctx := context.Background()
	ownerID := uuid.New()

	repo.SetFailing(true)
	err := repo.Upsert(ctx, testRecord(ownerID, "lesson-1", 1, `{}`))
	require.Error(t, err)
	assert.True(t, models.IsTransient(err))

	repo.SetFailing(false)
	assert.NoError(t, repo.Upsert(ctx, testRecord(ownerID, "lesson-1", 1, `{}`)))
}

// TestMemoryRecordRepository_PublishesChanges tests that committed writes
// reach feed subscribers
func TestMemoryRecordRepository_PublishesChanges(t *testing.T) {
	feed := NewMemoryChangeFeed()
	repo := NewMemoryRecordRepository(feed)
	ctx := context.Background()
	ownerID := uuid.New()

	sub, err := feed.Subscribe(ctx, ownerID)
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, repo.Upsert(ctx, testRecord(ownerID, "lesson-1", 1, `{}`)))

	event := <-sub.Events()
	assert.Equal(t, ownerID, event.OwnerID)
	assert.Equal(t, "lesson-1", event.ID)
	assert.Equal(t, int64(1), event.Version)
}

// TestMemoryChangeFeed_CloseIsIdempotent tests double-close and removal from
// the feed
func TestMemoryChangeFeed_CloseIsIdempotent(t *testing.T) {
	feed := NewMemoryChangeFeed()
	ctx := context.Background()
	ownerID := uuid.New()

	sub, err := feed.Subscribe(ctx, ownerID)
	require.NoError(t, err)

	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close())

	// Publishing after close must not panic.
	assert.NoError(t, feed.Publish(ctx, models.ChangeEvent{OwnerID: ownerID, ID: "x", Version: 1}))
}

// TestMemoryBackupRepository_WriteOnce tests that snapshot ids are unique
func TestMemoryBackupRepository_WriteOnce(t *testing.T) {
	repo := NewMemoryBackupRepository()
	ctx := context.Background()

	backup := &models.Backup{
		ID:      uuid.New(),
		OwnerID: uuid.New(),
		Kind:    models.BackupFull,
	}
	require.NoError(t, repo.Create(ctx, backup))
	assert.Error(t, repo.Create(ctx, backup))

	stored, err := repo.GetByID(ctx, backup.ID)
	require.NoError(t, err)
	assert.Equal(t, backup.OwnerID, stored.OwnerID)

	_, err = repo.GetByID(ctx, uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)
}

// TestMemoryBackupRepository_SnapshotIsolation tests that mutating a
// returned backup never reaches the stored snapshot
func TestMemoryBackupRepository_SnapshotIsolation(t *testing.T) {
	repo := NewMemoryBackupRepository()
	ctx := context.Background()
	ownerID := uuid.New()

	original := &models.Backup{
		ID:      uuid.New(),
		OwnerID: ownerID,
		Kind:    models.BackupFull,
		Snapshot: map[models.Category][]models.SyncRecord{
			models.CategoryProgress: {*testRecord(ownerID, "lesson-1", 1, `{"score":80}`)},
		},
	}
	require.NoError(t, repo.Create(ctx, original))

	// Mutating the caller's copy after Create must not reach the store.
	original.Snapshot[models.CategoryProgress][0].ID = "tampered"

	first, err := repo.GetByID(ctx, original.ID)
	require.NoError(t, err)
	require.Len(t, first.Snapshot[models.CategoryProgress], 1)
	assert.Equal(t, "lesson-1", first.Snapshot[models.CategoryProgress][0].ID)

	// Nor must mutating a returned snapshot.
	first.Snapshot[models.CategoryProgress][0].Version = 999
	first.Snapshot[models.CategoryProgress] = append(first.Snapshot[models.CategoryProgress],
		*testRecord(ownerID, "extra", 2, `{}`))

	second, err := repo.GetByID(ctx, original.ID)
	require.NoError(t, err)
	require.Len(t, second.Snapshot[models.CategoryProgress], 1)
	assert.Equal(t, int64(1), second.Snapshot[models.CategoryProgress][0].Version)
}

// TestMemoryMigrationRepository_FinishRunOnce tests that runs finalize
// exactly once and only to terminal states
func TestMemoryMigrationRepository_FinishRunOnce(t *testing.T) {
	repo := NewMemoryMigrationRepository()
	ctx := context.Background()

	run := &models.MigrationRun{
		ID:     uuid.New(),
		Status: models.RunInProgress,
	}
	require.NoError(t, repo.CreateRun(ctx, run))

	assert.Error(t, repo.FinishRun(ctx, run.ID, models.RunInProgress, ""), "non-terminal status rejected")
	require.NoError(t, repo.FinishRun(ctx, run.ID, models.RunCompleted, ""))
	assert.Error(t, repo.FinishRun(ctx, run.ID, models.RunFailed, "late"), "already finalized")

	runs, err := repo.ListRuns(ctx, nil)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, models.RunCompleted, runs[0].Status)
	assert.NotNil(t, runs[0].CompletedAt)
}

// TestMemoryMigrationRepository_Versions tests version bookkeeping
func TestMemoryMigrationRepository_Versions(t *testing.T) {
	repo := NewMemoryMigrationRepository()
	ctx := context.Background()

	current, err := repo.CurrentVersion(ctx)
	require.NoError(t, err)
	assert.Zero(t, current)

	require.NoError(t, repo.RecordVersion(ctx, 1))
	require.NoError(t, repo.RecordVersion(ctx, 2))

	current, err = repo.CurrentVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, current)

	require.NoError(t, repo.RemoveVersion(ctx, 2))
	assert.ErrorIs(t, repo.RemoveVersion(ctx, 2), ErrNotFound)

	current, err = repo.CurrentVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, current)
}
