package services

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/studysync-app/studysync/internal/models"
	"github.com/studysync-app/studysync/internal/repositories"
)

// StructuralSteps is the build-time schema catalog. Versions are strictly
// increasing and new steps are only ever appended.
func StructuralSteps(pool *pgxpool.Pool) []StructuralStep {
	exec := func(sql string) func(ctx context.Context) error {
		return func(ctx context.Context) error {
			_, err := pool.Exec(ctx, sql)
			return err
		}
	}

	return []StructuralStep{
		{
			Version: 1,
			Name:    "create_sync_records",
			Apply: exec(`
				CREATE TABLE IF NOT EXISTS sync_records (
					owner_id UUID NOT NULL,
					category VARCHAR(32) NOT NULL,
					id VARCHAR(255) NOT NULL,
					payload JSONB NOT NULL,
					version BIGINT NOT NULL,
					last_modified TIMESTAMPTZ NOT NULL,
					PRIMARY KEY (owner_id, category, id)
				)`),
			Revert: exec(`DROP TABLE IF EXISTS sync_records`),
		},
		{
			Version: 2,
			Name:    "create_backups",
			Apply: exec(`
				CREATE TABLE IF NOT EXISTS backups (
					id UUID PRIMARY KEY,
					owner_id UUID NOT NULL,
					kind VARCHAR(16) NOT NULL,
					snapshot JSONB NOT NULL,
					created_at TIMESTAMPTZ NOT NULL
				)`),
			Revert: exec(`DROP TABLE IF EXISTS backups`),
		},
		{
			Version: 3,
			Name:    "add_origin_device",
			Apply: exec(`
				ALTER TABLE sync_records
				ADD COLUMN IF NOT EXISTS origin_device VARCHAR(128) NOT NULL DEFAULT ''`),
			Revert: exec(`ALTER TABLE sync_records DROP COLUMN IF EXISTS origin_device`),
		},
		{
			Version: 4,
			Name:    "index_sync_records_category",
			Apply: exec(`
				CREATE INDEX IF NOT EXISTS idx_sync_records_owner_category
				ON sync_records (owner_id, category)`),
			Revert: exec(`DROP INDEX IF EXISTS idx_sync_records_owner_category`),
		},
	}
}

// UserDataMigrations backfill records written before the matching structural
// version. Each pass rewrites a record at its existing version, so reruns
// find nothing left to change.
func UserDataMigrations() []UserDataMigration {
	return []UserDataMigration{
		{
			Version: 2,
			Name:    "backfill_last_modified",
			Apply: func(ctx context.Context, records repositories.RecordRepository, ownerID uuid.UUID) error {
				return rewriteRecords(ctx, records, ownerID, func(r *models.SyncRecord) bool {
					if !r.LastModified.IsZero() {
						return false
					}
					r.LastModified = time.UnixMilli(r.Version)
					return true
				})
			},
		},
		{
			Version: 3,
			Name:    "backfill_origin_device",
			Apply: func(ctx context.Context, records repositories.RecordRepository, ownerID uuid.UUID) error {
				return rewriteRecords(ctx, records, ownerID, func(r *models.SyncRecord) bool {
					if r.OriginDevice != "" {
						return false
					}
					r.OriginDevice = "legacy"
					return true
				})
			},
		},
	}
}

// rewriteRecords applies fix to every record the owner has and writes back
// the ones it changed, keeping their version untouched.
func rewriteRecords(
	ctx context.Context,
	records repositories.RecordRepository,
	ownerID uuid.UUID,
	fix func(*models.SyncRecord) bool,
) error {
	for _, category := range models.Categories() {
		list, err := records.ListByCategory(ctx, ownerID, category)
		if err != nil {
			return err
		}
		for _, record := range list {
			if !fix(record) {
				continue
			}
			if err := records.Upsert(ctx, record); err != nil {
				return err
			}
		}
	}
	return nil
}
