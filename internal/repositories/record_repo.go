package repositories

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/studysync-app/studysync/internal/models"
)

// PostgresRecordRepository stores SyncRecords keyed by
// (owner_id, category, id). The upsert is version-guarded so the table only
// ever holds the highest committed version of a record.
type PostgresRecordRepository struct {
	pool   *pgxpool.Pool
	feed   ChangeFeed
	logger zerolog.Logger
}

// NewPostgresRecordRepository creates the repository. feed may be nil when
// no change notifications are wanted (e.g. one-off admin tooling).
func NewPostgresRecordRepository(pool *pgxpool.Pool, feed ChangeFeed, logger zerolog.Logger) *PostgresRecordRepository {
	return &PostgresRecordRepository{
		pool:   pool,
		feed:   feed,
		logger: logger.With().Str("component", "record_repo").Logger(),
	}
}

// Upsert commits a record unless the stored version is already higher.
// A stale write is not an error: the store keeps the winner and the caller's
// version simply lost the race. Committed writes are published to the change
// feed; publish failures are logged, never propagated, because the write
// itself is durable at that point.
func (r *PostgresRecordRepository) Upsert(ctx context.Context, record *models.SyncRecord) error {
	if err := record.Validate(); err != nil {
		return err
	}

	query := `INSERT INTO sync_records (owner_id, category, id, payload, version, last_modified, origin_device)
	          VALUES ($1, $2, $3, $4, $5, $6, $7)
	          ON CONFLICT (owner_id, category, id) DO UPDATE SET
	              payload = excluded.payload,
	              version = excluded.version,
	              last_modified = excluded.last_modified,
	              origin_device = excluded.origin_device
	          WHERE excluded.version >= sync_records.version`

	tag, err := r.pool.Exec(ctx, query,
		record.OwnerID,
		record.Category,
		record.ID,
		record.Payload,
		record.Version,
		record.LastModified,
		record.OriginDevice,
	)
	if err != nil {
		return &models.TransientStoreError{Op: "upsert", Err: err}
	}

	if tag.RowsAffected() == 0 {
		// Superseded by a higher version already in the store.
		r.logger.Debug().
			Str("record_id", record.ID).
			Int64("version", record.Version).
			Msg("stale write superseded")
		return nil
	}

	if r.feed != nil {
		event := models.ChangeEvent{
			OwnerID:      record.OwnerID,
			Category:     record.Category,
			ID:           record.ID,
			Version:      record.Version,
			OriginDevice: record.OriginDevice,
		}
		if err := r.feed.Publish(ctx, event); err != nil {
			r.logger.Warn().Err(err).
				Str("record_id", record.ID).
				Msg("failed to publish change event")
		}
	}

	return nil
}

func (r *PostgresRecordRepository) Get(ctx context.Context, ownerID uuid.UUID, category models.Category, id string) (*models.SyncRecord, error) {
	query := `SELECT owner_id, category, id, payload, version, last_modified, origin_device
	          FROM sync_records
	          WHERE owner_id = $1 AND category = $2 AND id = $3`

	var record models.SyncRecord
	err := r.pool.QueryRow(ctx, query, ownerID, category, id).Scan(
		&record.OwnerID,
		&record.Category,
		&record.ID,
		&record.Payload,
		&record.Version,
		&record.LastModified,
		&record.OriginDevice,
	)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, &models.TransientStoreError{Op: "get", Err: err}
	}
	return &record, nil
}

func (r *PostgresRecordRepository) ListByCategory(ctx context.Context, ownerID uuid.UUID, category models.Category) ([]*models.SyncRecord, error) {
	query := `SELECT owner_id, category, id, payload, version, last_modified, origin_device
	          FROM sync_records
	          WHERE owner_id = $1 AND category = $2
	          ORDER BY id ASC`

	rows, err := r.pool.Query(ctx, query, ownerID, category)
	if err != nil {
		return nil, &models.TransientStoreError{Op: "list", Err: err}
	}
	defer rows.Close()

	var records []*models.SyncRecord
	for rows.Next() {
		var record models.SyncRecord
		err := rows.Scan(
			&record.OwnerID,
			&record.Category,
			&record.ID,
			&record.Payload,
			&record.Version,
			&record.LastModified,
			&record.OriginDevice,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		records = append(records, &record)
	}

	if err := rows.Err(); err != nil {
		return nil, &models.TransientStoreError{Op: "list", Err: err}
	}

	return records, nil
}
