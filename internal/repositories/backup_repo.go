package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/studysync-app/studysync/internal/models"
)

// PostgresBackupRepository stores snapshots as JSONB rows. Backups are
// write-once: there is deliberately no update or delete here.
type PostgresBackupRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresBackupRepository(pool *pgxpool.Pool) *PostgresBackupRepository {
	return &PostgresBackupRepository{pool: pool}
}

func (r *PostgresBackupRepository) Create(ctx context.Context, backup *models.Backup) error {
	snapshot, err := json.Marshal(backup.Snapshot)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	query := `INSERT INTO backups (id, owner_id, kind, snapshot, created_at)
	          VALUES ($1, $2, $3, $4, $5)`

	_, err = r.pool.Exec(ctx, query,
		backup.ID,
		backup.OwnerID,
		backup.Kind,
		snapshot,
		backup.CreatedAt,
	)
	if err != nil {
		return &models.TransientStoreError{Op: "create backup", Err: err}
	}
	return nil
}

func (r *PostgresBackupRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Backup, error) {
	query := `SELECT id, owner_id, kind, snapshot, created_at
	          FROM backups
	          WHERE id = $1`

	var backup models.Backup
	var snapshot []byte
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&backup.ID,
		&backup.OwnerID,
		&backup.Kind,
		&snapshot,
		&backup.CreatedAt,
	)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, &models.TransientStoreError{Op: "get backup", Err: err}
	}

	if err := json.Unmarshal(snapshot, &backup.Snapshot); err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}
	return &backup, nil
}
