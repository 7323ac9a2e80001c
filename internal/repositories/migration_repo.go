package repositories

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/studysync-app/studysync/internal/models"
)

// PostgresMigrationRepository owns the structural-version marker and the
// MigrationRun audit log. Both tables are bootstrapped by EnsureSchema so a
// fresh database can run structural step 1.
type PostgresMigrationRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresMigrationRepository(pool *pgxpool.Pool) *PostgresMigrationRepository {
	return &PostgresMigrationRepository{pool: pool}
}

func (r *PostgresMigrationRepository) EnsureSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS schema_versions (
	    version INTEGER PRIMARY KEY,
	    recorded_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS migration_runs (
	    id UUID PRIMARY KEY,
	    owner_id UUID,
	    from_version INTEGER NOT NULL,
	    to_version INTEGER NOT NULL,
	    status TEXT NOT NULL,
	    started_at TIMESTAMPTZ NOT NULL,
	    completed_at TIMESTAMPTZ,
	    error_message TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_migration_runs_owner ON migration_runs(owner_id);
	`

	if _, err := r.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to create migration schema: %w", err)
	}
	return nil
}

// CurrentVersion returns the highest recorded structural version, 0 when
// nothing has been applied.
func (r *PostgresMigrationRepository) CurrentVersion(ctx context.Context) (int, error) {
	var version int
	err := r.pool.QueryRow(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_versions`).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	return version, nil
}

func (r *PostgresMigrationRepository) RecordVersion(ctx context.Context, version int) error {
	_, err := r.pool.Exec(ctx, `INSERT INTO schema_versions (version) VALUES ($1) ON CONFLICT DO NOTHING`, version)
	if err != nil {
		return fmt.Errorf("failed to record schema version %d: %w", version, err)
	}
	return nil
}

func (r *PostgresMigrationRepository) RemoveVersion(ctx context.Context, version int) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM schema_versions WHERE version = $1`, version)
	if err != nil {
		return fmt.Errorf("failed to remove schema version %d: %w", version, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresMigrationRepository) CreateRun(ctx context.Context, run *models.MigrationRun) error {
	query := `INSERT INTO migration_runs (id, owner_id, from_version, to_version, status, started_at)
	          VALUES ($1, $2, $3, $4, $5, $6)`

	_, err := r.pool.Exec(ctx, query,
		run.ID,
		run.OwnerID,
		run.FromVersion,
		run.ToVersion,
		run.Status,
		run.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create migration run: %w", err)
	}
	return nil
}

// FinishRun moves an in-progress run to a terminal state. A run can only be
// finalized once; finishing an already-terminal run is an error so the audit
// log stays append-only.
func (r *PostgresMigrationRepository) FinishRun(ctx context.Context, id uuid.UUID, status models.RunStatus, errMsg string) error {
	if !status.Terminal() {
		return fmt.Errorf("cannot finish run with non-terminal status %q", status)
	}

	query := `UPDATE migration_runs
	          SET status = $1, completed_at = NOW(), error_message = $2
	          WHERE id = $3 AND status = $4`

	tag, err := r.pool.Exec(ctx, query, status, errMsg, id, models.RunInProgress)
	if err != nil {
		return fmt.Errorf("failed to finish migration run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("migration run %s is not in progress", id)
	}
	return nil
}

func (r *PostgresMigrationRepository) ListRuns(ctx context.Context, ownerID *uuid.UUID) ([]*models.MigrationRun, error) {
	query := `SELECT id, owner_id, from_version, to_version, status, started_at, completed_at, error_message
	          FROM migration_runs`
	args := []any{}
	if ownerID != nil {
		query += ` WHERE owner_id = $1`
		args = append(args, *ownerID)
	}
	query += ` ORDER BY started_at ASC`

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query migration runs: %w", err)
	}
	defer rows.Close()

	var runs []*models.MigrationRun
	for rows.Next() {
		var run models.MigrationRun
		err := rows.Scan(
			&run.ID,
			&run.OwnerID,
			&run.FromVersion,
			&run.ToVersion,
			&run.Status,
			&run.StartedAt,
			&run.CompletedAt,
			&run.ErrorMessage,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan migration run: %w", err)
		}
		runs = append(runs, &run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating migration runs: %w", err)
	}
	return runs, nil
}
