package services

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/studysync-app/studysync/internal/models"
	"github.com/studysync-app/studysync/internal/repositories"
)

// BackupService builds full-state snapshots and replays them back through
// the normal save path, so restored data participates in the same
// versioning and queueing rules as live writes.
type BackupService struct {
	records repositories.RecordRepository
	backups repositories.BackupRepository
	sync    *SyncService
	logger  zerolog.Logger
}

func NewBackupService(records repositories.RecordRepository, backups repositories.BackupRepository, syncService *SyncService, logger zerolog.Logger) *BackupService {
	return &BackupService{
		records: records,
		backups: backups,
		sync:    syncService,
		logger:  logger.With().Str("component", "backup_manager").Logger(),
	}
}

// CreateBackup reads the user's full state across all categories. The reads
// fan out concurrently; any failure aborts the whole backup, because a
// partial snapshot is not restorable.
func (s *BackupService) CreateBackup(ctx context.Context, ownerID uuid.UUID) (*models.Backup, error) {
	snapshot := make(map[models.Category][]models.SyncRecord, len(models.Categories()))

	g, gctx := errgroup.WithContext(ctx)
	results := make([][]models.SyncRecord, len(models.Categories()))

	for i, category := range models.Categories() {
		i, category := i, category
		g.Go(func() error {
			records, err := s.records.ListByCategory(gctx, ownerID, category)
			if err != nil {
				return &models.BackupError{OwnerID: ownerID, Category: category, Err: err}
			}
			values := make([]models.SyncRecord, 0, len(records))
			for _, record := range records {
				values = append(values, *record)
			}
			results[i] = values
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for i, category := range models.Categories() {
		snapshot[category] = results[i]
	}

	backup := &models.Backup{
		ID:        uuid.New(),
		OwnerID:   ownerID,
		Kind:      models.BackupFull,
		Snapshot:  snapshot,
		CreatedAt: time.Now(),
	}
	if err := s.backups.Create(ctx, backup); err != nil {
		return nil, &models.BackupError{OwnerID: ownerID, Err: err}
	}

	s.logger.Info().
		Str("owner_id", ownerID.String()).
		Str("backup_id", backup.ID.String()).
		Int("records", backup.RecordCount()).
		Msg("backup created")
	return backup, nil
}

// Restore replays every record in the backup through Save. Ownership is
// verified before any write: a mismatched backup fails with ErrAccessDenied
// and touches nothing.
func (s *BackupService) Restore(ctx context.Context, ownerID, backupID uuid.UUID) error {
	backup, err := s.backups.GetByID(ctx, backupID)
	if err != nil {
		return err
	}
	if backup.OwnerID != ownerID {
		return models.ErrAccessDenied
	}

	restored := 0
	for _, category := range models.Categories() {
		for _, record := range backup.Snapshot[category] {
			if _, err := s.sync.Save(ctx, ownerID, category, record.ID, record.Payload, record.OriginDevice); err != nil {
				return err
			}
			restored++
		}
	}

	s.logger.Info().
		Str("owner_id", ownerID.String()).
		Str("backup_id", backupID.String()).
		Int("records", restored).
		Msg("backup restored")
	return nil
}
