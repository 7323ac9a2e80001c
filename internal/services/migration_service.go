package services

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/studysync-app/studysync/internal/models"
	"github.com/studysync-app/studysync/internal/observability"
	"github.com/studysync-app/studysync/internal/repositories"
)

// StructuralStep is one schema-wide change, applied once and globally in
// version order. Revert may be nil when the step cannot be undone.
type StructuralStep struct {
	Version int
	Name    string
	Apply   func(ctx context.Context) error
	Revert  func(ctx context.Context) error
}

// UserDataMigration reshapes one user's existing records when they predate a
// structural change. Apply must be idempotent: it checks whether the target
// shape is already present before mutating.
type UserDataMigration struct {
	Version int
	Name    string
	Apply   func(ctx context.Context, records repositories.RecordRepository, ownerID uuid.UUID) error
}

// MigrationService runs both migration flows against one shared MigrationRun
// audit trail. Structural runs are globally exclusive; per-user data runs
// are exclusive per owner.
type MigrationService struct {
	repo    repositories.MigrationRepository
	records repositories.RecordRepository
	steps   []StructuralStep
	userMig []UserDataMigration
	logger  zerolog.Logger

	runMu sync.Mutex

	userMu    sync.Mutex
	userLocks map[uuid.UUID]*sync.Mutex
}

func NewMigrationService(
	repo repositories.MigrationRepository,
	records repositories.RecordRepository,
	steps []StructuralStep,
	userMigrations []UserDataMigration,
	logger zerolog.Logger,
) (*MigrationService, error) {
	sorted := make([]StructuralStep, len(steps))
	copy(sorted, steps)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Version < sorted[j].Version })
	for i := 1; i < len(sorted); i++ {
		if sorted[i].Version <= sorted[i-1].Version {
			return nil, fmt.Errorf("structural steps must have strictly increasing versions, got %d after %d",
				sorted[i].Version, sorted[i-1].Version)
		}
	}

	return &MigrationService{
		repo:      repo,
		records:   records,
		steps:     sorted,
		userMig:   userMigrations,
		logger:    logger.With().Str("component", "migration_engine").Logger(),
		userLocks: make(map[uuid.UUID]*sync.Mutex),
	}, nil
}

// Check compares the highest recorded structural version against the
// build-time step list.
func (s *MigrationService) Check(ctx context.Context) (*models.MigrationCheck, error) {
	current, err := s.repo.CurrentVersion(ctx)
	if err != nil {
		return nil, err
	}

	check := &models.MigrationCheck{
		CurrentVersion: current,
		LatestVersion:  current,
		Pending:        []models.PendingStep{},
	}
	for _, step := range s.steps {
		if step.Version > check.LatestVersion {
			check.LatestVersion = step.Version
		}
		if step.Version > current {
			check.Pending = append(check.Pending, models.PendingStep{Version: step.Version, Name: step.Name})
		}
	}
	check.Needed = len(check.Pending) > 0
	return check, nil
}

// Run applies every pending structural step in ascending version order.
// Each step gets its own MigrationRun; a failure marks that run failed and
// halts, leaving later steps pending. A concurrent call blocks behind the
// first and then finds nothing left to do.
func (s *MigrationService) Run(ctx context.Context) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	current, err := s.repo.CurrentVersion(ctx)
	if err != nil {
		return err
	}

	for _, step := range s.steps {
		if step.Version <= current {
			continue
		}

		run, err := s.startRun(ctx, nil, current, step.Version)
		if err != nil {
			return err
		}

		if err := step.Apply(ctx); err != nil {
			s.finishRun(ctx, run.ID, models.RunFailed, err.Error())
			observability.RecordMigrationRun("failed")
			return &models.MigrationFailure{Version: step.Version, Name: step.Name, Err: err}
		}

		if err := s.repo.RecordVersion(ctx, step.Version); err != nil {
			s.finishRun(ctx, run.ID, models.RunFailed, err.Error())
			observability.RecordMigrationRun("failed")
			return &models.MigrationFailure{Version: step.Version, Name: step.Name, Err: err}
		}

		s.finishRun(ctx, run.ID, models.RunCompleted, "")
		observability.RecordMigrationRun("completed")
		s.logger.Info().Int("version", step.Version).Str("name", step.Name).Msg("structural migration applied")
		current = step.Version
	}
	return nil
}

// Rollback reverts the most recently applied structural step and removes its
// recorded version. Steps without a revert fail with ErrNoRollbackAvailable.
func (s *MigrationService) Rollback(ctx context.Context, version int) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	current, err := s.repo.CurrentVersion(ctx)
	if err != nil {
		return err
	}
	if version != current {
		return fmt.Errorf("version %d is not the most recent applied version (%d)", version, current)
	}

	var step *StructuralStep
	for i := range s.steps {
		if s.steps[i].Version == version {
			step = &s.steps[i]
			break
		}
	}
	if step == nil {
		return fmt.Errorf("unknown migration version %d", version)
	}
	if step.Revert == nil {
		return models.ErrNoRollbackAvailable
	}

	run, err := s.startRun(ctx, nil, version, version-1)
	if err != nil {
		return err
	}

	if err := step.Revert(ctx); err != nil {
		s.finishRun(ctx, run.ID, models.RunFailed, err.Error())
		observability.RecordMigrationRun("failed")
		return &models.MigrationFailure{Version: step.Version, Name: step.Name, Err: err}
	}
	if err := s.repo.RemoveVersion(ctx, version); err != nil {
		s.finishRun(ctx, run.ID, models.RunFailed, err.Error())
		observability.RecordMigrationRun("failed")
		return err
	}

	s.finishRun(ctx, run.ID, models.RunCompleted, "")
	observability.RecordMigrationRun("completed")
	s.logger.Info().Int("version", version).Str("name", step.Name).Msg("structural migration rolled back")
	return nil
}

// MigrateUserData applies the user-scoped migrations gated by
// (fromVersion, toVersion]. One run tracks the whole range; a failure marks
// it failed and halts just this user's migration.
func (s *MigrationService) MigrateUserData(ctx context.Context, ownerID uuid.UUID, fromVersion, toVersion int) error {
	if toVersion < fromVersion {
		return fmt.Errorf("invalid migration range: %d -> %d", fromVersion, toVersion)
	}

	lock := s.userLock(ownerID)
	lock.Lock()
	defer lock.Unlock()

	run, err := s.startRun(ctx, &ownerID, fromVersion, toVersion)
	if err != nil {
		return err
	}

	for _, m := range s.userMig {
		if m.Version <= fromVersion || m.Version > toVersion {
			continue
		}
		if err := m.Apply(ctx, s.records, ownerID); err != nil {
			s.finishRun(ctx, run.ID, models.RunFailed, err.Error())
			observability.RecordMigrationRun("failed")
			return &models.MigrationFailure{Version: m.Version, Name: m.Name, OwnerID: &ownerID, Err: err}
		}
		s.logger.Info().
			Str("owner_id", ownerID.String()).
			Int("version", m.Version).
			Str("name", m.Name).
			Msg("user data migration applied")
	}

	s.finishRun(ctx, run.ID, models.RunCompleted, "")
	observability.RecordMigrationRun("completed")
	return nil
}

// History returns the audit log, optionally filtered to one owner.
func (s *MigrationService) History(ctx context.Context, ownerID *uuid.UUID) ([]*models.MigrationRun, error) {
	return s.repo.ListRuns(ctx, ownerID)
}

func (s *MigrationService) startRun(ctx context.Context, ownerID *uuid.UUID, from, to int) (*models.MigrationRun, error) {
	run := &models.MigrationRun{
		ID:          uuid.New(),
		OwnerID:     ownerID,
		FromVersion: from,
		ToVersion:   to,
		Status:      models.RunInProgress,
		StartedAt:   time.Now(),
	}
	if err := s.repo.CreateRun(ctx, run); err != nil {
		return nil, err
	}
	return run, nil
}

func (s *MigrationService) finishRun(ctx context.Context, id uuid.UUID, status models.RunStatus, errMsg string) {
	if err := s.repo.FinishRun(ctx, id, status, errMsg); err != nil {
		s.logger.Error().Err(err).Str("run_id", id.String()).Msg("failed to finalize migration run")
	}
}

func (s *MigrationService) userLock(ownerID uuid.UUID) *sync.Mutex {
	s.userMu.Lock()
	defer s.userMu.Unlock()

	lock, ok := s.userLocks[ownerID]
	if !ok {
		lock = &sync.Mutex{}
		s.userLocks[ownerID] = lock
	}
	return lock
}
