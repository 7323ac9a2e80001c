package repositories

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/studysync-app/studysync/internal/models"
)

// In-memory implementations of the repository interfaces. They back the unit
// tests and support fault injection so outage scenarios can be simulated
// deterministically.

func recordKey(ownerID uuid.UUID, category models.Category, id string) string {
	return fmt.Sprintf("%s/%s/%s", ownerID, category, id)
}

// MemoryRecordRepository keeps records in a map with the same
// last-writer-wins guard as the Postgres implementation.
type MemoryRecordRepository struct {
	mu      sync.Mutex
	records map[string]*models.SyncRecord
	feed    ChangeFeed

	failing bool
	failErr error
	delay   map[uuid.UUID]time.Duration
	upserts int
}

func NewMemoryRecordRepository(feed ChangeFeed) *MemoryRecordRepository {
	return &MemoryRecordRepository{
		records: make(map[string]*models.SyncRecord),
		feed:    feed,
		delay:   make(map[uuid.UUID]time.Duration),
	}
}

// SetFailing makes every write and read fail with a transient error until
// turned off again, simulating a store outage.
func (r *MemoryRecordRepository) SetFailing(failing bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failing = failing
	r.failErr = fmt.Errorf("simulated store outage")
}

// SetDelay slows down writes for one owner, simulating a slow store shard.
func (r *MemoryRecordRepository) SetDelay(ownerID uuid.UUID, d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delay[ownerID] = d
}

// UpsertCount returns how many upsert attempts reached the store.
func (r *MemoryRecordRepository) UpsertCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.upserts
}

func (r *MemoryRecordRepository) Upsert(ctx context.Context, record *models.SyncRecord) error {
	if err := record.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	r.upserts++
	failing := r.failing
	failErr := r.failErr
	delay := r.delay[record.OwnerID]
	r.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return &models.TransientStoreError{Op: "upsert", Err: ctx.Err()}
		}
	}
	if failing {
		return &models.TransientStoreError{Op: "upsert", Err: failErr}
	}
	if err := ctx.Err(); err != nil {
		return &models.TransientStoreError{Op: "upsert", Err: err}
	}

	r.mu.Lock()
	key := recordKey(record.OwnerID, record.Category, record.ID)
	if existing, ok := r.records[key]; ok && existing.Version > record.Version {
		r.mu.Unlock()
		return nil // stale write superseded
	}
	clone := *record
	r.records[key] = &clone
	r.mu.Unlock()

	if r.feed != nil {
		_ = r.feed.Publish(ctx, models.ChangeEvent{
			OwnerID:      record.OwnerID,
			Category:     record.Category,
			ID:           record.ID,
			Version:      record.Version,
			OriginDevice: record.OriginDevice,
		})
	}
	return nil
}

func (r *MemoryRecordRepository) Get(ctx context.Context, ownerID uuid.UUID, category models.Category, id string) (*models.SyncRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.failing {
		return nil, &models.TransientStoreError{Op: "get", Err: r.failErr}
	}
	record, ok := r.records[recordKey(ownerID, category, id)]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *record
	return &clone, nil
}

func (r *MemoryRecordRepository) ListByCategory(ctx context.Context, ownerID uuid.UUID, category models.Category) ([]*models.SyncRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.failing {
		return nil, &models.TransientStoreError{Op: "list", Err: r.failErr}
	}

	var records []*models.SyncRecord
	for _, record := range r.records {
		if record.OwnerID == ownerID && record.Category == category {
			clone := *record
			records = append(records, &clone)
		}
	}
	sort.Slice(records, func(i, j int) bool { return records[i].ID < records[j].ID })
	return records, nil
}

// MemoryBackupRepository keeps snapshots in a map.
type MemoryBackupRepository struct {
	mu      sync.Mutex
	backups map[uuid.UUID]*models.Backup
}

func NewMemoryBackupRepository() *MemoryBackupRepository {
	return &MemoryBackupRepository{backups: make(map[uuid.UUID]*models.Backup)}
}

func (r *MemoryBackupRepository) Create(ctx context.Context, backup *models.Backup) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.backups[backup.ID]; ok {
		return fmt.Errorf("backup %s already exists", backup.ID)
	}
	r.backups[backup.ID] = cloneBackup(backup)
	return nil
}

func (r *MemoryBackupRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Backup, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	backup, ok := r.backups[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneBackup(backup), nil
}

// cloneBackup copies the snapshot map and its slices so callers can never
// reach the stored backup through a returned one.
func cloneBackup(backup *models.Backup) *models.Backup {
	clone := *backup
	if backup.Snapshot != nil {
		clone.Snapshot = make(map[models.Category][]models.SyncRecord, len(backup.Snapshot))
		for category, records := range backup.Snapshot {
			clone.Snapshot[category] = append([]models.SyncRecord(nil), records...)
		}
	}
	return &clone
}

// MemoryMigrationRepository keeps recorded versions and runs in memory.
type MemoryMigrationRepository struct {
	mu       sync.Mutex
	versions map[int]bool
	runs     []*models.MigrationRun
}

func NewMemoryMigrationRepository() *MemoryMigrationRepository {
	return &MemoryMigrationRepository{versions: make(map[int]bool)}
}

func (r *MemoryMigrationRepository) EnsureSchema(ctx context.Context) error {
	return nil
}

func (r *MemoryMigrationRepository) CurrentVersion(ctx context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current := 0
	for v := range r.versions {
		if v > current {
			current = v
		}
	}
	return current, nil
}

func (r *MemoryMigrationRepository) RecordVersion(ctx context.Context, version int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.versions[version] = true
	return nil
}

func (r *MemoryMigrationRepository) RemoveVersion(ctx context.Context, version int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.versions[version] {
		return ErrNotFound
	}
	delete(r.versions, version)
	return nil
}

func (r *MemoryMigrationRepository) CreateRun(ctx context.Context, run *models.MigrationRun) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	clone := *run
	r.runs = append(r.runs, &clone)
	return nil
}

func (r *MemoryMigrationRepository) FinishRun(ctx context.Context, id uuid.UUID, status models.RunStatus, errMsg string) error {
	if !status.Terminal() {
		return fmt.Errorf("cannot finish run with non-terminal status %q", status)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, run := range r.runs {
		if run.ID == id {
			if run.Status != models.RunInProgress {
				return fmt.Errorf("migration run %s is not in progress", id)
			}
			now := time.Now()
			run.Status = status
			run.CompletedAt = &now
			run.ErrorMessage = errMsg
			return nil
		}
	}
	return ErrNotFound
}

func (r *MemoryMigrationRepository) ListRuns(ctx context.Context, ownerID *uuid.UUID) ([]*models.MigrationRun, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var runs []*models.MigrationRun
	for _, run := range r.runs {
		if ownerID != nil {
			if run.OwnerID == nil || *run.OwnerID != *ownerID {
				continue
			}
		}
		clone := *run
		runs = append(runs, &clone)
	}
	return runs, nil
}

// MemoryChangeFeed fans published events out to every open subscription for
// the owner. Events are dropped when a subscriber's buffer is full, matching
// the at-least-once (not exactly-once, not lossless-under-backpressure)
// contract of the real feed.
type MemoryChangeFeed struct {
	mu   sync.Mutex
	subs map[uuid.UUID][]*memorySubscription

	failing bool
}

func NewMemoryChangeFeed() *MemoryChangeFeed {
	return &MemoryChangeFeed{subs: make(map[uuid.UUID][]*memorySubscription)}
}

// SetFailing makes Subscribe fail, simulating a broken feed endpoint.
func (f *MemoryChangeFeed) SetFailing(failing bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failing = failing
}

func (f *MemoryChangeFeed) Publish(ctx context.Context, event models.ChangeEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, sub := range f.subs[event.OwnerID] {
		sub.deliver(event)
	}
	return nil
}

func (f *MemoryChangeFeed) Subscribe(ctx context.Context, ownerID uuid.UUID) (Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failing {
		return nil, fmt.Errorf("simulated subscribe failure")
	}

	sub := &memorySubscription{
		feed:    f,
		ownerID: ownerID,
		events:  make(chan models.ChangeEvent, 64),
	}
	f.subs[ownerID] = append(f.subs[ownerID], sub)
	return sub, nil
}

func (f *MemoryChangeFeed) remove(sub *memorySubscription) {
	f.mu.Lock()
	defer f.mu.Unlock()

	subs := f.subs[sub.ownerID]
	for i, s := range subs {
		if s == sub {
			f.subs[sub.ownerID] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
}

type memorySubscription struct {
	feed    *MemoryChangeFeed
	ownerID uuid.UUID
	events  chan models.ChangeEvent

	mu     sync.Mutex
	closed bool
}

func (s *memorySubscription) deliver(event models.ChangeEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	select {
	case s.events <- event:
	default:
	}
}

func (s *memorySubscription) Events() <-chan models.ChangeEvent {
	return s.events
}

func (s *memorySubscription) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.events)
	s.mu.Unlock()

	s.feed.remove(s)
	return nil
}
