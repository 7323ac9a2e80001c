package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/studysync-app/studysync/internal/models"
	"github.com/studysync-app/studysync/internal/observability"
	"github.com/studysync-app/studysync/internal/repositories"
)

// SyncService coordinates the online/offline write paths for every active
// user session. Each owner gets a write queue and a change feed
// subscription; operations for the same owner are serialized on the
// session's mutex while different owners proceed fully concurrently.
type SyncService struct {
	records      repositories.RecordRepository
	listener     *ChangeListener
	storeTimeout time.Duration
	logger       zerolog.Logger

	mu       sync.Mutex
	sessions map[uuid.UUID]*ownerSession
}

type ownerSession struct {
	mu           sync.Mutex
	queue        *writeQueue
	clock        int64
	online       bool
	lastSyncedAt time.Time
}

func NewSyncService(records repositories.RecordRepository, listener *ChangeListener, storeTimeout time.Duration, logger zerolog.Logger) *SyncService {
	return &SyncService{
		records:      records,
		listener:     listener,
		storeTimeout: storeTimeout,
		logger:       logger.With().Str("component", "sync_coordinator").Logger(),
		sessions:     make(map[uuid.UUID]*ownerSession),
	}
}

// Initialize opens a change feed subscription and an empty write queue for
// the user. Idempotent: a second call reuses the existing subscription.
func (s *SyncService) Initialize(ctx context.Context, ownerID uuid.UUID) error {
	sess := s.session(ownerID)

	if s.listener.Active(ownerID) {
		return nil
	}

	onChange := func(event models.ChangeEvent) {
		s.logger.Debug().
			Str("owner_id", event.OwnerID.String()).
			Str("category", string(event.Category)).
			Str("record_id", event.ID).
			Int64("version", event.Version).
			Msg("remote change received")
	}
	if err := s.listener.Subscribe(ctx, ownerID, onChange); err != nil {
		return fmt.Errorf("%w: %v", models.ErrInitialization, err)
	}

	sess.mu.Lock()
	sess.online = true
	sess.mu.Unlock()

	s.logger.Info().Str("owner_id", ownerID.String()).Msg("sync session initialized")
	return nil
}

// Save assigns the next version and attempts a direct store write. When the
// store is unreachable the write is queued and the record returned anyway:
// the caller sees "accepted, pending confirmation" rather than an error, so
// a student on flaky connectivity never loses an in-app action.
func (s *SyncService) Save(ctx context.Context, ownerID uuid.UUID, category models.Category, id string, payload json.RawMessage, originDevice string) (*models.SyncRecord, error) {
	if !category.Valid() {
		return nil, fmt.Errorf("invalid category: %q", category)
	}
	if id == "" {
		id = uuid.NewString()
	}

	sess := s.session(ownerID)
	sess.mu.Lock()
	defer sess.mu.Unlock()

	now := time.Now()
	record := &models.SyncRecord{
		ID:           id,
		OwnerID:      ownerID,
		Category:     category,
		Payload:      payload,
		Version:      sess.nextVersion(now),
		LastModified: now,
		OriginDevice: originDevice,
	}

	if err := s.upsert(ctx, record); err != nil {
		sess.online = false
		sess.queue.push(*record)
		observability.RecordSave("queued")
		observability.SetQueueDepth(ownerID.String(), sess.queue.size())
		s.logger.Warn().Err(err).
			Str("owner_id", ownerID.String()).
			Str("record_id", record.ID).
			Msg("direct write failed, queued for retry")
		return record, nil
	}

	sess.online = true
	sess.lastSyncedAt = now
	observability.RecordSave("committed")
	return record, nil
}

// Flush attempts every queued write for the user in enqueue order.
// Successes are removed; failures stay with an incremented attempt count. A
// later write for a (category, id) whose earlier write just failed is
// skipped outright so versions are never applied out of order. Partial
// failure is not an error; the remainder shows up in Status.
func (s *SyncService) Flush(ctx context.Context, ownerID uuid.UUID) error {
	sess := s.session(ownerID)
	sess.mu.Lock()
	defer sess.mu.Unlock()

	items := sess.queue.peekAll()
	if len(items) == 0 {
		return nil
	}

	var succeeded []uuid.UUID
	blocked := make(map[string]bool)
	anyFailed := false

	for _, item := range items {
		key := string(item.Record.Category) + "/" + item.Record.ID
		if blocked[key] {
			continue
		}

		if err := s.upsert(ctx, &item.Record); err != nil {
			item.Attempts++
			blocked[key] = true
			anyFailed = true
			observability.RecordFlush("failure")
			s.logger.Warn().Err(err).
				Str("owner_id", ownerID.String()).
				Str("record_id", item.Record.ID).
				Int("attempts", item.Attempts).
				Msg("queued write still failing")
			continue
		}
		succeeded = append(succeeded, item.QueueID)
		observability.RecordFlush("success")
	}

	sess.queue.removeSucceeded(succeeded)
	observability.SetQueueDepth(ownerID.String(), sess.queue.size())

	if !anyFailed {
		sess.online = true
		sess.lastSyncedAt = time.Now()
	}

	s.logger.Info().
		Str("owner_id", ownerID.String()).
		Int("flushed", len(succeeded)).
		Int("remaining", sess.queue.size()).
		Msg("flush pass finished")
	return nil
}

// Status reports the caller-visible health of one user's session.
func (s *SyncService) Status(ownerID uuid.UUID) models.SyncStatus {
	s.mu.Lock()
	sess, ok := s.sessions[ownerID]
	s.mu.Unlock()

	status := models.SyncStatus{
		HasActiveSubscription: s.listener.Active(ownerID),
	}
	if !ok {
		return status
	}

	sess.mu.Lock()
	status.Online = sess.online
	status.QueuedCount = sess.queue.size()
	status.LastSyncedAt = sess.lastSyncedAt
	sess.mu.Unlock()
	return status
}

// Events exposes the owner's rebroadcast stream of remote changes.
func (s *SyncService) Events(ownerID uuid.UUID) <-chan models.ChangeEvent {
	return s.listener.Events(ownerID)
}

// Shutdown closes the subscription and discards the in-memory queue.
// Callers wanting durability of pending writes must flush first.
func (s *SyncService) Shutdown(ownerID uuid.UUID) {
	s.listener.Unsubscribe(ownerID)

	s.mu.Lock()
	sess, ok := s.sessions[ownerID]
	if ok {
		delete(s.sessions, ownerID)
	}
	s.mu.Unlock()

	if !ok {
		return
	}

	sess.mu.Lock()
	dropped := sess.queue.size()
	sess.mu.Unlock()
	if dropped > 0 {
		s.logger.Warn().
			Str("owner_id", ownerID.String()).
			Int("dropped", dropped).
			Msg("shutdown discarded queued writes")
	}
	observability.DropQueueDepth(ownerID.String())
	s.logger.Info().Str("owner_id", ownerID.String()).Msg("sync session shut down")
}

// StartAutoFlush runs the background flush pass until ctx is cancelled.
func (s *SyncService) StartAutoFlush(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, ownerID := range s.activeOwners() {
					if err := s.Flush(ctx, ownerID); err != nil {
						s.logger.Warn().Err(err).
							Str("owner_id", ownerID.String()).
							Msg("background flush failed")
					}
				}
			}
		}
	}()
}

func (s *SyncService) activeOwners() []uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()

	owners := make([]uuid.UUID, 0, len(s.sessions))
	for ownerID := range s.sessions {
		owners = append(owners, ownerID)
	}
	return owners
}

// session returns the owner's session, creating it on first use so a save
// before Initialize still queues instead of failing.
func (s *SyncService) session(ownerID uuid.UUID) *ownerSession {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[ownerID]
	if !ok {
		sess = &ownerSession{queue: newWriteQueue()}
		s.sessions[ownerID] = sess
	}
	return sess
}

// upsert bounds a single store call with the configured timeout. A timed-out
// write counts as a failed write, never as success.
func (s *SyncService) upsert(ctx context.Context, record *models.SyncRecord) error {
	cctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()
	return s.records.Upsert(cctx, record)
}

// nextVersion advances the logical clock: wall-clock milliseconds, bumped
// past the previous value so versions from the same session never collide.
// Callers hold the session mutex.
func (sess *ownerSession) nextVersion(now time.Time) int64 {
	v := now.UnixMilli()
	if v <= sess.clock {
		v = sess.clock + 1
	}
	sess.clock = v
	return v
}
