package services

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/studysync-app/studysync/internal/models"
	"github.com/studysync-app/studysync/internal/observability"
	"github.com/studysync-app/studysync/internal/repositories"
)

// ChangeHandler receives one remote change event. Delivery is at-least-once,
// so handlers must tolerate duplicates.
type ChangeHandler func(models.ChangeEvent)

// ChangeListener owns the per-user change feed subscriptions and the
// dispatch loop that republishes store changes as internal events. Callbacks
// and the rebroadcast channel feed connected clients.
type ChangeListener struct {
	feed   repositories.ChangeFeed
	logger zerolog.Logger

	mu   sync.Mutex
	subs map[uuid.UUID]*ownerSubscription
}

type ownerSubscription struct {
	sub    repositories.Subscription
	events chan models.ChangeEvent
	done   chan struct{}

	mu       sync.Mutex
	handlers []ChangeHandler
}

func NewChangeListener(feed repositories.ChangeFeed, logger zerolog.Logger) *ChangeListener {
	return &ChangeListener{
		feed:   feed,
		logger: logger.With().Str("component", "change_listener").Logger(),
		subs:   make(map[uuid.UUID]*ownerSubscription),
	}
}

// Subscribe opens the owner's change stream and registers onChange.
// Subscribing twice reuses the existing stream and just adds the handler.
func (l *ChangeListener) Subscribe(ctx context.Context, ownerID uuid.UUID, onChange ChangeHandler) error {
	l.mu.Lock()
	if existing, ok := l.subs[ownerID]; ok {
		l.mu.Unlock()
		if onChange != nil {
			existing.addHandler(onChange)
		}
		return nil
	}
	l.mu.Unlock()

	sub, err := l.feed.Subscribe(ctx, ownerID)
	if err != nil {
		return err
	}

	os := &ownerSubscription{
		sub:    sub,
		events: make(chan models.ChangeEvent, 64),
		done:   make(chan struct{}),
	}
	if onChange != nil {
		os.handlers = append(os.handlers, onChange)
	}

	l.mu.Lock()
	if existing, ok := l.subs[ownerID]; ok {
		// Lost a subscribe race; keep the first stream.
		l.mu.Unlock()
		_ = sub.Close()
		if onChange != nil {
			existing.addHandler(onChange)
		}
		return nil
	}
	l.subs[ownerID] = os
	l.mu.Unlock()

	go l.dispatch(ownerID, os)

	l.logger.Debug().Str("owner_id", ownerID.String()).Msg("change subscription opened")
	return nil
}

// dispatch pumps the store's stream into handlers and the rebroadcast
// channel until the subscription closes.
func (l *ChangeListener) dispatch(ownerID uuid.UUID, os *ownerSubscription) {
	defer close(os.done)
	for event := range os.sub.Events() {
		observability.RecordChangeEvent()

		for _, handler := range os.snapshotHandlers() {
			handler(event)
		}

		select {
		case os.events <- event:
		default:
			l.logger.Debug().
				Str("owner_id", ownerID.String()).
				Str("record_id", event.ID).
				Msg("rebroadcast buffer full, dropping event")
		}
	}
}

// Events returns the rebroadcast channel for an owner, or nil when there is
// no active subscription.
func (l *ChangeListener) Events(ownerID uuid.UUID) <-chan models.ChangeEvent {
	l.mu.Lock()
	defer l.mu.Unlock()

	if os, ok := l.subs[ownerID]; ok {
		return os.events
	}
	return nil
}

// Active reports whether the owner has an open subscription.
func (l *ChangeListener) Active(ownerID uuid.UUID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.subs[ownerID]
	return ok
}

// Unsubscribe releases the owner's subscription. Safe to call when never
// subscribed.
func (l *ChangeListener) Unsubscribe(ownerID uuid.UUID) {
	l.mu.Lock()
	os, ok := l.subs[ownerID]
	if ok {
		delete(l.subs, ownerID)
	}
	l.mu.Unlock()

	if !ok {
		return
	}

	if err := os.sub.Close(); err != nil {
		l.logger.Warn().Err(err).Str("owner_id", ownerID.String()).Msg("failed to close subscription")
	}
	<-os.done
	l.logger.Debug().Str("owner_id", ownerID.String()).Msg("change subscription closed")
}

func (os *ownerSubscription) addHandler(h ChangeHandler) {
	os.mu.Lock()
	defer os.mu.Unlock()
	os.handlers = append(os.handlers, h)
}

func (os *ownerSubscription) snapshotHandlers() []ChangeHandler {
	os.mu.Lock()
	defer os.mu.Unlock()
	out := make([]ChangeHandler, len(os.handlers))
	copy(out, os.handlers)
	return out
}
