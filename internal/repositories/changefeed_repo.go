package repositories

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/studysync-app/studysync/internal/models"
)

const changeChannelPrefix = "sync:changes:"

// changeChannel scopes the feed to one user's data.
func changeChannel(ownerID uuid.UUID) string {
	return changeChannelPrefix + ownerID.String()
}

// RedisChangeFeed carries change notifications over Redis pub/sub, one
// channel per owner. Redis delivers published messages to live subscribers
// in publish order, which gives the per-(category, id) ordering guarantee;
// delivery to a reconnecting subscriber is at-least-once at the engine
// level because flushed queue writes are republished.
type RedisChangeFeed struct {
	client *redis.Client
	logger zerolog.Logger
}

func NewRedisChangeFeed(client *redis.Client, logger zerolog.Logger) *RedisChangeFeed {
	return &RedisChangeFeed{
		client: client,
		logger: logger.With().Str("component", "change_feed").Logger(),
	}
}

func (f *RedisChangeFeed) Publish(ctx context.Context, event models.ChangeEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal change event: %w", err)
	}

	if err := f.client.Publish(ctx, changeChannel(event.OwnerID), data).Err(); err != nil {
		return fmt.Errorf("failed to publish change event: %w", err)
	}
	return nil
}

func (f *RedisChangeFeed) Subscribe(ctx context.Context, ownerID uuid.UUID) (Subscription, error) {
	pubsub := f.client.Subscribe(ctx, changeChannel(ownerID))

	// Force the SUBSCRIBE round trip so setup failures surface here rather
	// than as a silently dead stream.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to changes for %s: %w", ownerID, err)
	}

	sub := &redisSubscription{
		pubsub: pubsub,
		events: make(chan models.ChangeEvent, 64),
	}

	go func() {
		defer close(sub.events)
		for msg := range pubsub.Channel() {
			var event models.ChangeEvent
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				f.logger.Warn().Err(err).
					Str("channel", msg.Channel).
					Msg("dropping malformed change event")
				continue
			}
			sub.events <- event
		}
	}()

	return sub, nil
}

type redisSubscription struct {
	pubsub *redis.PubSub
	events chan models.ChangeEvent

	closeOnce sync.Once
	closeErr  error
}

func (s *redisSubscription) Events() <-chan models.ChangeEvent {
	return s.events
}

func (s *redisSubscription) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.pubsub.Close()
	})
	return s.closeErr
}
