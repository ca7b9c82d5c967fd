package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const attendanceEventKeyPrefix = "attendance:event:"

// EventKeyCache remembers processed attendance event ids in Redis so that webhook
// retries are answered without opening a database transaction. The database claim
// stays authoritative; a cache miss only means "ask the database".
type EventKeyCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewEventKeyCache constructs the cache. A nil client disables it.
func NewEventKeyCache(client *redis.Client, ttl time.Duration) *EventKeyCache {
	if ttl <= 0 {
		ttl = 72 * time.Hour
	}
	return &EventKeyCache{client: client, ttl: ttl}
}

// Seen reports whether the event id was already committed.
func (c *EventKeyCache) Seen(ctx context.Context, eventID string) (bool, error) {
	if c == nil || c.client == nil {
		return false, nil
	}
	n, err := c.client.Exists(ctx, attendanceEventKeyPrefix+eventID).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists %s: %w", eventID, err)
	}
	return n > 0, nil
}

// Mark records a committed event id.
func (c *EventKeyCache) Mark(ctx context.Context, eventID string) error {
	if c == nil || c.client == nil {
		return nil
	}
	if err := c.client.Set(ctx, attendanceEventKeyPrefix+eventID, 1, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", eventID, err)
	}
	return nil
}
