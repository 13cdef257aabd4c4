package events

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultDedupeTTL = 72 * time.Hour

// RedisDeduper keeps processed event ids as expiring Redis keys. Z-API
// retries a delivery for a few hours at most, so the ids do not need to
// outlive that window.
type RedisDeduper struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisDeduper(client *redis.Client, ttl time.Duration) *RedisDeduper {
	if client == nil {
		panic("events: redis client required")
	}
	if ttl <= 0 {
		ttl = defaultDedupeTTL
	}
	return &RedisDeduper{client: client, ttl: ttl}
}

func dedupeKey(provider, eventID string) string {
	return fmt.Sprintf("processed_event:%s:%s", provider, eventID)
}

func (d *RedisDeduper) AlreadyProcessed(ctx context.Context, provider, eventID string) (bool, error) {
	provider, eventID, err := dedupeIdentity(provider, eventID)
	if err != nil {
		return false, err
	}
	n, err := d.client.Exists(ctx, dedupeKey(provider, eventID)).Result()
	if err != nil {
		return false, fmt.Errorf("events: check processed: %w", err)
	}
	return n > 0, nil
}

func (d *RedisDeduper) MarkProcessed(ctx context.Context, provider, eventID string) (bool, error) {
	provider, eventID, err := dedupeIdentity(provider, eventID)
	if err != nil {
		return false, err
	}
	ok, err := d.client.SetNX(ctx, dedupeKey(provider, eventID), time.Now().UTC().Format(time.RFC3339), d.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("events: mark processed: %w", err)
	}
	return ok, nil
}

func (d *RedisDeduper) Release(ctx context.Context, provider, eventID string) error {
	provider, eventID, err := dedupeIdentity(provider, eventID)
	if err != nil {
		return err
	}
	if err := d.client.Del(ctx, dedupeKey(provider, eventID)).Err(); err != nil {
		return fmt.Errorf("events: release processed: %w", err)
	}
	return nil
}
