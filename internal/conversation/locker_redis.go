package conversation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/wolfman30/whatsapp-scheduler/pkg/logging"
)

const (
	defaultLockTTL   = 45 * time.Second
	lockPollInterval = 50 * time.Millisecond
)

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker serializes per key across worker processes. The lock carries
// a TTL so a crashed holder cannot wedge a phone forever.
type RedisLocker struct {
	client *redis.Client
	ttl    time.Duration
	poll   time.Duration
	logger *logging.Logger
}

func NewRedisLocker(client *redis.Client, ttl time.Duration, logger *logging.Logger) *RedisLocker {
	if client == nil {
		panic("conversation: redis client cannot be nil")
	}
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &RedisLocker{client: client, ttl: ttl, poll: lockPollInterval, logger: logger}
}

func lockKey(key string) string {
	return fmt.Sprintf("conversation_lock:%s", key)
}

func (l *RedisLocker) Acquire(ctx context.Context, key string) (func(), error) {
	rk := lockKey(key)
	token := uuid.NewString()

	ticker := time.NewTicker(l.poll)
	defer ticker.Stop()
	for {
		ok, err := l.client.SetNX(ctx, rk, token, l.ttl).Result()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, fmt.Errorf("conversation: waiting for lock on %s: %w", key, ctxErr)
			}
			return nil, fmt.Errorf("conversation: acquire lock %s: %w", key, err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("conversation: waiting for lock on %s: %w", key, ctx.Err())
		case <-ticker.C:
		}
	}

	return func() {
		// Release even when the caller's ctx has expired.
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := releaseScript.Run(releaseCtx, l.client, []string{rk}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
			l.logger.Warn("conversation: release lock failed", "key", key, "error", err)
		}
	}, nil
}

var _ Locker = (*RedisLocker)(nil)
