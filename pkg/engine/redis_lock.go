package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const redisLockKeyPrefix = "edforge:runlock:"

// releaseScript deletes the lock key only when the stored token still matches,
// so an advancer whose lock expired cannot release a successor's lock.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker is the distributed RunLocker for multi-instance deployments.
// Locks carry a TTL so a crashed advancer cannot wedge its run forever; the
// reaper picks such runs up once the lock expires.
type RedisLocker struct {
	logger *slog.Logger
	client redis.UniversalClient
	ttl    time.Duration
}

func NewRedisLocker(logger *slog.Logger, client redis.UniversalClient, ttl time.Duration) *RedisLocker {
	return &RedisLocker{
		logger: logger.With("module", "redis_locker"),
		client: client,
		ttl:    ttl,
	}
}

func (l *RedisLocker) Acquire(ctx context.Context, runID string) (UnlockFunc, error) {
	key := redisLockKeyPrefix + runID
	token := uuid.New().String()

	acquired, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock for run %s: %w", runID, err)
	}

	if !acquired {
		return nil, fmt.Errorf("%w: %s", ErrRunLocked, runID)
	}

	return func() {
		// Release may outlive the advance's own context.
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := releaseScript.Run(releaseCtx, l.client, []string{key}, token).Err(); err != nil {
			l.logger.Warn("Failed to release run lock, TTL will reclaim it", "run_id", runID, "error", err)
		}
	}, nil
}
