package keylock

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	lockKeyPrefix    = "lock:"
	defaultLockTTL   = 30 * time.Second
	defaultLockRetry = 20 * time.Millisecond
)

// unlockScript deletes the lock only if it still carries our token, so an
// expired lock re-acquired by another instance is never released by us.
var unlockScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// RedisLocker serializes across service instances sharing one Redis.
// Locks expire after TTL so a crashed holder cannot wedge a key.
type RedisLocker struct {
	client *redis.Client
	ttl    time.Duration
	retry  time.Duration
}

// NewRedisLocker creates a distributed locker. A zero ttl uses 30s.
func NewRedisLocker(client *redis.Client, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	return &RedisLocker{client: client, ttl: ttl, retry: defaultLockRetry}
}

func (r *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	redisKey := lockKeyPrefix + key
	token := uuid.New().String()

	for {
		ok, err := r.client.SetNX(ctx, redisKey, token, r.ttl).Result()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, err
		}
		if ok {
			break
		}

		timer := time.NewTimer(r.retry)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	return func() {
		// Release even if the caller's context is already cancelled.
		err := unlockScript.Run(context.Background(), r.client, []string{redisKey}, token).Err()
		if err != nil && !errors.Is(err, redis.Nil) {
			slog.Warn("release lock failed", "key", key, "err", err)
		}
	}, nil
}
