package keylock

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func getRedisClient(t *testing.T) *redis.Client {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	return client
}

func TestRedisLocker_ExclusiveUntilUnlock(t *testing.T) {
	client := getRedisClient(t)
	defer client.Close()

	ctx := context.Background()
	client.Del(ctx, "lock:test-key")
	locker := NewRedisLocker(client, 5*time.Second)

	unlock, err := locker.Lock(ctx, "test-key")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	if _, err := locker.Lock(waitCtx, "test-key"); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected second lock to time out, got %v", err)
	}

	unlock()

	unlock2, err := locker.Lock(ctx, "test-key")
	if err != nil {
		t.Fatalf("expected lock after release, got %v", err)
	}
	unlock2()
}

func TestRedisLocker_ForeignTokenNotReleased(t *testing.T) {
	client := getRedisClient(t)
	defer client.Close()

	ctx := context.Background()
	client.Del(ctx, "lock:test-key-2")
	locker := NewRedisLocker(client, 5*time.Second)

	unlock, err := locker.Lock(ctx, "test-key-2")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Simulate expiry and takeover by another instance.
	client.Set(ctx, "lock:test-key-2", "someone-else", 5*time.Second)
	unlock()

	owner, _ := client.Get(ctx, "lock:test-key-2").Result()
	if owner != "someone-else" {
		t.Errorf("expected foreign lock to survive, got %q", owner)
	}
	client.Del(ctx, "lock:test-key-2")
}
