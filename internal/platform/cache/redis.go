package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// New creates a new Redis client.
func New(ctx context.Context, addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr: addr,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("platform/cache: ping: %w", err)
	}

	return client, nil
}

// Locker takes short-lived exclusive locks backed by SET NX. It guards
// operations that must not run twice concurrently across instances,
// such as invoice issuance for one sale.
type Locker struct {
	client *redis.Client
}

// NewLocker returns a Locker over the given client.
func NewLocker(client *redis.Client) *Locker {
	return &Locker{client: client}
}

// Acquire attempts to take the named lock for ttl. It reports false when
// another holder already owns it.
func (l *Locker) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := l.client.SetNX(ctx, key, "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("platform/cache: acquire %s: %w", key, err)
	}
	return ok, nil
}

// Release drops the named lock. Releasing an expired lock is a no-op.
func (l *Locker) Release(ctx context.Context, key string) error {
	if err := l.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("platform/cache: release %s: %w", key, err)
	}
	return nil
}
